package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Factory 用解码前的参数与环境构造策略实例。
type Factory func(env Env, params map[string]any) (Strategy, error)

// Registry 按名称登记可用策略。
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry 返回内置 sma_cross 与 scripted 两个策略的注册表。
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(SMACrossName, NewSMACross)
	r.Register(ScriptedName, NewScripted)
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(strings.TrimSpace(name))] = f
}

// New 创建策略实例，未知名称返回错误。
func (r *Registry) New(name string, params map[string]any, env Env) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return f(env, params)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// decodeParams 将 map 参数弱类型解码到 out，未知字段视为错误。
func decodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "toml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("decode strategy params: %w", err)
	}
	return nil
}
