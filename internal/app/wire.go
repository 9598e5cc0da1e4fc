//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"tickreplay/internal/config"

	"github.com/google/wire"
)

func buildAppWithWire(ctx context.Context, cfg *config.Config, opts []AppBuilderOption) (*App, error) {
	wire.Build(provideAppBuilder, provideAppFromBuilder)
	return nil, nil
}
