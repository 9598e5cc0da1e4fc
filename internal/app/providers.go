package app

import (
	"context"

	"tickreplay/internal/config"
)

func provideAppBuilder(cfg *config.Config, opts []AppBuilderOption) *AppBuilder {
	return NewAppBuilder(cfg, opts...)
}

func provideAppFromBuilder(b *AppBuilder, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}
