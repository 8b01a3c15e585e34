package endorser

import (
	"context"
)

type DeveloperRepository interface {
	Create(ctx context.Context, d *Developer) error
	GetByID(ctx context.Context, id string) (*Developer, error)
	Delete(ctx context.Context, id string) error
}

type AppRepository interface {
	Create(ctx context.Context, a *App) error
	GetByID(ctx context.Context, id string) (*App, error)
}
