package ehr

import "context"

// ClientRepository persists dynamic client registrations.
type ClientRepository interface {
	Create(ctx context.Context, r *ClientRegistration) error
	GetByClientID(ctx context.Context, clientID string) (*ClientRegistration, error)
}

// GrantRepository persists grants. A grant is reachable by its code only
// while draft and by its access token only once active.
type GrantRepository interface {
	Create(ctx context.Context, g *Grant) error
	GetByCode(ctx context.Context, code string) (*Grant, error)
	GetByAccessToken(ctx context.Context, token string) (*Grant, error)
	Update(ctx context.Context, g *Grant) error
}
