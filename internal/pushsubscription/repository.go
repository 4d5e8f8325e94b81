package pushsubscription

import "context"

type Repository interface {
	// Save stores s, replacing any subscription with the same endpoint.
	Save(ctx context.Context, s *Subscription) error
	ListByUsername(ctx context.Context, username string) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
	FindByEndpoint(ctx context.Context, endpoint string) (*Subscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}
