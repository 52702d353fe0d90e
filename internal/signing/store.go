package signing

import "context"

// Store persists session-key grants.
type Store interface {
	Create(ctx context.Context, grant *Grant) error
	Get(ctx context.Context, id string) (*Grant, error)
	ListActiveByUser(ctx context.Context, userID string) ([]*Grant, error)
	Revoke(ctx context.Context, id string) error
	Close() error
}
