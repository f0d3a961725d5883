package transfer

import "context"

// Queue persists transfer requests and serves them to agents.
//
// Create must refuse a second open request for the same conversation with
// ErrTransferOpen. Open returns open requests ordered by priority first,
// creation time second, so an emergency filed last still pops before an
// older normal request. Accept is guarded by the request's version: the
// loser of a race gets ErrAlreadyAccepted.
type Queue interface {
	Create(ctx context.Context, req *Request) error
	// Get returns the request by id, nil when it does not exist.
	Get(ctx context.Context, id string) (*Request, error)
	Open(ctx context.Context, tenantID string, limit int) ([]*Request, error)
	Accept(ctx context.Context, id, agent string, version int64) error
	Close(ctx context.Context, id string) error
	// OpenFor returns the conversation's open request, nil when none exists.
	OpenFor(ctx context.Context, conversationID string) (*Request, error)
}
