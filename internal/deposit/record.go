package deposit

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Record tracks one expected inbound payment on a single-use intermediate
// address and the outcome of forwarding it.
type Record struct {
	ID string `json:"id"`

	IntermediateAddress string `json:"intermediate_address"`
	IntermediateKeyRef  string `json:"intermediate_key_ref"`
	DestinationAddress  string `json:"destination_address"`

	// Handle is assigned by the event feed once the subscribe request is
	// acknowledged. Nil until then; written at most once.
	Handle *int64 `json:"handle,omitempty"`

	Status Status `json:"status"`

	OrderID    string `json:"order_id,omitempty"`
	TransferID string `json:"transfer_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Handle != nil {
		h := *r.Handle
		out.Handle = &h
	}
	return &out
}

func (r *Record) HasHandle() bool {
	return r != nil && r.Handle != nil
}

// Store is the durable table of deposit records.
//
// UpdateStatus is a compare-and-swap: it writes next only when the stored
// status equals expected and the pair is a legal transition. It reports
// whether the write happened. UpdateHandle binds a feed handle only when none
// is bound yet.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)

	FindByStatus(ctx context.Context, status Status) ([]*Record, error)
	FindNotStatus(ctx context.Context, status Status) ([]*Record, error)
	FindByHandle(ctx context.Context, handle int64) (*Record, error)
	HasPending(ctx context.Context) (bool, error)

	UpdateStatus(ctx context.Context, id string, expected, next Status) (bool, error)
	UpdateHandle(ctx context.Context, id string, handle int64) (bool, error)
	SetTransferID(ctx context.Context, id, transferID string) error
}
