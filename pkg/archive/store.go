// Package archive persists ended sessions (status, billing and transcript)
// so they outlive the in-memory registry.
package archive

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/therapist/pkg/session"
)

var ErrNotFound = errors.New("archived session not found")

// Record is one archived session.
type Record struct {
	ID         string            `json:"id"`
	State      session.State     `json:"state"`
	CreatedAt  int64             `json:"createdAt"`
	StartedAt  *int64            `json:"startedAt"`
	EndedAt    *int64            `json:"endedAt"`
	DurationMs int64             `json:"durationMs"`
	BillingMs  int64             `json:"billingMs"`
	History    []session.Message `json:"history,omitempty"`
}

// RecordFromSnapshot flattens a session snapshot.
func RecordFromSnapshot(snap session.Snapshot) Record {
	return Record{
		ID:         snap.Status.ID,
		State:      snap.Status.State,
		CreatedAt:  snap.CreatedAt,
		StartedAt:  snap.Status.StartedAt,
		EndedAt:    snap.Status.EndedAt,
		DurationMs: snap.Status.DurationMs,
		BillingMs:  snap.Status.Billing.TotalMs,
		History:    snap.History,
	}
}

type Query struct {
	// SinceMs filters on ended time; 0 means no filter.
	SinceMs int64
	Limit   int
}

// Store saves and reads archived sessions. Save is an upsert keyed by id.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, q Query) ([]Record, error)
	Close() error
}
