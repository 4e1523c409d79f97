package repo

import (
	"context"

	"github.com/tinoosan/cidscope/internal/data"
)

type EntryRepo interface {
	EntryReader
	EntryWriter
}

type EntryReader interface {
	// List returns entries oldest first. A limit <= 0 returns all of them.
	List(ctx context.Context, limit int) (data.Entries, error)
	Get(ctx context.Context, id string) (*data.Entry, error)
	ListByCorrelation(ctx context.Context, correlationID string) (data.Entries, error)
}

type EntryWriter interface {
	Add(ctx context.Context, e *data.Entry) (*data.Entry, error)
}
