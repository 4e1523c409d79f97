package service

import (
	"context"
	"strings"

	"github.com/tinoosan/cidscope/internal/data"
	"github.com/tinoosan/cidscope/internal/repo"
)

// Journal records and queries the request journal.
type Journal interface {
	Record(e *data.Entry) bool
	List(ctx context.Context, correlationID string, limit int) (data.Entries, error)
}

// Recorder queues entries for asynchronous persistence.
type Recorder interface {
	Record(e *data.Entry) bool
}

type journal struct {
	repo repo.EntryReader
	rec  Recorder
}

func NewJournal(repo repo.EntryReader, rec Recorder) Journal {
	return &journal{repo: repo, rec: rec}
}

func (j *journal) Record(e *data.Entry) bool {
	if e == nil {
		return false
	}
	if e.Source == "" {
		e.Source = data.SourceNone
	}
	if !e.Source.Valid() {
		return false
	}
	return j.rec.Record(e)
}

// List returns the entries of one correlation id, or the most recent
// entries when correlationID is blank.
func (j *journal) List(ctx context.Context, correlationID string, limit int) (data.Entries, error) {
	if strings.TrimSpace(correlationID) == "" {
		return j.repo.List(ctx, limit)
	}
	return j.repo.ListByCorrelation(ctx, correlationID)
}
