package data

import (
	"encoding/json"
	"errors"
	"io"
	"time"
)

// Entry records one inbound unit of work and the correlation identifier it ran under.
type Entry struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Source        Source    `json:"source"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	Status        int       `json:"status"`
	DurationMS    int64     `json:"durationMs"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Source tells where the correlation identifier of an entry came from.
type Source string

const (
	SourceReceived  Source = "received"
	SourceGenerated Source = "generated"
	SourceNone      Source = "none"
)

type Entries []*Entry

var (
	ErrNotFound  = errors.New("entry not found")
	ErrBadSource = errors.New("invalid source")
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceReceived, SourceGenerated, SourceNone:
		return true
	}
	return false
}

func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

func (es Entries) Clone() Entries {
	out := make(Entries, 0, len(es))
	for _, e := range es {
		out = append(out, e.Clone())
	}
	return out
}

func (es Entries) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(es) }

func (e *Entry) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(e) }
