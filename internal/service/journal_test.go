package service

import (
	"context"
	"testing"

	"github.com/tinoosan/cidscope/internal/data"
	"github.com/tinoosan/cidscope/internal/repo"
)

// syncRecorder writes straight to the repository.
type syncRecorder struct{ repo repo.EntryWriter }

func (s syncRecorder) Record(e *data.Entry) bool {
	_, err := s.repo.Add(context.Background(), e)
	return err == nil
}

func TestJournalRecordAndList(t *testing.T) {
	rpo := repo.NewInMemoryEntryRepo()
	svc := NewJournal(rpo, syncRecorder{rpo})

	if !svc.Record(&data.Entry{CorrelationID: "c1", Path: "/a"}) {
		t.Fatalf("record failed")
	}
	svc.Record(&data.Entry{CorrelationID: "c2", Source: data.SourceGenerated, Path: "/b"})
	if svc.Record(&data.Entry{Source: "bogus"}) {
		t.Fatalf("invalid source recorded")
	}
	if svc.Record(nil) {
		t.Fatalf("nil entry recorded")
	}

	ctx := context.Background()
	c1, err := svc.List(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(c1) != 1 || c1[0].Source != data.SourceNone {
		t.Fatalf("unexpected c1 entries: %+v", c1)
	}

	all, _ := svc.List(ctx, " ", 0)
	if len(all) != 2 {
		t.Fatalf("expected 2 entries got %d", len(all))
	}
	recent, _ := svc.List(ctx, "", 1)
	if len(recent) != 1 || recent[0].Path != "/b" {
		t.Fatalf("unexpected recent entries: %+v", recent)
	}
}
