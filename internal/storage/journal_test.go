package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJournalWritesDatedJSONLines(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir, 8, 1)

	for _, ev := range []string{"updateCss", "finishInsertCss"} {
		if err := j.Write(FrameRecord{Time: time.Now().UTC(), Direction: "in", Kind: "runtime", Event: ev}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	path := filepath.Join(dir, time.Now().UTC().Format("2006-01-02"), "frames.jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	var events []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec FrameRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		events = append(events, rec.Event)
	}
	if len(events) != 2 || events[0] != "updateCss" || events[1] != "finishInsertCss" {
		t.Fatalf("events = %v; want [updateCss finishInsertCss]", events)
	}
}

func TestJournalWriteAfterClose(t *testing.T) {
	j := NewJournal(t.TempDir(), 1, 1)
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := j.Write(FrameRecord{}); !errors.Is(err, ErrJournalClosed) {
		t.Fatalf("Write() error = %v; want ErrJournalClosed", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
