package hub

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tryxpath/internal/message"
)

func mirrorSender() message.Sender {
	return message.Sender{Kind: message.KindContent, TabID: "TAB-1"}
}

func TestMirrorBacklogAfterSeq(t *testing.T) {
	m := NewMirror(2)
	for _, ev := range []message.Event{message.RestorePopupState, message.ShowResultsInPopup, message.RestorePopupState} {
		m.record(*env(t, ev, nil), mirrorSender())
	}

	_, _, backlog := m.Subscribe(nil, 0)
	if len(backlog) != 0 {
		t.Fatalf("backlog without Last-Event-ID = %d; want 0", len(backlog))
	}

	_, _, backlog = m.Subscribe(nil, 1)
	if len(backlog) != 2 || backlog[0].Seq != 2 || backlog[1].Seq != 3 {
		t.Fatalf("backlog = %+v; want seq 2 and 3", backlog)
	}

	_, _, backlog = m.Subscribe(map[message.Event]bool{message.ShowResultsInPopup: true}, 1)
	if len(backlog) != 1 || backlog[0].Event != message.ShowResultsInPopup || backlog[0].SenderTab != "TAB-1" {
		t.Fatalf("filtered backlog = %+v; want one showResultsInPopup from TAB-1", backlog)
	}
}

func TestMirrorFilterAndUnsubscribe(t *testing.T) {
	m := NewMirror(0)
	id, ch, _ := m.Subscribe(map[message.Event]bool{message.ShowResultsInPopup: true}, 0)

	if n := m.record(*env(t, message.RestorePopupState, nil), mirrorSender()); n != 0 {
		t.Fatalf("record(filtered out) = %d; want 0", n)
	}
	if n := m.record(*env(t, message.ShowResultsInPopup, nil), mirrorSender()); n != 1 {
		t.Fatalf("record() = %d; want 1", n)
	}
	if evt := <-ch; evt.Event != message.ShowResultsInPopup {
		t.Fatalf("event = %s; want showResultsInPopup", evt.Event)
	}

	m.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	if m.Clients() != 0 {
		t.Fatalf("Clients() = %d; want 0", m.Clients())
	}
}

func TestMirrorStreamReplaysMissedEvents(t *testing.T) {
	m := NewMirror(8)
	m.record(*env(t, message.RestorePopupState, nil), mirrorSender())
	m.record(*env(t, message.ShowResultsInPopup, nil), mirrorSender())

	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q; want text/event-stream", ct)
	}

	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() && len(lines) < 3 {
		lines = append(lines, sc.Text())
	}
	if len(lines) < 3 || lines[0] != "id: 2" || lines[1] != "event: showResultsInPopup" {
		t.Fatalf("stream = %q; want id 2 showResultsInPopup", lines)
	}
	if !strings.Contains(lines[2], `"tabId":"TAB-1"`) || !strings.Contains(lines[2], `"event":"showResultsInPopup"`) {
		t.Fatalf("data = %q; want sender tab and message", lines[2])
	}
}

func TestMirrorRejectsBadLastEventID(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?after=abc", nil)
	NewMirror(1).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", rec.Code)
	}
}
