package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/dgnsrekt/tryxpath/internal/message"
	"github.com/dgnsrekt/tryxpath/internal/types"
)

const mirrorClientBuffer = 256

// MirrorEvent is one runtime broadcast as seen by the mirror.
type MirrorEvent struct {
	Seq        uint64
	Event      message.Event
	SenderKind message.ContextKind
	SenderTab  types.TabID
	Message    json.RawMessage
}

type mirrorClient struct {
	filter map[message.Event]bool
	ch     chan MirrorEvent
}

func (c *mirrorClient) wants(evt MirrorEvent) bool {
	return c.filter == nil || c.filter[evt.Event]
}

// Mirror streams runtime broadcasts to server-sent-event clients and keeps the
// most recent ones so a client reconnecting with Last-Event-ID catches up.
// Slow clients lose live events.
type Mirror struct {
	mu      sync.Mutex
	seq     uint64
	history []MirrorEvent
	keep    int
	clients map[int]*mirrorClient
	nextID  int
}

// NewMirror keeps up to keep past broadcasts for catch-up.
func NewMirror(keep int) *Mirror {
	if keep < 0 {
		keep = 0
	}
	return &Mirror{keep: keep, clients: make(map[int]*mirrorClient)}
}

// record numbers env, remembers it and offers it to every matching client.
// It returns how many clients took it.
func (m *Mirror) record(env message.Envelope, sender message.Sender) int {
	raw, err := json.Marshal(env)
	if err != nil {
		slog.Warn("hub mirror marshal failed", "event", env.Event, "error", err)
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	evt := MirrorEvent{Seq: m.seq, Event: env.Event, SenderKind: sender.Kind, SenderTab: sender.TabID, Message: raw}
	if m.keep > 0 {
		if len(m.history) == m.keep {
			m.history = append(m.history[:0], m.history[1:]...)
		}
		m.history = append(m.history, evt)
	}

	n := 0
	for _, c := range m.clients {
		if !c.wants(evt) {
			continue
		}
		select {
		case c.ch <- evt:
			n++
		default:
		}
	}
	return n
}

// Subscribe registers a client for events in filter (nil means all). The
// returned backlog holds remembered events after seq 'after'; after 0 means
// live events only.
func (m *Mirror) Subscribe(filter map[message.Event]bool, after uint64) (int, <-chan MirrorEvent, []MirrorEvent) {
	c := &mirrorClient{filter: filter, ch: make(chan MirrorEvent, mirrorClientBuffer)}

	m.mu.Lock()
	defer m.mu.Unlock()
	var backlog []MirrorEvent
	if after > 0 {
		for _, evt := range m.history {
			if evt.Seq > after && c.wants(evt) {
				backlog = append(backlog, evt)
			}
		}
	}
	m.nextID++
	m.clients[m.nextID] = c
	return m.nextID, c.ch, backlog
}

// Unsubscribe removes a client and closes its channel.
func (m *Mirror) Unsubscribe(id int) {
	m.mu.Lock()
	if c, ok := m.clients[id]; ok {
		delete(m.clients, id)
		close(c.ch)
	}
	m.mu.Unlock()
}

// Clients returns the number of connected clients.
func (m *Mirror) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// ServeHTTP streams broadcasts. ?events=a,b limits the stream to the named
// events; Last-Event-ID (or ?after=) replays what the client missed.
func (m *Mirror) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var filter map[message.Event]bool
	if q := r.URL.Query().Get("events"); q != "" {
		filter = make(map[message.Event]bool)
		for _, name := range strings.Split(q, ",") {
			if name = strings.TrimSpace(name); name != "" {
				filter[message.Event(name)] = true
			}
		}
	}
	last := r.Header.Get("Last-Event-ID")
	if last == "" {
		last = r.URL.Query().Get("after")
	}
	var after uint64
	if last != "" {
		n, err := strconv.ParseUint(last, 10, 64)
		if err != nil {
			http.Error(w, "invalid Last-Event-ID", http.StatusBadRequest)
			return
		}
		after = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, ch, backlog := m.Subscribe(filter, after)
	defer m.Unsubscribe(id)
	slog.Debug("hub mirror client connected", "after", after, "backlog", len(backlog))

	for _, evt := range backlog {
		if err := writeMirrorEvent(w, evt); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeMirrorEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeMirrorEvent(w http.ResponseWriter, evt MirrorEvent) error {
	data, err := json.Marshal(struct {
		Sender  message.Sender  `json:"sender"`
		Message json.RawMessage `json:"message"`
	}{
		Sender:  message.Sender{Kind: evt.SenderKind, TabID: evt.SenderTab},
		Message: evt.Message,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Event, data)
	return err
}
