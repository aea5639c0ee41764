// Package hub is the host runtime every execution context connects to. It
// carries runtime broadcasts between extension pages and the coordinator,
// addresses tab messages to content runners, and correlates replies.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/dgnsrekt/tryxpath/internal/message"
	"github.com/dgnsrekt/tryxpath/internal/storage"
	"github.com/dgnsrekt/tryxpath/internal/types"
)

var (
	// ErrNoReceiver means no connected context could take the message.
	ErrNoReceiver = errors.New("hub: no receiving end")
	// ErrClosed is returned once the hub has shut down.
	ErrClosed = errors.New("hub: closed")
)

// Deliverer receives runtime messages on behalf of the coordinator.
type Deliverer interface {
	Deliver(ctx context.Context, env message.Envelope, sender message.Sender, reply message.Reply) error
}

// ActiveTabResolver names the tab the user is looking at.
type ActiveTabResolver interface {
	ActiveTab(ctx context.Context) (types.TabID, error)
}

// Recorder journals routed frames.
type Recorder interface {
	Write(record any) error
}

// Options configures a Hub. Every field is optional.
type Options struct {
	Active      ActiveTabResolver
	Journal     Recorder
	Mirror      *Mirror
	WriteBuffer int
}

// ConnInfo describes one connected context.
type ConnInfo struct {
	ID          string              `json:"id"`
	Kind        message.ContextKind `json:"kind"`
	TabID       types.TabID         `json:"tab_id,omitempty"`
	FrameID     types.FrameID       `json:"frame_id,omitempty"`
	ConnectedAt time.Time           `json:"connected_at"`
}

type pendingReply struct {
	requester *conn
	requestID string
}

// Hub routes frames between connected contexts.
type Hub struct {
	opts Options

	coordMu sync.RWMutex
	coord   Deliverer

	mu     sync.RWMutex
	conns  map[string]*conn
	closed bool

	pendingMu sync.Mutex
	pending   map[string]pendingReply
}

// New creates a hub. Bind a Deliverer before accepting connections.
func New(opts Options) *Hub {
	if opts.WriteBuffer <= 0 {
		opts.WriteBuffer = 64
	}
	return &Hub{
		opts:    opts,
		conns:   make(map[string]*conn),
		pending: make(map[string]pendingReply),
	}
}

// Bind sets the coordinator that receives runtime messages.
func (h *Hub) Bind(d Deliverer) {
	h.coordMu.Lock()
	h.coord = d
	h.coordMu.Unlock()
}

func (h *Hub) deliverer() Deliverer {
	h.coordMu.RLock()
	defer h.coordMu.RUnlock()
	return h.coord
}

var coordinatorSender = message.Sender{Kind: message.KindCoordinator}

// ServeHTTP upgrades the request to a websocket. The context announces itself
// with ?kind=popup|results|content; content runners also pass tab and frame.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sender := message.Sender{
		Kind:    message.ContextKind(q.Get("kind")),
		TabID:   types.TabID(q.Get("tab")),
		FrameID: types.FrameID(q.Get("frame")),
	}
	switch sender.Kind {
	case message.KindPopup, message.KindResults:
		sender.TabID, sender.FrameID = "", ""
	case message.KindContent:
		if sender.TabID == "" {
			http.Error(w, "content connections need a tab", http.StatusBadRequest)
			return
		}
		if sender.FrameID == "" {
			sender.FrameID = types.FrameID(sender.TabID)
		}
	default:
		http.Error(w, fmt.Sprintf("unknown context kind %q", sender.Kind), http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Debug("hub upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newConn(raw, sender, h.opts.WriteBuffer)
	if !h.add(c) {
		c.close()
		return
	}
	slog.Info("hub context connected", "conn_id", c.id, "kind", sender.Kind, "tab_id", sender.TabID, "frame_id", sender.FrameID)

	go c.writeLoop()
	h.readLoop(r.Context(), c)

	h.remove(c)
	c.close()
	slog.Info("hub context disconnected", "conn_id", c.id, "kind", sender.Kind, "tab_id", sender.TabID)
}

func (h *Hub) add(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	return true
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	h.pendingMu.Lock()
	for id, p := range h.pending {
		if p.requester == c {
			delete(h.pending, id)
		}
	}
	h.pendingMu.Unlock()
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	for {
		data, err := wsutil.ReadClientText(c.raw)
		if err != nil {
			slog.Debug("hub read loop exit", "conn_id", c.id, "error", err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("hub dropping malformed frame", "conn_id", c.id, "error", err)
			continue
		}
		h.route(ctx, c, f)
	}
}

func (h *Hub) route(ctx context.Context, from *conn, f Frame) {
	switch f.Kind {
	case FrameRuntime:
		h.routeRuntime(ctx, from, f)
	case FrameTab:
		h.routeTab(ctx, from, f)
	case FrameReply:
		h.routeReply(from, f)
	default:
		slog.Warn("hub dropping frame of unknown kind", "conn_id", from.id, "kind", f.Kind)
	}
}

func (h *Hub) routeRuntime(ctx context.Context, from *conn, f Frame) {
	if f.Message == nil {
		slog.Warn("hub runtime frame without message", "conn_id", from.id)
		return
	}
	env := *f.Message
	reply := from.replier(f.RequestID)
	h.record("in", FrameRuntime, env.Event, from.sender, "", f.RequestID)

	sender := from.sender
	h.fanOut(env, sender, from)

	d := h.deliverer()
	if d == nil {
		reply(nil)
		return
	}
	if err := d.Deliver(ctx, env, sender, reply); err != nil {
		slog.Debug("hub runtime delivery failed", "event", env.Event, "error", err)
		reply(nil)
	}
}

func (h *Hub) routeTab(ctx context.Context, from *conn, f Frame) {
	if f.Message == nil {
		slog.Warn("hub tab frame without message", "conn_id", from.id)
		return
	}
	reply := from.replier(f.RequestID)

	tab := f.TabID
	if f.ActiveTab {
		active, err := h.activeTab(ctx)
		if err != nil {
			slog.Debug("hub active tab unavailable", "event", f.Message.Event, "error", err)
			reply(nil)
			return
		}
		tab = active
	}

	out := Frame{Kind: FrameTab, TabID: tab, Sender: &from.sender, Message: f.Message}
	if f.RequestID != "" {
		out.RequestID = from.id + ":" + f.RequestID
		h.pendingMu.Lock()
		h.pending[out.RequestID] = pendingReply{requester: from, requestID: f.RequestID}
		h.pendingMu.Unlock()
	}

	n, err := h.sendTab(tab, out)
	h.record("in", FrameTab, f.Message.Event, from.sender, tab, f.RequestID)
	if err != nil {
		slog.Debug("hub tab message not delivered", "event", f.Message.Event, "tab_id", tab, "error", err)
		if out.RequestID != "" {
			h.pendingMu.Lock()
			delete(h.pending, out.RequestID)
			h.pendingMu.Unlock()
		}
		reply(nil)
		return
	}
	slog.Debug("hub tab message delivered", "event", f.Message.Event, "tab_id", tab, "receivers", n)
}

func (h *Hub) routeReply(from *conn, f Frame) {
	h.pendingMu.Lock()
	p, ok := h.pending[f.RequestID]
	if ok {
		delete(h.pending, f.RequestID)
	}
	h.pendingMu.Unlock()
	if !ok {
		slog.Debug("hub reply without pending request", "conn_id", from.id, "request_id", f.RequestID)
		return
	}
	payload := f.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	p.requester.replier(p.requestID)(payload)
}

func (h *Hub) activeTab(ctx context.Context) (types.TabID, error) {
	if h.opts.Active == nil {
		return "", fmt.Errorf("hub: no active tab resolver: %w", ErrNoReceiver)
	}
	return h.opts.Active.ActiveTab(ctx)
}

// fanOut sends a runtime message to every extension page except skip and
// records it with the mirror.
func (h *Hub) fanOut(env message.Envelope, sender message.Sender, skip *conn) int {
	data, err := json.Marshal(Frame{Kind: FrameRuntime, Sender: &sender, Message: &env})
	if err != nil {
		slog.Warn("hub marshal runtime frame failed", "event", env.Event, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c != skip && c.sender.Kind.ExtensionPage() {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(data) {
			n++
		}
	}
	if h.opts.Mirror != nil {
		h.opts.Mirror.record(env, sender)
	}
	return n
}

func (h *Hub) sendTab(tab types.TabID, f Frame) (int, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return 0, fmt.Errorf("hub: marshal tab frame: %w", err)
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return 0, ErrClosed
	}
	var targets []*conn
	for _, c := range h.conns {
		if c.sender.Kind == message.KindContent && c.sender.TabID == tab {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(data) {
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("hub: tab %s: %w", tab, ErrNoReceiver)
	}
	return n, nil
}

// SendToTab delivers env from the coordinator to every content runner of tab.
func (h *Hub) SendToTab(_ context.Context, tab types.TabID, env message.Envelope) error {
	_, err := h.sendTab(tab, Frame{Kind: FrameTab, TabID: tab, Sender: &coordinatorSender, Message: &env})
	h.record("out", FrameTab, env.Event, coordinatorSender, tab, "")
	return err
}

// Broadcast delivers env from the coordinator to every extension page and
// returns how many received it.
func (h *Hub) Broadcast(_ context.Context, env message.Envelope) (int, error) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	n := h.fanOut(env, coordinatorSender, nil)
	h.record("out", FrameRuntime, env.Event, coordinatorSender, "", "")
	return n, nil
}

// DropTab disconnects every content runner of a closed tab and returns how many went away.
func (h *Hub) DropTab(tab types.TabID) int {
	h.mu.RLock()
	var victims []*conn
	for _, c := range h.conns {
		if c.sender.Kind == message.KindContent && c.sender.TabID == tab {
			victims = append(victims, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range victims {
		c.close()
	}
	if len(victims) > 0 {
		slog.Info("hub dropped tab", "tab_id", tab, "connections", len(victims))
	}
	return len(victims)
}

// Connections lists connected contexts ordered by connect time.
func (h *Hub) Connections() []ConnInfo {
	h.mu.RLock()
	out := make([]ConnInfo, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, ConnInfo{
			ID:          c.id,
			Kind:        c.sender.Kind,
			TabID:       c.sender.TabID,
			FrameID:     c.sender.FrameID,
			ConnectedAt: c.connectedAt,
		})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Close disconnects everyone. Later sends fail with ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	slog.Info("hub closed", "connections", len(conns))
	return nil
}

func (h *Hub) record(direction string, kind FrameKind, event message.Event, sender message.Sender, tab types.TabID, requestID string) {
	if h.opts.Journal == nil {
		return
	}
	_ = h.opts.Journal.Write(storage.FrameRecord{
		Time:       time.Now().UTC(),
		Direction:  direction,
		Kind:       string(kind),
		Event:      string(event),
		SenderKind: string(sender.Kind),
		SenderTab:  string(sender.TabID),
		ConnID:     sender.ConnID,
		TargetTab:  string(tab),
		RequestID:  requestID,
	})
}

// conn is one connected context with its own write goroutine.
type conn struct {
	id          string
	sender      message.Sender
	raw         net.Conn
	out         chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time
}

func newConn(raw net.Conn, sender message.Sender, buffer int) *conn {
	id := uuid.NewString()
	sender.ConnID = id
	return &conn{
		id:          id,
		sender:      sender,
		raw:         raw,
		out:         make(chan []byte, buffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// enqueue queues data without blocking. A full queue drops the frame.
func (c *conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		slog.Warn("hub write queue full, dropping frame", "conn_id", c.id)
		return false
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if err := wsutil.WriteServerText(c.raw, data); err != nil {
				slog.Debug("hub write failed", "conn_id", c.id, "error", err)
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.raw.Close()
	})
}

// replier answers requestID on this connection. Only the first call sends; an
// empty requestID yields a no-op.
func (c *conn) replier(requestID string) message.Reply {
	if requestID == "" {
		return func(any) {}
	}
	var once sync.Once
	return func(payload any) {
		once.Do(func() {
			f, err := ReplyFrame(requestID, payload)
			if err != nil {
				slog.Warn("hub marshal reply failed", "conn_id", c.id, "request_id", requestID, "error", err)
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				return
			}
			c.enqueue(data)
		})
	}
}
