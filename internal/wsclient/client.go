// Package wsclient connects an execution context (popup, results view or
// content runner) to the coordinator hub.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/dgnsrekt/tryxpath/internal/hub"
	"github.com/dgnsrekt/tryxpath/internal/message"
	"github.com/dgnsrekt/tryxpath/internal/types"
)

// ErrClosed is returned by calls made after the connection went away.
var ErrClosed = errors.New("wsclient: connection closed")

// Handler receives runtime and tab messages addressed to this context.
// reply answers the sender when the message was a request. Handlers run on the
// read goroutine, so they must not wait on a request of their own.
type Handler func(ctx context.Context, env message.Envelope, sender message.Sender, reply message.Reply)

// Options identifies the connecting context.
type Options struct {
	Kind    message.ContextKind
	TabID   types.TabID
	FrameID types.FrameID
	Handler Handler
}

// Client is one websocket connection to the hub.
type Client struct {
	conn    net.Conn
	handler Handler

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial connects to the hub endpoint (for example ws://127.0.0.1:8787/ws).
func Dial(ctx context.Context, endpoint string, opts Options) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse hub endpoint: %w", err)
	}
	q := u.Query()
	q.Set("kind", string(opts.Kind))
	if opts.TabID != "" {
		q.Set("tab", string(opts.TabID))
	}
	if opts.FrameID != "" {
		q.Set("frame", string(opts.FrameID))
	}
	u.RawQuery = q.Encode()

	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	if br != nil {
		conn = &bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		handler: opts.Handler,
		pending: make(map[string]chan json.RawMessage),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close ends the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// SendRuntime broadcasts env to the coordinator and the other extension pages.
func (c *Client) SendRuntime(ctx context.Context, env message.Envelope) error {
	return c.send(ctx, hub.Frame{Kind: hub.FrameRuntime, Message: &env})
}

// SendTab addresses env to every content runner of tab.
func (c *Client) SendTab(ctx context.Context, tab types.TabID, env message.Envelope) error {
	return c.send(ctx, hub.Frame{Kind: hub.FrameTab, TabID: tab, Message: &env})
}

// SendActiveTab addresses env to the content runners of the active tab.
func (c *Client) SendActiveTab(ctx context.Context, env message.Envelope) error {
	return c.send(ctx, hub.Frame{Kind: hub.FrameTab, ActiveTab: true, Message: &env})
}

// RequestRuntime sends env to the coordinator and waits for its reply.
// A handler that does not answer yields a null reply.
func (c *Client) RequestRuntime(ctx context.Context, env message.Envelope) (json.RawMessage, error) {
	return c.request(ctx, hub.Frame{Kind: hub.FrameRuntime, Message: &env})
}

// RequestTab sends env to the content runners of tab and waits for the first reply.
func (c *Client) RequestTab(ctx context.Context, tab types.TabID, env message.Envelope) (json.RawMessage, error) {
	return c.request(ctx, hub.Frame{Kind: hub.FrameTab, TabID: tab, Message: &env})
}

func (c *Client) request(ctx context.Context, f hub.Frame) (json.RawMessage, error) {
	f.RequestID = uuid.NewString()
	ch := make(chan json.RawMessage, 1)

	c.pendingMu.Lock()
	c.pending[f.RequestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, f.RequestID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(ctx, f); err != nil {
		return nil, err
	}
	select {
	case payload := <-ch:
		return payload, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) send(ctx context.Context, f hub.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("wsclient: marshal frame: %w", err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		return fmt.Errorf("wsclient: write frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.cancel()
		close(c.done)
	}()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			slog.Debug("wsclient read loop exit", "error", err)
			return
		}
		var f hub.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("wsclient dropping malformed frame", "error", err)
			continue
		}
		c.handle(f)
	}
}

func (c *Client) handle(f hub.Frame) {
	if f.Kind == hub.FrameReply {
		c.pendingMu.Lock()
		ch, ok := c.pending[f.RequestID]
		c.pendingMu.Unlock()
		if !ok {
			slog.Debug("wsclient reply without pending request", "request_id", f.RequestID)
			return
		}
		payload := f.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		select {
		case ch <- payload:
		default:
		}
		return
	}

	if f.Message == nil || c.handler == nil {
		return
	}
	var sender message.Sender
	if f.Sender != nil {
		sender = *f.Sender
	}
	c.handler(c.ctx, *f.Message, sender, c.replier(f.RequestID))
}

func (c *Client) replier(requestID string) message.Reply {
	if requestID == "" {
		return func(any) {}
	}
	var once sync.Once
	return func(payload any) {
		once.Do(func() {
			f, err := hub.ReplyFrame(requestID, payload)
			if err != nil {
				slog.Warn("wsclient marshal reply failed", "request_id", requestID, "error", err)
				return
			}
			if err := c.send(c.ctx, f); err != nil {
				slog.Debug("wsclient reply not sent", "request_id", requestID, "error", err)
			}
		})
	}
}

// bufferedConn drains bytes the handshake reader already buffered before
// reading from the socket.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
