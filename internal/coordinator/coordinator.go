// Package coordinator is the long-lived background context. It owns the shared
// state, answers the popup and content runners, and drives the two-phase
// stylesheet updates for a tab.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgnsrekt/tryxpath/internal/kvstore"
	"github.com/dgnsrekt/tryxpath/internal/message"
	"github.com/dgnsrekt/tryxpath/internal/state"
	"github.com/dgnsrekt/tryxpath/internal/types"
)

// Persisted keys.
const (
	KeyAttributes = "attributes"
	KeyCSS        = "css"
)

// ResultsPath is where the results view page is served relative to the public URL.
const ResultsPath = "/results"

// ErrStopped is returned by Deliver once the event loop has exited.
var ErrStopped = errors.New("coordinator: stopped")

// Messenger delivers envelopes to other contexts. Delivery is best-effort.
type Messenger interface {
	// SendToTab delivers env to every content runner of tab.
	SendToTab(ctx context.Context, tab types.TabID, env message.Envelope) error
	// Broadcast delivers env to every listening extension page and reports how many received it.
	Broadcast(ctx context.Context, env message.Envelope) (int, error)
}

// TabController performs privileged operations on browser tabs.
type TabController interface {
	InsertCSS(ctx context.Context, tab types.TabID, css string) error
	RemoveCSS(ctx context.Context, tab types.TabID, css string) error
	OpenTab(ctx context.Context, url string) error
}

// Config carries the coordinator's static settings.
type Config struct {
	// PublicURL is the base URL other contexts reach this process at.
	PublicURL string
	// Attributes is used when nothing is persisted under KeyAttributes.
	Attributes types.AttributesConfig
	// LoadDefaultCSS is called at most once, when nothing is persisted under KeyCSS.
	LoadDefaultCSS func(ctx context.Context) (string, error)
	// QueueSize bounds the inbound queue. Zero means 64.
	QueueSize int
}

type inbound struct {
	env     message.Envelope
	sender  message.Sender
	reply   message.Reply
	changes kvstore.Changes
}

// Coordinator is the background context.
type Coordinator struct {
	cfg    Config
	kv     kvstore.Store
	msgr   Messenger
	tabs   TabController
	state  *state.Store
	router *message.Router

	queue chan inbound
	done  chan struct{}

	stopOnce sync.Once
	unwatch  func()
	tasks    sync.WaitGroup
}

// New builds a coordinator. Call Start before Run.
func New(cfg Config, kv kvstore.Store, msgr Messenger, tabs TabController) *Coordinator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Attributes == (types.AttributesConfig{}) {
		cfg.Attributes = types.DefaultAttributes()
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	c := &Coordinator{
		cfg:    cfg,
		kv:     kv,
		msgr:   msgr,
		tabs:   tabs,
		state:  state.NewStore(cfg.Attributes, ""),
		router: message.NewRouter("coordinator"),
		queue:  make(chan inbound, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	for ev, h := range c.handlers() {
		c.router.Register(ev, h)
	}
	return c
}

func (c *Coordinator) handlers() map[message.Event]message.Handler {
	return map[message.Event]message.Handler{
		message.StorePopupState:          c.storePopupState,
		message.RequestRestorePopupState: c.requestRestorePopupState,
		message.ShowAllResults:           c.showAllResults,
		message.LoadResults:              c.loadResults,
		message.UpdateCSS:                c.updateCSS,
		message.LoadOptions:              c.loadOptions,
		message.RequestSetContentInfo:    c.requestSetContentInfo,
	}
}

// State exposes the shared store for read-only consumers.
func (c *Coordinator) State() *state.Store { return c.state }

// Router exposes the coordinator's dispatch table.
func (c *Coordinator) Router() *message.Router { return c.router }

// Start subscribes to store changes, then loads the persisted options. The
// built-in attributes apply only when none are persisted and the default
// stylesheet is loaded only when no stylesheet is persisted.
func (c *Coordinator) Start(ctx context.Context) error {
	c.unwatch = c.kv.OnChanged(func(changes kvstore.Changes) {
		select {
		case c.queue <- inbound{changes: changes}:
		case <-c.done:
		}
	})

	var attrs types.AttributesConfig
	found, err := kvstore.GetInto(ctx, c.kv, KeyAttributes, &attrs)
	if err != nil {
		c.unwatch()
		return fmt.Errorf("coordinator: load attributes: %w", err)
	}
	if !found {
		attrs = c.cfg.Attributes
	}
	c.state.SetAttributes(attrs)

	var stored *string
	if _, err := kvstore.GetInto(ctx, c.kv, KeyCSS, &stored); err != nil {
		c.unwatch()
		return fmt.Errorf("coordinator: load css: %w", err)
	}
	switch {
	case stored != nil:
		c.state.SetCSS(*stored)
		slog.Info("coordinator: stylesheet restored", "bytes", len(*stored))
	case c.cfg.LoadDefaultCSS != nil:
		css, err := c.cfg.LoadDefaultCSS(ctx)
		if err != nil {
			slog.Warn("coordinator: default stylesheet unavailable", "error", err)
		} else {
			c.state.SetCSS(css)
			slog.Info("coordinator: default stylesheet loaded", "bytes", len(css))
		}
	}
	return nil
}

// Run consumes inbound messages and store changes until ctx is done. Handlers
// run on this goroutine one at a time.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.stop()
	slog.Info("coordinator: event loop started", "events", len(c.router.Events()))
	for {
		select {
		case <-ctx.Done():
			slog.Info("coordinator: event loop stopping")
			return nil
		case in := <-c.queue:
			if in.changes != nil {
				c.applyChanges(in.changes)
				continue
			}
			c.dispatch(ctx, in)
		}
	}
}

func (c *Coordinator) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.unwatch != nil {
			c.unwatch()
		}
	})
}

// Deliver queues an envelope for the event loop. reply must tolerate being
// called more than once; only the first call counts.
func (c *Coordinator) Deliver(ctx context.Context, env message.Envelope, sender message.Sender, reply message.Reply) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.queue <- inbound{env: env, sender: sender, reply: reply}:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) dispatch(ctx context.Context, in inbound) {
	reply := in.reply
	if reply == nil {
		reply = func(any) {}
	}
	keepOpen := c.router.Dispatch(ctx, in.env, in.sender, reply)
	if !keepOpen {
		// Release a waiting requester; a reply already sent takes precedence.
		reply(nil)
	}
}

// Wait blocks until every background task started by a handler has finished.
func (c *Coordinator) Wait() { c.tasks.Wait() }

func (c *Coordinator) spawn(fn func()) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		fn()
	}()
}

// Notify broadcasts an event to every listening extension page and returns
// how many received it. Zero recipients is not an error.
func (c *Coordinator) Notify(ctx context.Context, event message.Event, payload any) (int, error) {
	env, err := message.New(event, payload)
	if err != nil {
		return 0, err
	}
	n, err := c.msgr.Broadcast(ctx, env)
	if err != nil {
		return n, err
	}
	slog.Debug("coordinator: broadcast", "event", event, "recipients", n)
	return n, nil
}

func (c *Coordinator) sendToTab(ctx context.Context, tab types.TabID, event message.Event, payload any) {
	env, err := message.New(event, payload)
	if err != nil {
		slog.Warn("coordinator: build message failed", "event", event, "error", err)
		return
	}
	if err := c.msgr.SendToTab(ctx, tab, env); err != nil {
		slog.Debug("coordinator: send to tab failed", "event", event, "tab_id", tab, "error", err)
	}
}

// SaveOptions persists new options. The running state picks them up through the
// store's change notification, as with any other writer.
func (c *Coordinator) SaveOptions(ctx context.Context, attrs *types.AttributesConfig, css *string) error {
	if attrs != nil {
		if err := c.kv.Set(ctx, KeyAttributes, attrs); err != nil {
			return fmt.Errorf("coordinator: save attributes: %w", err)
		}
	}
	if css != nil {
		if err := c.kv.Set(ctx, KeyCSS, *css); err != nil {
			return fmt.Errorf("coordinator: save css: %w", err)
		}
	}
	return nil
}

// applyChanges takes only keys that carry a new value; removals leave the
// running state untouched.
func (c *Coordinator) applyChanges(changes kvstore.Changes) {
	if ch, ok := changes[KeyAttributes]; ok && ch.HasNewValue {
		var attrs types.AttributesConfig
		if err := json.Unmarshal(ch.NewValue, &attrs); err != nil {
			slog.Warn("coordinator: ignoring malformed attributes change", "error", err)
		} else {
			c.state.SetAttributes(attrs)
			slog.Info("coordinator: attributes updated")
		}
	}
	if ch, ok := changes[KeyCSS]; ok && ch.HasNewValue {
		var css string
		if err := json.Unmarshal(ch.NewValue, &css); err != nil {
			slog.Warn("coordinator: ignoring malformed css change", "error", err)
		} else {
			c.state.SetCSS(css)
			slog.Info("coordinator: stylesheet updated", "bytes", len(css))
		}
	}
}

func (c *Coordinator) storePopupState(_ context.Context, env message.Envelope, _ message.Sender, _ message.Reply) bool {
	var msg struct {
		State *types.PopupState `json:"state"`
	}
	if err := env.Decode(&msg); err != nil {
		slog.Warn("coordinator: malformed storePopupState", "error", err)
		return false
	}
	c.state.SetPopupState(msg.State)
	return false
}

func (c *Coordinator) requestRestorePopupState(ctx context.Context, _ message.Envelope, _ message.Sender, _ message.Reply) bool {
	n, err := c.Notify(ctx, message.RestorePopupState, map[string]any{"state": c.state.PopupState()})
	if err != nil {
		slog.Debug("coordinator: restorePopupState not delivered", "error", err)
		return false
	}
	slog.Debug("coordinator: restorePopupState sent", "recipients", n)
	return false
}

func (c *Coordinator) showAllResults(ctx context.Context, env message.Envelope, sender message.Sender, _ message.Reply) bool {
	if sender.TabID == "" {
		slog.Warn("coordinator: showAllResults without a sender tab", "sender_kind", sender.Kind)
		return false
	}
	fields, err := env.Fields()
	if err != nil {
		slog.Warn("coordinator: malformed showAllResults", "error", err)
		return false
	}
	c.state.SetResults(types.ResultsBundle{TabID: sender.TabID, Fields: fields})
	slog.Info("coordinator: results stored", "tab_id", sender.TabID, "fields", len(fields))

	url := c.cfg.PublicURL + ResultsPath
	c.spawn(func() {
		if err := c.tabs.OpenTab(ctx, url); err != nil {
			slog.Debug("coordinator: open results page failed", "url", url, "error", err)
		}
	})
	return false
}

func (c *Coordinator) loadResults(_ context.Context, _ message.Envelope, _ message.Sender, reply message.Reply) bool {
	if bundle, ok := c.state.Results(); ok {
		reply(bundle)
	} else {
		reply(nil)
	}
	return true
}

func (c *Coordinator) loadOptions(_ context.Context, _ message.Envelope, _ message.Sender, reply message.Reply) bool {
	reply(c.state.Options())
	return true
}

func (c *Coordinator) requestSetContentInfo(ctx context.Context, _ message.Envelope, sender message.Sender, _ message.Reply) bool {
	if sender.TabID == "" {
		slog.Warn("coordinator: requestSetContentInfo without a sender tab", "sender_kind", sender.Kind)
		return false
	}
	c.sendToTab(ctx, sender.TabID, message.SetContentInfo, map[string]any{"attributes": c.state.Attributes()})
	return false
}
