package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tryxpath/internal/types"
)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"context canceled",
	"target closed",
	"session closed",
	"session with given id not found",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
	"not connected",
}

type tabSession struct {
	info      types.TabInfo
	mu        sync.Mutex
	sessionID string // flat session from Target.attachToTarget
}

// Client performs tab operations over CDP: stylesheet insertion and removal in
// every frame, opening tabs, and naming the foreground tab.
type Client struct {
	cdpURL      string
	evalTimeout time.Duration

	mu    sync.Mutex
	cdp   *rawCDP
	tabs  map[target.ID]*tabSession
	order []target.ID

	tabLocksMu sync.Mutex
	tabLocks   map[target.ID]*sync.Mutex
}

func NewClient(cdpURL string, evalTimeout time.Duration) *Client {
	if evalTimeout <= 0 {
		evalTimeout = 5 * time.Second
	}
	return &Client{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		tabs:        make(map[target.ID]*tabSession),
		tabLocks:    make(map[target.ID]*sync.Mutex),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	c.cdp = newRawCDP(c.cdpURL)
	if err := c.cdp.connect(ctx); err != nil {
		c.cdp = nil
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	if err := c.syncTabsLocked(ctx); err != nil {
		slog.Error("cdpcontrol initial tab sync failed", "error", err)
		c.cleanupLocked()
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "tabs", len(c.tabs))
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	if c.cdp != nil {
		for id, session := range c.tabs {
			if session == nil {
				continue
			}
			session.mu.Lock()
			if session.sessionID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := c.cdp.detachFromTarget(ctx, session.sessionID); err != nil {
					slog.Debug("cdpcontrol detach cleanup failed", "tab_id", id, "error", err)
				}
				cancel()
				session.sessionID = ""
			}
			session.mu.Unlock()
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.tabs = make(map[target.ID]*tabSession)
	c.order = nil
}

// ListTabs returns every page target in browser order.
func (c *Client) ListTabs(ctx context.Context) ([]types.TabInfo, error) {
	if err := c.refreshTabs(ctx); err != nil {
		slog.Warn("cdpcontrol list tabs failed", "error", err)
		return nil, err
	}

	c.mu.Lock()
	out := make([]types.TabInfo, 0, len(c.order))
	for _, id := range c.order {
		if s := c.tabs[id]; s != nil {
			info := s.info
			s.mu.Lock()
			info.Attached = s.sessionID != ""
			s.mu.Unlock()
			out = append(out, info)
		}
	}
	c.mu.Unlock()
	slog.Debug("cdpcontrol list tabs", "count", len(out))
	return out, nil
}

// ActiveTab returns the page in front: visible and focused, else the first
// visible page, else the first page in the browser's list. Pages that cannot
// be evaluated are skipped.
func (c *Client) ActiveTab(ctx context.Context) (types.TabID, error) {
	tabs, err := c.ListTabs(ctx)
	if err != nil {
		return "", err
	}
	if len(tabs) == 0 {
		return "", newError(CodeTabNotFound, "no page tabs open", nil)
	}

	var visible types.TabID
	for _, tab := range tabs {
		st, err := c.pageFocus(ctx, tab.TabID)
		if err != nil {
			slog.Debug("cdpcontrol focus check failed", "tab_id", tab.TabID, "error", err)
			continue
		}
		if st.Visible && st.Focused {
			return tab.TabID, nil
		}
		if st.Visible && visible == "" {
			visible = tab.TabID
		}
	}
	if visible != "" {
		return visible, nil
	}
	slog.Debug("cdpcontrol no visible page, using list order", "tab_id", tabs[0].TabID)
	return tabs[0].TabID, nil
}

var jsFocusState = wrapJSEval(`return JSON.stringify({ok:true,data:{
  visible: document.visibilityState === "visible",
  focused: document.hasFocus()
}});`)

type focusState struct {
	Visible bool `json:"visible"`
	Focused bool `json:"focused"`
}

func (c *Client) pageFocus(ctx context.Context, tab types.TabID) (focusState, error) {
	var st focusState
	err := c.onTab(ctx, tab, func(ctx context.Context, rc *rawCDP, sessionID string) error {
		raw, err := rc.evaluate(ctx, sessionID, 0, jsFocusState)
		if err != nil {
			return err
		}
		var env evalEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil || !env.OK {
			return newError(CodeEvalFailure, "invalid focus state", err)
		}
		return json.Unmarshal(env.Data, &st)
	})
	return st, err
}

// OpenTab opens url in a new tab.
func (c *Client) OpenTab(ctx context.Context, url string) error {
	if strings.TrimSpace(url) == "" {
		return newError(CodeValidation, "url is required", nil)
	}
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	id, err := cdp.createTarget(ctx, url)
	if err != nil {
		return newError(CodeCDPUnavailable, "create target failed", err)
	}
	slog.Info("cdpcontrol tab opened", "tab_id", id, "url", url)
	return nil
}

// Forget drops cached state for a closed tab.
func (c *Client) Forget(tab types.TabID) {
	id := target.ID(tab)
	c.mu.Lock()
	delete(c.tabs, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.tabLocksMu.Lock()
	delete(c.tabLocks, id)
	c.tabLocksMu.Unlock()
}

// onTab runs fn with an attached session for tab, retrying once after a
// transient failure.
func (c *Client) onTab(ctx context.Context, tab types.TabID, fn func(ctx context.Context, cdp *rawCDP, sessionID string) error) error {
	id := target.ID(strings.TrimSpace(string(tab)))
	if id == "" {
		return newError(CodeValidation, "tab id is required", nil)
	}

	lock := c.tabLock(id)
	lock.Lock()
	defer lock.Unlock()

	err := c.runOnTab(ctx, id, fn)
	if err == nil || !c.shouldRetry(err) {
		return err
	}

	slog.Warn("cdpcontrol tab op retry after transient failure", "tab_id", id, "error", err)
	if c.asCode(err, CodeCDPUnavailable) {
		if recErr := c.reconnect(ctx); recErr != nil {
			slog.Error("cdpcontrol reconnect failed during retry", "tab_id", id, "error", recErr)
			return recErr
		}
	} else if syncErr := c.refreshTabs(ctx); syncErr != nil {
		slog.Warn("cdpcontrol tab refresh failed during retry", "tab_id", id, "error", syncErr)
	}
	return c.runOnTab(ctx, id, fn)
}

func (c *Client) runOnTab(ctx context.Context, id target.ID, fn func(ctx context.Context, cdp *rawCDP, sessionID string) error) error {
	session, err := c.resolveTabSession(ctx, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	sessionID, err := c.ensureSession(ctx, cdp, session, id)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.evalTimeout)
	defer cancel()
	if err := fn(opCtx, cdp, sessionID); err != nil {
		// A fresh attach happens on retry.
		session.mu.Lock()
		session.sessionID = ""
		session.mu.Unlock()

		var coded *CodedError
		if errors.As(err, &coded) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return newError(CodeEvalTimeout, "evaluation timed out", err)
		}
		return newError(CodeEvalFailure, "evaluation failed", err)
	}
	return nil
}

// ensureSession returns a CDP session ID for the target, attaching if needed.
func (c *Client) ensureSession(ctx context.Context, cdp *rawCDP, session *tabSession, id target.ID) (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.sessionID != "" {
		return session.sessionID, nil
	}

	sid, err := cdp.attachToTarget(ctx, id)
	if err != nil {
		return "", newError(CodeCDPUnavailable, "attach to target failed", err)
	}
	session.sessionID = sid
	slog.Debug("cdpcontrol session attached", "tab_id", id, "session_id", sid)
	return sid, nil
}

func (c *Client) resolveTabSession(ctx context.Context, id target.ID) (*tabSession, error) {
	if s := c.lookupTab(id); s != nil {
		return s, nil
	}
	if err := c.refreshTabs(ctx); err != nil {
		return nil, err
	}
	if s := c.lookupTab(id); s != nil {
		return s, nil
	}
	return nil, newError(CodeTabNotFound, "tab not found: "+string(id), nil)
}

func (c *Client) lookupTab(id target.ID) *tabSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tabs[id]
}

func (c *Client) refreshTabs(ctx context.Context) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	err := c.syncTabsLocked(ctx)
	c.mu.Unlock()
	if err == nil {
		return nil
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return err
	}
	return newError(CodeCDPUnavailable, "failed to list targets", err)
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) syncTabsLocked(ctx context.Context) error {
	if c.cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	targets, err := c.cdp.listTargets(ctx)
	if err != nil {
		return newError(CodeCDPUnavailable, "failed to list targets", err)
	}

	order := make([]target.ID, 0, len(targets))
	expected := make(map[target.ID]types.TabInfo)
	for _, t := range targets {
		if t.Type != "page" || strings.HasPrefix(t.URL, "devtools://") {
			continue
		}
		order = append(order, t.TargetID)
		expected[t.TargetID] = types.TabInfo{
			TabID:   types.TabID(t.TargetID),
			URL:     t.URL,
			Title:   t.Title,
			ShortID: types.ShortTabID(types.TabID(t.TargetID)),
		}
	}

	for id := range c.tabs {
		if _, ok := expected[id]; !ok {
			delete(c.tabs, id)
		}
	}
	for id, info := range expected {
		if s := c.tabs[id]; s != nil {
			s.info = info
			continue
		}
		c.tabs[id] = &tabSession{info: info}
	}
	c.order = order

	c.tabLocksMu.Lock()
	for id := range c.tabLocks {
		if _, ok := expected[id]; !ok {
			delete(c.tabLocks, id)
		}
	}
	c.tabLocksMu.Unlock()

	slog.Debug("cdpcontrol tab sync", "targets", len(targets), "pages", len(order))
	return nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.cdp != nil && c.cdp.connected()
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.reconnect(ctx)
}

func (c *Client) tabLock(id target.ID) *sync.Mutex {
	c.tabLocksMu.Lock()
	defer c.tabLocksMu.Unlock()
	m, ok := c.tabLocks[id]
	if !ok {
		m = &sync.Mutex{}
		c.tabLocks[id] = m
	}
	return m
}

func (c *Client) shouldRetry(err error) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}

	switch coded.Code {
	case CodeCDPUnavailable:
		return true
	case CodeEvalFailure:
		if coded.Cause == nil {
			return false
		}
		cause := strings.ToLower(coded.Cause.Error())
		for _, hint := range transientHints {
			if strings.Contains(cause, hint) {
				return true
			}
		}
	}
	return false
}

func (c *Client) asCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}
