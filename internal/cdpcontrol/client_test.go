package cdpcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/tryxpath/internal/types"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func withDefaultHTTPClient(t *testing.T, transport http.RoundTripper) {
	t.Helper()
	origClient := http.DefaultClient
	t.Cleanup(func() {
		http.DefaultClient = origClient
	})
	http.DefaultClient = &http.Client{
		Transport: transport,
	}
}

type fakeTarget struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// fakeBrowser answers the handful of CDP methods the client uses.
type fakeBrowser struct {
	t       *testing.T
	srv     *httptest.Server
	targets []fakeTarget

	mu          sync.Mutex
	evaluations []string
	worlds      []string
	created     []string
	failFrames  map[string]bool
	// pageStates holds the focus-state data each target reports; "fail" makes it throw.
	pageStates map[string]string
}

func newFakeBrowser(t *testing.T, targets ...fakeTarget) *fakeBrowser {
	t.Helper()
	b := &fakeBrowser{t: t, targets: targets, failFrames: map[string]bool{}, pageStates: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/devtools/browser/fake"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(b.targets)
	})
	mux.HandleFunc("/devtools/browser/fake", b.serveWS)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		result, errMsg := b.handle(req.Method, req.SessionID, req.Params)
		resp := map[string]any{"id": req.ID}
		if errMsg != "" {
			resp["error"] = map[string]any{"code": -32000, "message": errMsg}
		} else {
			resp["result"] = result
		}
		out, _ := json.Marshal(resp)
		if err := wsutil.WriteServerText(conn, out); err != nil {
			return
		}
	}
}

func (b *fakeBrowser) handle(method, sessionID string, params json.RawMessage) (any, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch method {
	case "Target.attachToTarget":
		var p struct {
			TargetID string `json:"targetId"`
			Flatten  bool   `json:"flatten"`
		}
		_ = json.Unmarshal(params, &p)
		if !p.Flatten {
			return nil, "flatten required"
		}
		return map[string]string{"sessionId": "S-" + p.TargetID}, ""
	case "Target.detachFromTarget":
		return map[string]any{}, ""
	case "Target.createTarget":
		var p struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(params, &p)
		b.created = append(b.created, p.URL)
		return map[string]string{"targetId": "NEW"}, ""
	case "Page.getFrameTree":
		return map[string]any{"frameTree": map[string]any{
			"frame": map[string]string{"id": "top", "url": "https://example.com/"},
			"childFrames": []any{
				map[string]any{"frame": map[string]string{"id": "child", "url": "https://example.com/frame"}},
			},
		}}, ""
	case "Page.createIsolatedWorld":
		var p struct {
			FrameID   string `json:"frameId"`
			WorldName string `json:"worldName"`
		}
		_ = json.Unmarshal(params, &p)
		if b.failFrames[p.FrameID] {
			return nil, "cannot create world in " + p.FrameID
		}
		b.worlds = append(b.worlds, p.FrameID+"/"+p.WorldName)
		return map[string]int{"executionContextId": len(b.worlds)}, ""
	case "Runtime.evaluate":
		var p struct {
			Expression string `json:"expression"`
			ContextID  int    `json:"contextId"`
		}
		_ = json.Unmarshal(params, &p)
		if strings.Contains(p.Expression, "visibilityState") {
			data, ok := b.pageStates[strings.TrimPrefix(sessionID, "S-")]
			if !ok {
				data = `{"visible":false,"focused":false}`
			}
			if data == "fail" {
				return map[string]any{
					"result":           map[string]any{"type": "object"},
					"exceptionDetails": map[string]string{"text": "page is gone"},
				}, ""
			}
			value, _ := json.Marshal(`{"ok":true,"data":` + data + `}`)
			return map[string]any{"result": map[string]any{"type": "string", "value": json.RawMessage(value)}}, ""
		}
		b.evaluations = append(b.evaluations, fmt.Sprintf("%s|%d|%s", sessionID, p.ContextID, p.Expression))
		value, _ := json.Marshal(`{"ok":true,"data":{"inserted":1}}`)
		return map[string]any{"result": map[string]any{"type": "string", "value": json.RawMessage(value)}}, ""
	}
	return nil, "unknown method " + method
}

func connectClient(t *testing.T, b *fakeBrowser) *Client {
	t.Helper()
	c := NewClient(b.srv.URL, 2*time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInsertCSSRunsInEveryFrame(t *testing.T) {
	b := newFakeBrowser(t, fakeTarget{ID: "TAB1", Type: "page", URL: "https://example.com/"})
	c := connectClient(t, b)

	if err := c.InsertCSS(context.Background(), "TAB1", "a{color:red}"); err != nil {
		t.Fatalf("InsertCSS() error = %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.worlds) != 2 || b.worlds[0] != "top/"+isolatedWorldName || b.worlds[1] != "child/"+isolatedWorldName {
		t.Fatalf("worlds = %v; want top and child in %s", b.worlds, isolatedWorldName)
	}
	if len(b.evaluations) != 2 {
		t.Fatalf("evaluations = %d; want 2", len(b.evaluations))
	}
	for i, ev := range b.evaluations {
		want := fmt.Sprintf("S-TAB1|%d|", i+1)
		if !strings.HasPrefix(ev, want) {
			t.Fatalf("evaluation %d = %q; want prefix %q", i, ev, want)
		}
		if !strings.Contains(ev, `"a{color:red}"`) || !strings.Contains(ev, styleMarker) {
			t.Fatalf("evaluation %d does not insert the stylesheet: %q", i, ev)
		}
	}
}

func TestRemoveCSSToleratesSubframeFailure(t *testing.T) {
	b := newFakeBrowser(t, fakeTarget{ID: "TAB1", Type: "page"})
	b.failFrames["child"] = true
	c := connectClient(t, b)

	if err := c.RemoveCSS(context.Background(), "TAB1", "a{}"); err != nil {
		t.Fatalf("RemoveCSS() error = %v", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.evaluations) != 1 || !strings.Contains(b.evaluations[0], "remove()") {
		t.Fatalf("evaluations = %v; want one removal in the top frame", b.evaluations)
	}
}

func TestRemoveCSSTopFrameFailure(t *testing.T) {
	b := newFakeBrowser(t, fakeTarget{ID: "TAB1", Type: "page"})
	b.failFrames["top"] = true
	c := connectClient(t, b)

	err := c.RemoveCSS(context.Background(), "TAB1", "a{}")
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeEvalFailure {
		t.Fatalf("RemoveCSS() error = %v; want %s", err, CodeEvalFailure)
	}
}

func TestInsertCSSUnknownTab(t *testing.T) {
	b := newFakeBrowser(t, fakeTarget{ID: "TAB1", Type: "page"})
	c := connectClient(t, b)

	err := c.InsertCSS(context.Background(), "MISSING", "a{}")
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeTabNotFound {
		t.Fatalf("InsertCSS() error = %v; want %s", err, CodeTabNotFound)
	}
}

func TestActiveTabFallsBackToListOrder(t *testing.T) {
	b := newFakeBrowser(t,
		fakeTarget{ID: "SW", Type: "service_worker"},
		fakeTarget{ID: "DEVTOOLS", Type: "page", URL: "devtools://devtools/inspector.html"},
		fakeTarget{ID: "FRONT", Type: "page", URL: "https://front.example/"},
		fakeTarget{ID: "BACK", Type: "page", URL: "https://back.example/"},
	)
	c := connectClient(t, b)

	got, err := c.ActiveTab(context.Background())
	if err != nil {
		t.Fatalf("ActiveTab() error = %v", err)
	}
	if got != "FRONT" {
		t.Fatalf("ActiveTab() = %q; want FRONT", got)
	}

	tabs, err := c.ListTabs(context.Background())
	if err != nil {
		t.Fatalf("ListTabs() error = %v", err)
	}
	if len(tabs) != 2 || tabs[1].TabID != "BACK" || tabs[0].ShortID != "FRONT" {
		t.Fatalf("ListTabs() = %+v; want FRONT, BACK", tabs)
	}
}

func TestActiveTabPrefersFocusedPage(t *testing.T) {
	b := newFakeBrowser(t,
		fakeTarget{ID: "GONE", Type: "page"},
		fakeTarget{ID: "HIDDEN", Type: "page"},
		fakeTarget{ID: "OTHER_WINDOW", Type: "page"},
		fakeTarget{ID: "FRONT", Type: "page"},
	)
	b.pageStates["GONE"] = "fail"
	b.pageStates["OTHER_WINDOW"] = `{"visible":true,"focused":false}`
	b.pageStates["FRONT"] = `{"visible":true,"focused":true}`
	c := connectClient(t, b)

	got, err := c.ActiveTab(context.Background())
	if err != nil {
		t.Fatalf("ActiveTab() error = %v", err)
	}
	if got != "FRONT" {
		t.Fatalf("ActiveTab() = %q; want FRONT", got)
	}
}

func TestActiveTabVisibleWithoutFocus(t *testing.T) {
	b := newFakeBrowser(t,
		fakeTarget{ID: "HIDDEN", Type: "page"},
		fakeTarget{ID: "SHOWN", Type: "page"},
	)
	b.pageStates["SHOWN"] = `{"visible":true,"focused":false}`
	c := connectClient(t, b)

	got, err := c.ActiveTab(context.Background())
	if err != nil {
		t.Fatalf("ActiveTab() error = %v", err)
	}
	if got != "SHOWN" {
		t.Fatalf("ActiveTab() = %q; want SHOWN", got)
	}
}

func TestActiveTabWithoutPages(t *testing.T) {
	b := newFakeBrowser(t)
	c := connectClient(t, b)
	_, err := c.ActiveTab(context.Background())
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeTabNotFound {
		t.Fatalf("ActiveTab() error = %v; want %s", err, CodeTabNotFound)
	}
}

func TestOpenTabCreatesTarget(t *testing.T) {
	b := newFakeBrowser(t)
	c := connectClient(t, b)

	if err := c.OpenTab(context.Background(), "http://127.0.0.1:8787/results"); err != nil {
		t.Fatalf("OpenTab() error = %v", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.created) != 1 || b.created[0] != "http://127.0.0.1:8787/results" {
		t.Fatalf("created = %v; want the results page", b.created)
	}

	var coded *CodedError
	if err := c.OpenTab(context.Background(), " "); !errors.As(err, &coded) || coded.Code != CodeValidation {
		t.Fatalf("OpenTab(blank) error = %v; want %s", err, CodeValidation)
	}
}

func TestForgetDropsTab(t *testing.T) {
	c := NewClient("http://unused", time.Second)
	c.tabs["A"] = &tabSession{info: types.TabInfo{TabID: "A"}}
	c.tabs["B"] = &tabSession{info: types.TabInfo{TabID: "B"}}
	c.order = []target.ID{"A", "B"}

	c.Forget("A")
	if _, ok := c.tabs["A"]; ok {
		t.Fatalf("tab A still cached")
	}
	if len(c.order) != 1 || c.order[0] != "B" {
		t.Fatalf("order = %v; want [B]", c.order)
	}
}

func TestSyncTabsLockedWrapsListTargetsError(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/json/list" {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader(`oops`)),
			}, nil
		}
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(``))}, nil
	}))

	c := &Client{
		cdp:  newRawCDP("http://example.com"),
		tabs: map[target.ID]*tabSession{},
	}

	err := c.syncTabsLocked(context.Background())
	var codedErr *CodedError
	if !errors.As(err, &codedErr) {
		t.Fatalf("syncTabsLocked() error = %T; want *CodedError", err)
	}
	if codedErr.Code != CodeCDPUnavailable {
		t.Fatalf("error code = %s; want %s", codedErr.Code, CodeCDPUnavailable)
	}
	if !strings.Contains(codedErr.Message, "failed to list targets") {
		t.Fatalf("error message = %q; want to contain %q", codedErr.Message, "failed to list targets")
	}
}

func TestCleanupLockedLogsDetachFailure(t *testing.T) {
	var buf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})

	client := &Client{
		cdp: newRawCDP("http://example.com"),
		tabs: map[target.ID]*tabSession{
			"target-1": {sessionID: "session-1"},
		},
	}
	client.cleanupLocked()

	if !strings.Contains(buf.String(), "detach cleanup failed") {
		t.Fatalf("expected detach cleanup debug log, got %q", buf.String())
	}
	if client.cdp != nil || len(client.tabs) != 0 {
		t.Fatalf("cleanupLocked() left state behind")
	}
}

func TestShouldRetry(t *testing.T) {
	c := &Client{}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"cdp unavailable", newError(CodeCDPUnavailable, "x", nil), true},
		{"tab not found", newError(CodeTabNotFound, "x", nil), false},
		{"eval transient", newError(CodeEvalFailure, "x", errors.New("rawcdp: connection closed")), true},
		{"eval permanent", newError(CodeEvalFailure, "x", errors.New("SyntaxError")), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.shouldRetry(tt.err); got != tt.want {
				t.Fatalf("shouldRetry(%v) = %v; want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDecodeStyleResult(t *testing.T) {
	res, err := decodeStyleResult(`{"ok":true,"data":{"removed":1}}`)
	if err != nil || res.Removed != 1 {
		t.Fatalf("decodeStyleResult() = %+v, %v; want removed 1", res, err)
	}

	_, err = decodeStyleResult(`{"ok":false,"error_message":"no document"}`)
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeEvalFailure || coded.Message != "no document" {
		t.Fatalf("decodeStyleResult() error = %v; want EVAL_FAILURE no document", err)
	}

	if _, err := decodeStyleResult("not json"); err == nil {
		t.Fatalf("decodeStyleResult(garbage) error = nil")
	}
}
