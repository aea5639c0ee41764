package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tryxpath/internal/kvstore"
	"github.com/dgnsrekt/tryxpath/internal/message"
	"github.com/dgnsrekt/tryxpath/internal/types"
)

type sent struct {
	tab types.TabID
	env message.Envelope
}

type fakeMessenger struct {
	mu         sync.Mutex
	tabMsgs    []sent
	broadcasts []message.Envelope
	recipients int
	notify     chan struct{}
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{notify: make(chan struct{}, 64)}
}

func (m *fakeMessenger) SendToTab(_ context.Context, tab types.TabID, env message.Envelope) error {
	m.mu.Lock()
	m.tabMsgs = append(m.tabMsgs, sent{tab: tab, env: env})
	m.mu.Unlock()
	m.notify <- struct{}{}
	return nil
}

func (m *fakeMessenger) Broadcast(_ context.Context, env message.Envelope) (int, error) {
	m.mu.Lock()
	m.broadcasts = append(m.broadcasts, env)
	n := m.recipients
	m.mu.Unlock()
	m.notify <- struct{}{}
	return n, nil
}

func (m *fakeMessenger) tabMessages() []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sent(nil), m.tabMsgs...)
}

func (m *fakeMessenger) lastBroadcast(t *testing.T) message.Envelope {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.broadcasts) == 0 {
		t.Fatalf("no broadcast sent")
	}
	return m.broadcasts[len(m.broadcasts)-1]
}

func (m *fakeMessenger) wait(t *testing.T) {
	t.Helper()
	select {
	case <-m.notify:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for an outbound message")
	}
}

type fakeTabs struct {
	mu         sync.Mutex
	inserted   []string
	removed    []string
	opened     []string
	failRemove map[string]bool
	failInsert bool
	removeGate chan struct{}
	insertGate chan struct{}
}

func (f *fakeTabs) InsertCSS(ctx context.Context, _ types.TabID, css string) error {
	if f.insertGate != nil {
		<-f.insertGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert {
		return errors.New("insert failed")
	}
	f.inserted = append(f.inserted, css)
	return nil
}

func (f *fakeTabs) RemoveCSS(ctx context.Context, _ types.TabID, css string) error {
	if f.removeGate != nil {
		<-f.removeGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemove[css] {
		return errors.New("remove failed")
	}
	f.removed = append(f.removed, css)
	return nil
}

func (f *fakeTabs) OpenTab(_ context.Context, url string) error {
	f.mu.Lock()
	f.opened = append(f.opened, url)
	f.mu.Unlock()
	return nil
}

type harness struct {
	c    *Coordinator
	kv   kvstore.Store
	msgr *fakeMessenger
	tabs *fakeTabs
}

func newHarness(t *testing.T, kv kvstore.Store, tabs *fakeTabs, loader func(context.Context) (string, error)) *harness {
	t.Helper()
	if kv == nil {
		kv = kvstore.NewMemory()
	}
	if tabs == nil {
		tabs = &fakeTabs{}
	}
	msgr := newFakeMessenger()
	c := New(Config{PublicURL: "http://127.0.0.1:8787/", LoadDefaultCSS: loader}, kv, msgr, tabs)

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start() error = %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{c: c, kv: kv, msgr: msgr, tabs: tabs}
}

func envelope(t *testing.T, event message.Event, payload any) message.Envelope {
	t.Helper()
	env, err := message.New(event, payload)
	if err != nil {
		t.Fatalf("message.New(%s) error = %v", event, err)
	}
	return env
}

func contentSender(tab types.TabID) message.Sender {
	return message.Sender{Kind: message.KindContent, TabID: tab, FrameID: types.FrameID(tab)}
}

// request delivers env and returns the JSON of the first reply.
func (h *harness) request(t *testing.T, env message.Envelope, sender message.Sender) string {
	t.Helper()
	replies := make(chan any, 2)
	if err := h.c.Deliver(context.Background(), env, sender, func(p any) { replies <- p }); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	select {
	case p := <-replies:
		data, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal reply: %v", err)
		}
		return string(data)
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply to %s", env.Event)
		return ""
	}
}

func (h *harness) deliver(t *testing.T, env message.Envelope, sender message.Sender) {
	t.Helper()
	if err := h.c.Deliver(context.Background(), env, sender, nil); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
}

func TestEveryCoordinatorEventHasHandler(t *testing.T) {
	c := New(Config{}, kvstore.NewMemory(), newFakeMessenger(), &fakeTabs{})
	for _, ev := range message.CoordinatorEvents() {
		if !c.Router().Handles(ev) {
			t.Fatalf("Router().Handles(%s) = false; want true", ev)
		}
	}
	if got, want := len(c.Router().Events()), len(message.CoordinatorEvents()); got != want {
		t.Fatalf("registered events = %d; want %d", got, want)
	}
}

func TestRestoreBeforeAnyStoreSendsNull(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	h.deliver(t, envelope(t, message.RequestRestorePopupState, nil), message.Sender{Kind: message.KindPopup})
	h.msgr.wait(t)

	var got struct {
		Event message.Event    `json:"event"`
		State *json.RawMessage `json:"state"`
	}
	if err := h.msgr.lastBroadcast(t).Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Event != message.RestorePopupState {
		t.Fatalf("event = %q; want %q", got.Event, message.RestorePopupState)
	}
	if got.State != nil {
		t.Fatalf("state = %s; want null", *got.State)
	}
}

func TestRestoreReturnsLatestStoredState(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	popup := message.Sender{Kind: message.KindPopup}

	first := types.PopupState{MainExpressionValue: "//a", MainWayIndex: 1}
	second := types.PopupState{
		MainExpressionValue:     "//div",
		ContextCheckboxChecked:  true,
		ContextExpressionValue:  "//body",
		ResolverCheckboxChecked: true,
		ResolverExpressionValue: `{"x":"urn:x"}`,
		FrameCheckboxChecked:    true,
		FrameExpressionValue:    "[0]",
	}
	h.deliver(t, envelope(t, message.StorePopupState, map[string]any{"state": first}), popup)
	h.deliver(t, envelope(t, message.StorePopupState, map[string]any{"state": second}), popup)
	h.deliver(t, envelope(t, message.RequestRestorePopupState, nil), popup)
	h.msgr.wait(t)

	var got struct {
		State *types.PopupState `json:"state"`
	}
	if err := h.msgr.lastBroadcast(t).Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.State == nil || *got.State != second {
		t.Fatalf("state = %+v; want %+v", got.State, second)
	}
}

func TestLoadResultsBeforeAnyIsNull(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	got := h.request(t, envelope(t, message.LoadResults, nil), message.Sender{Kind: message.KindResults})
	if got != "null" {
		t.Fatalf("loadResults = %s; want null", got)
	}
}

func TestShowAllResultsStoresLatestWithSenderTab(t *testing.T) {
	h := newHarness(t, nil, nil, nil)

	h.deliver(t, envelope(t, message.ShowAllResults, map[string]any{
		"message": "first", "executionId": "e1",
	}), contentSender("TAB-A"))
	h.deliver(t, envelope(t, message.ShowAllResults, map[string]any{
		"message": "second", "executionId": "e2", "main": map[string]any{"itemDetails": []any{}},
	}), contentSender("TAB-B"))

	got := h.request(t, envelope(t, message.LoadResults, nil), message.Sender{Kind: message.KindResults})
	var bundle map[string]any
	if err := json.Unmarshal([]byte(got), &bundle); err != nil {
		t.Fatalf("decode reply %s: %v", got, err)
	}
	if bundle["tabId"] != "TAB-B" {
		t.Fatalf("tabId = %v; want TAB-B", bundle["tabId"])
	}
	if bundle["message"] != "second" || bundle["executionId"] != "e2" {
		t.Fatalf("bundle = %v; want the second payload", bundle)
	}
	if _, ok := bundle["event"]; ok {
		t.Fatalf("bundle carries the routing tag: %v", bundle)
	}

	h.c.Wait()
	h.tabs.mu.Lock()
	defer h.tabs.mu.Unlock()
	if len(h.tabs.opened) != 2 || h.tabs.opened[1] != "http://127.0.0.1:8787/results" {
		t.Fatalf("opened = %v; want two results pages", h.tabs.opened)
	}
}

func TestLoadOptionsReflectsChangeNotifications(t *testing.T) {
	kv := kvstore.NewMemory()
	h := newHarness(t, kv, nil, func(context.Context) (string, error) { return "default{}", nil })
	ctx := context.Background()

	attrs := types.DefaultAttributes()
	attrs.Element = "data-x-element"
	if err := kv.Set(ctx, KeyAttributes, attrs); err != nil {
		t.Fatal(err)
	}
	if err := kv.Set(ctx, KeyCSS, "changed{}"); err != nil {
		t.Fatal(err)
	}

	got := h.request(t, envelope(t, message.LoadOptions, nil), contentSender("T1"))
	var opts struct {
		Attributes types.AttributesConfig `json:"attributes"`
		CSS        string                 `json:"css"`
	}
	if err := json.Unmarshal([]byte(got), &opts); err != nil {
		t.Fatalf("decode %s: %v", got, err)
	}
	if opts.Attributes != attrs {
		t.Fatalf("attributes = %+v; want %+v", opts.Attributes, attrs)
	}
	if opts.CSS != "changed{}" {
		t.Fatalf("css = %q; want changed{}", opts.CSS)
	}

	// A removal carries no new value and leaves the running state alone.
	if err := kv.Remove(ctx, KeyCSS); err != nil {
		t.Fatal(err)
	}
	got = h.request(t, envelope(t, message.LoadOptions, nil), contentSender("T1"))
	if err := json.Unmarshal([]byte(got), &opts); err != nil {
		t.Fatalf("decode %s: %v", got, err)
	}
	if opts.CSS != "changed{}" {
		t.Fatalf("css after removal = %q; want changed{}", opts.CSS)
	}
}

func TestColdStartLoadsDefaultOnlyWithoutStoredCSS(t *testing.T) {
	calls := 0
	loader := func(context.Context) (string, error) {
		calls++
		return "default{}", nil
	}

	h := newHarness(t, nil, nil, loader)
	if calls != 1 {
		t.Fatalf("loader calls = %d; want 1", calls)
	}
	if got := h.c.State().CSS(); got != "default{}" {
		t.Fatalf("CSS() = %q; want default{}", got)
	}

	calls = 0
	kv := kvstore.NewMemory()
	if err := kv.Set(context.Background(), KeyCSS, "stored{}"); err != nil {
		t.Fatal(err)
	}
	h = newHarness(t, kv, nil, loader)
	if calls != 0 {
		t.Fatalf("loader calls with stored css = %d; want 0", calls)
	}
	if got := h.c.State().CSS(); got != "stored{}" {
		t.Fatalf("CSS() = %q; want stored{}", got)
	}
}

func TestColdStartStoredNullCSSLoadsDefault(t *testing.T) {
	kv := kvstore.NewMemory()
	if err := kv.Set(context.Background(), KeyCSS, json.RawMessage("null")); err != nil {
		t.Fatal(err)
	}
	calls := 0
	h := newHarness(t, kv, nil, func(context.Context) (string, error) {
		calls++
		return "default{}", nil
	})
	if calls != 1 || h.c.State().CSS() != "default{}" {
		t.Fatalf("calls = %d, CSS() = %q; want 1, default{}", calls, h.c.State().CSS())
	}
}

func TestColdStartUsesPersistedAttributes(t *testing.T) {
	kv := kvstore.NewMemory()
	attrs := types.AttributesConfig{Element: "e", Context: "c", Focused: "f", FocusedAncestor: "fa", Frame: "fr", FrameAncestor: "fra"}
	if err := kv.Set(context.Background(), KeyAttributes, attrs); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, kv, nil, nil)
	if got := h.c.State().Attributes(); got != attrs {
		t.Fatalf("Attributes() = %+v; want %+v", got, attrs)
	}
}

func TestColdStartPartialAttributesAreNotMerged(t *testing.T) {
	kv := kvstore.NewMemory()
	if err := kv.Set(context.Background(), KeyAttributes, map[string]string{"element": "x-el"}); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, kv, nil, nil)

	want := types.AttributesConfig{Element: "x-el"}
	if got := h.c.State().Attributes(); got != want {
		t.Fatalf("Attributes() = %+v; want %+v", got, want)
	}

	// The same value arriving as a change notification yields the same mapping.
	if err := kv.Set(context.Background(), KeyAttributes, map[string]string{"element": "y-el"}); err != nil {
		t.Fatal(err)
	}
	got := h.request(t, envelope(t, message.LoadOptions, nil), contentSender("T1"))
	var opts struct {
		Attributes types.AttributesConfig `json:"attributes"`
	}
	if err := json.Unmarshal([]byte(got), &opts); err != nil {
		t.Fatalf("decode %s: %v", got, err)
	}
	if want := (types.AttributesConfig{Element: "y-el"}); opts.Attributes != want {
		t.Fatalf("attributes after change = %+v; want %+v", opts.Attributes, want)
	}
}

func TestColdStartWithoutAttributesUsesBuiltIns(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	if got := h.c.State().Attributes(); got != types.DefaultAttributes() {
		t.Fatalf("Attributes() = %+v; want defaults", got)
	}
}

// writeDuringLoad writes a new stylesheet right after the coordinator has read
// the old one, before Start returns.
type writeDuringLoad struct {
	*kvstore.Memory
	once sync.Once
}

func (w *writeDuringLoad) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	raw, ok, err := w.Memory.Get(ctx, key)
	if key == KeyCSS {
		w.once.Do(func() { _ = w.Memory.Set(ctx, KeyCSS, "late{}") })
	}
	return raw, ok, err
}

func TestWriteDuringStartIsNotLost(t *testing.T) {
	kv := &writeDuringLoad{Memory: kvstore.NewMemory()}
	if err := kv.Set(context.Background(), KeyCSS, "early{}"); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, kv, nil, nil)

	deadline := time.Now().Add(2 * time.Second)
	for h.c.State().CSS() != "late{}" {
		if time.Now().After(deadline) {
			t.Fatalf("CSS() = %q; want late{}", h.c.State().CSS())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRequestSetContentInfoAddressesSenderTab(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	h.deliver(t, envelope(t, message.RequestSetContentInfo, nil), contentSender("TAB-7"))
	h.msgr.wait(t)

	msgs := h.msgr.tabMessages()
	if len(msgs) != 1 || msgs[0].tab != "TAB-7" {
		t.Fatalf("tab messages = %+v; want one to TAB-7", msgs)
	}
	var got struct {
		Event      message.Event          `json:"event"`
		Attributes types.AttributesConfig `json:"attributes"`
	}
	if err := msgs[0].env.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Event != message.SetContentInfo || got.Attributes != types.DefaultAttributes() {
		t.Fatalf("message = %+v; want setContentInfo with default attributes", got)
	}
}

func TestNonReplyingHandlerReleasesRequester(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	got := h.request(t, envelope(t, message.StorePopupState, map[string]any{"state": nil}), message.Sender{Kind: message.KindPopup})
	if got != "null" {
		t.Fatalf("reply = %s; want null", got)
	}
}

func TestDeliverAfterStop(t *testing.T) {
	c := New(Config{}, kvstore.NewMemory(), newFakeMessenger(), &fakeTabs{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := c.Deliver(context.Background(), envelope(t, message.LoadOptions, nil), message.Sender{}, nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("Deliver() error = %v; want ErrStopped", err)
	}
}

func TestUnknownEventIsIgnored(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	got := h.request(t, envelope(t, message.Execute, nil), contentSender("T"))
	if got != "null" {
		t.Fatalf("reply = %s; want null", got)
	}
	if n := len(h.msgr.tabMessages()); n != 0 {
		t.Fatalf("tab messages = %d; want 0", n)
	}
}
