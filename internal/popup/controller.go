// Package popup drives the transient popup context: it builds the execute
// request from the form, shows the results a content runner reports back, and
// routes focus commands to the tab that produced those results.
package popup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/tryxpath/internal/message"
	"github.com/dgnsrekt/tryxpath/internal/types"
)

// ResultItemLimit caps the item details shown in the popup.
const ResultItemLimit = 10

// ErrNoResults is returned by focus commands before any results arrived.
var ErrNoResults = errors.New("popup: no results received yet")

// Transport carries the popup's outbound messages.
type Transport interface {
	SendRuntime(ctx context.Context, env message.Envelope) error
	SendTab(ctx context.Context, tab types.TabID, env message.Envelope) error
	SendActiveTab(ctx context.Context, env message.Envelope) error
}

// ItemDetail describes one matched item as reported by the content runner.
type ItemDetail struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Value       string `json:"value"`
	TextContent string `json:"textContent,omitempty"`
}

// Results is what the popup shows for the latest execution.
type Results struct {
	TabID       types.TabID
	ExecutionID types.ExecutionID
	Message     string
	Count       int
	Context     *ItemDetail
	Items       []ItemDetail
}

// View is a consistent snapshot of everything the popup displays.
type View struct {
	Form            types.PopupState
	ContextVisible  bool
	ResolverVisible bool
	FrameVisible    bool
	Results         *Results
}

// Controller is the popup's state and behaviour, independent of how it is drawn.
type Controller struct {
	transport Transport
	router    *message.Router

	mu       sync.Mutex
	form     types.PopupState
	visible  [3]bool
	results  *Results
	onUpdate func(View)
}

func New(t Transport) *Controller {
	c := &Controller{transport: t, router: message.NewRouter("popup")}
	c.router.Register(message.ShowResultsInPopup, c.handleShowResults)
	c.router.Register(message.RestorePopupState, c.handleRestore)
	return c
}

// Router exposes the popup's inbound dispatch table.
func (c *Controller) Router() *message.Router {
	return c.router
}

// Handle dispatches one inbound message.
func (c *Controller) Handle(ctx context.Context, env message.Envelope, sender message.Sender, reply message.Reply) {
	c.router.Dispatch(ctx, env, sender, reply)
}

// OnUpdate registers fn to receive a fresh View after every inbound change.
func (c *Controller) OnUpdate(fn func(View)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// View returns the current display state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	v := View{
		Form:            c.form,
		ContextVisible:  c.visible[0],
		ResolverVisible: c.visible[1],
		FrameVisible:    c.visible[2],
	}
	if c.results != nil {
		r := *c.results
		r.Items = append([]ItemDetail(nil), c.results.Items...)
		v.Results = &r
	}
	return v
}

// Form returns the form controls.
func (c *Controller) Form() types.PopupState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.form
}

// Edit applies a user edit to the form. Section visibility follows the toggles.
func (c *Controller) Edit(fn func(*types.PopupState)) {
	c.mu.Lock()
	fn(&c.form)
	c.refreshVisibilityLocked()
	c.mu.Unlock()
}

func (c *Controller) refreshVisibilityLocked() {
	c.visible = [3]bool{
		c.form.ContextCheckboxChecked,
		c.form.ResolverCheckboxChecked,
		c.form.FrameCheckboxChecked,
	}
}

// Open asks the active tab for its latest results and the coordinator for the
// last stored form. Answers arrive later as showResultsInPopup and
// restorePopupState.
func (c *Controller) Open(ctx context.Context) error {
	var errs []error
	if err := c.sendActive(ctx, message.RequestShowResultsInPopup, nil); err != nil {
		errs = append(errs, err)
	}
	env, err := message.New(message.RequestRestorePopupState, nil)
	if err != nil {
		return err
	}
	if err := c.transport.SendRuntime(ctx, env); err != nil {
		errs = append(errs, fmt.Errorf("request restore: %w", err))
	}
	return errors.Join(errs...)
}

type expression struct {
	Expression string  `json:"expression"`
	Method     string  `json:"method"`
	ResultType string  `json:"resultType"`
	Resolver   *string `json:"resolver"`
}

type executeMessage struct {
	Main             expression  `json:"main"`
	Context          *expression `json:"context,omitempty"`
	FrameDesignation *string     `json:"frameDesignation,omitempty"`
}

// ExecuteMessage builds the execute request from the current form.
func (c *Controller) ExecuteMessage() (message.Envelope, error) {
	form := c.Form()

	var resolver *string
	if form.ResolverCheckboxChecked {
		r := form.ResolverExpressionValue
		resolver = &r
	}

	way := wayAt(MainWays, form.MainWayIndex)
	msg := executeMessage{Main: expression{
		Expression: form.MainExpressionValue,
		Method:     way.Method,
		ResultType: way.ResultType,
		Resolver:   resolver,
	}}
	if form.ContextCheckboxChecked {
		way := wayAt(ContextWays, form.ContextWayIndex)
		msg.Context = &expression{
			Expression: form.ContextExpressionValue,
			Method:     way.Method,
			ResultType: way.ResultType,
			Resolver:   resolver,
		}
	}
	if form.FrameCheckboxChecked {
		frame := form.FrameExpressionValue
		msg.FrameDesignation = &frame
	}
	return message.New(message.Execute, msg)
}

// Execute sends the execute request to the active tab.
func (c *Controller) Execute(ctx context.Context) error {
	env, err := c.ExecuteMessage()
	if err != nil {
		return err
	}
	if err := c.transport.SendActiveTab(ctx, env); err != nil {
		return fmt.Errorf("send execute: %w", err)
	}
	return nil
}

// ShowAllResults asks the active tab to publish its full result set.
func (c *Controller) ShowAllResults(ctx context.Context) error {
	return c.sendActive(ctx, message.RequestShowAllResults, nil)
}

// SetStyle asks the active tab to apply the highlight stylesheet.
func (c *Controller) SetStyle(ctx context.Context) error {
	return c.sendActive(ctx, message.SetStyle, nil)
}

// ResetStyle asks the active tab to drop the highlight stylesheet.
func (c *Controller) ResetStyle(ctx context.Context) error {
	return c.sendActive(ctx, message.ResetStyle, nil)
}

func (c *Controller) sendActive(ctx context.Context, event message.Event, payload any) error {
	env, err := message.New(event, payload)
	if err != nil {
		return err
	}
	if err := c.transport.SendActiveTab(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// FocusItem asks the tab that produced the shown results to focus item index.
func (c *Controller) FocusItem(ctx context.Context, index int) error {
	return c.sendRelated(ctx, message.FocusItem, &index)
}

// FocusContextItem asks the tab that produced the shown results to focus the context node.
func (c *Controller) FocusContextItem(ctx context.Context) error {
	return c.sendRelated(ctx, message.FocusContextItem, nil)
}

type focusMessage struct {
	ExecutionID types.ExecutionID `json:"executionId"`
	Index       *int              `json:"index,omitempty"`
}

func (c *Controller) sendRelated(ctx context.Context, event message.Event, index *int) error {
	c.mu.Lock()
	results := c.results
	c.mu.Unlock()
	if results == nil {
		return ErrNoResults
	}

	env, err := message.New(event, focusMessage{ExecutionID: results.ExecutionID, Index: index})
	if err != nil {
		return err
	}
	if err := c.transport.SendTab(ctx, results.TabID, env); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// Close stores the form snapshot with the coordinator. It does not wait for an answer.
func (c *Controller) Close(ctx context.Context) error {
	state := c.Form()
	env, err := message.New(message.StorePopupState, struct {
		State types.PopupState `json:"state"`
	}{State: state})
	if err != nil {
		return err
	}
	if err := c.transport.SendRuntime(ctx, env); err != nil {
		return fmt.Errorf("store popup state: %w", err)
	}
	return nil
}

type showResultsMessage struct {
	ExecutionID types.ExecutionID `json:"executionId"`
	Message     string            `json:"message"`
	Main        struct {
		ItemDetails []ItemDetail `json:"itemDetails"`
	} `json:"main"`
	Context *struct {
		ItemDetail ItemDetail `json:"itemDetail"`
	} `json:"context"`
}

func (c *Controller) handleShowResults(_ context.Context, env message.Envelope, sender message.Sender, _ message.Reply) bool {
	if sender.TabID == "" {
		slog.Warn("popup results without sender tab", "event", env.Event)
		return false
	}
	var msg showResultsMessage
	if err := env.Decode(&msg); err != nil {
		slog.Warn("popup malformed results", "tab_id", sender.TabID, "error", err)
		return false
	}

	items := msg.Main.ItemDetails
	if len(items) > ResultItemLimit {
		items = items[:ResultItemLimit]
	}
	results := &Results{
		TabID:       sender.TabID,
		ExecutionID: msg.ExecutionID,
		Message:     msg.Message,
		Count:       len(msg.Main.ItemDetails),
		Items:       append([]ItemDetail(nil), items...),
	}
	if msg.Context != nil {
		detail := msg.Context.ItemDetail
		results.Context = &detail
	}

	c.mu.Lock()
	c.results = results
	c.publishLocked()
	return false
}

func (c *Controller) handleRestore(_ context.Context, env message.Envelope, _ message.Sender, _ message.Reply) bool {
	var msg struct {
		State *types.PopupState `json:"state"`
	}
	if err := env.Decode(&msg); err != nil {
		slog.Warn("popup malformed restore", "error", err)
		return false
	}

	c.mu.Lock()
	if msg.State != nil {
		c.form = *msg.State
	}
	c.refreshVisibilityLocked()
	c.publishLocked()
	return false
}

// publishLocked releases c.mu and hands the new view to the update callback.
func (c *Controller) publishLocked() {
	view := c.viewLocked()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn(view)
	}
}
