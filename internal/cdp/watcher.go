package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/tryxpath/internal/types"
)

// TabLister returns the browser's current page tabs.
type TabLister interface {
	ListTabs(ctx context.Context) ([]types.TabInfo, error)
}

// Watcher follows target lifecycle events over a chromedp browser connection
// and keeps a TabRegistry in sync with the open pages.
type Watcher struct {
	cdpURL   string
	lister   TabLister
	registry *TabRegistry

	mu       sync.Mutex
	onClosed []func(types.TabID)
}

func NewWatcher(cdpURL string, lister TabLister, registry *TabRegistry) *Watcher {
	if registry == nil {
		registry = NewTabRegistry()
	}
	return &Watcher{cdpURL: cdpURL, lister: lister, registry: registry}
}

func (w *Watcher) Registry() *TabRegistry {
	return w.registry
}

// OnClosed registers fn to run whenever a page target is destroyed.
func (w *Watcher) OnClosed(fn func(types.TabID)) {
	w.mu.Lock()
	w.onClosed = append(w.onClosed, fn)
	w.mu.Unlock()
}

// Run connects to the browser and blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, w.cdpURL)
	defer allocCancel()

	// Attaching to an existing page keeps chromedp from opening a blank tab
	// that would then look like the active one.
	var opts []chromedp.ContextOption
	if w.lister != nil {
		tabs, err := w.lister.ListTabs(ctx)
		if err != nil {
			return fmt.Errorf("list tabs: %w", err)
		}
		for _, tab := range tabs {
			w.registry.Register(tab.TabID, tab.URL, tab.Title)
		}
		if len(tabs) > 0 {
			opts = append(opts, chromedp.WithTargetID(target.ID(tabs[0].TabID)))
		}
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx, opts...)
	defer browserCancel()

	chromedp.ListenBrowser(browserCtx, w.handleEvent)

	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, c.Browser))
	}))
	if err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}

	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		return fmt.Errorf("get targets: %w", err)
	}
	for _, t := range targets {
		w.upsert(t)
	}
	slog.Info("cdp watcher connected", "tabs", w.registry.Count())

	<-ctx.Done()
	return nil
}

func (w *Watcher) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		w.upsert(e.TargetInfo)
	case *target.EventTargetInfoChanged:
		w.upsert(e.TargetInfo)
	case *target.EventTargetDestroyed:
		w.closed(types.TabID(e.TargetID))
	case *target.EventTargetCrashed:
		w.closed(types.TabID(e.TargetID))
	}
}

func (w *Watcher) upsert(info *target.Info) {
	if info == nil || info.Type != "page" || strings.HasPrefix(info.URL, "devtools://") {
		return
	}
	w.registry.Register(types.TabID(info.TargetID), info.URL, info.Title)
}

func (w *Watcher) closed(tab types.TabID) {
	if !w.registry.Remove(tab) {
		return
	}
	slog.Debug("cdp watcher tab closed", "tab_id", tab)

	w.mu.Lock()
	fns := append([]func(types.TabID){}, w.onClosed...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(tab)
	}
}
