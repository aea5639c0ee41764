package cdp

import (
	"context"
	"sort"
	"sync"

	"github.com/dgnsrekt/tryxpath/internal/types"
)

// TabRegistry tracks the page targets the browser reports.
type TabRegistry struct {
	tabs map[types.TabID]*types.TabInfo
	mu   sync.RWMutex
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{tabs: make(map[types.TabID]*types.TabInfo)}
}

// Register adds or refreshes a tab and returns a copy of its info.
func (r *TabRegistry) Register(tabID types.TabID, url, title string) types.TabInfo {
	info := &types.TabInfo{
		TabID:   tabID,
		URL:     url,
		Title:   title,
		ShortID: types.ShortTabID(tabID),
	}

	r.mu.Lock()
	if prev, ok := r.tabs[tabID]; ok {
		info.Attached = prev.Attached
	}
	r.tabs[tabID] = info
	r.mu.Unlock()

	return *info
}

// SetAttached records whether a content runner is connected for the tab.
func (r *TabRegistry) SetAttached(tabID types.TabID, attached bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.tabs[tabID]; ok {
		info.Attached = attached
	}
}

func (r *TabRegistry) Get(tabID types.TabID) (*types.TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tabs[tabID]
	if !ok {
		return nil, false
	}
	cp := *info
	return &cp, true
}

func (r *TabRegistry) Remove(tabID types.TabID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tabs[tabID]
	delete(r.tabs, tabID)
	return ok
}

func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}

// List returns every tab ordered by id.
func (r *TabRegistry) List() []types.TabInfo {
	r.mu.RLock()
	out := make([]types.TabInfo, 0, len(r.tabs))
	for _, info := range r.tabs {
		out = append(out, *info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// ListTabs adapts List to the context-taking lister used by the API.
func (r *TabRegistry) ListTabs(context.Context) ([]types.TabInfo, error) {
	return r.List(), nil
}
