// Package state holds the coordinator's shared singletons. Every value is
// replaced wholesale; readers always get a copy.
package state

import (
	"encoding/json"
	"sync"

	"github.com/dgnsrekt/tryxpath/internal/types"
)

// Options is the pair answered to loadOptions.
type Options struct {
	Attributes types.AttributesConfig `json:"attributes"`
	CSS        string                 `json:"css"`
}

// Snapshot is a consistent read of every singleton.
type Snapshot struct {
	PopupState *types.PopupState   `json:"popup_state"`
	Results    *types.ResultsBundle `json:"results"`
	Options    Options              `json:"options"`
}

// Store owns PopupState, ResultsBundle, AttributesConfig and StyleState.
type Store struct {
	mu         sync.RWMutex
	popup      *types.PopupState
	results    *types.ResultsBundle
	attributes types.AttributesConfig
	css        string
}

// NewStore creates a store with no popup state, no results and the given options.
func NewStore(attributes types.AttributesConfig, css string) *Store {
	return &Store{attributes: attributes, css: css}
}

// PopupState returns the last stored snapshot, or nil before the first store.
func (s *Store) PopupState() *types.PopupState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.popup == nil {
		return nil
	}
	cp := *s.popup
	return &cp
}

// SetPopupState replaces the popup snapshot. nil clears it.
func (s *Store) SetPopupState(ps *types.PopupState) {
	var next *types.PopupState
	if ps != nil {
		cp := *ps
		next = &cp
	}
	s.mu.Lock()
	s.popup = next
	s.mu.Unlock()
}

// Results returns the last bundle and whether one was ever stored.
func (s *Store) Results() (types.ResultsBundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.results == nil {
		return types.ResultsBundle{}, false
	}
	return copyBundle(*s.results), true
}

// SetResults replaces the results bundle.
func (s *Store) SetResults(b types.ResultsBundle) {
	cp := copyBundle(b)
	s.mu.Lock()
	s.results = &cp
	s.mu.Unlock()
}

// Attributes returns the current attribute mapping.
func (s *Store) Attributes() types.AttributesConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attributes
}

// SetAttributes replaces the attribute mapping.
func (s *Store) SetAttributes(a types.AttributesConfig) {
	s.mu.Lock()
	s.attributes = a
	s.mu.Unlock()
}

// CSS returns the style text currently considered applied.
func (s *Store) CSS() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.css
}

// SetCSS replaces the style text.
func (s *Store) SetCSS(css string) {
	s.mu.Lock()
	s.css = css
	s.mu.Unlock()
}

// Options returns attributes and css read together.
func (s *Store) Options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Options{Attributes: s.attributes, CSS: s.css}
}

// Snapshot returns every singleton read under one lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Options: Options{Attributes: s.attributes, CSS: s.css}}
	if s.popup != nil {
		cp := *s.popup
		snap.PopupState = &cp
	}
	if s.results != nil {
		cp := copyBundle(*s.results)
		snap.Results = &cp
	}
	return snap
}

func copyBundle(b types.ResultsBundle) types.ResultsBundle {
	fields := make(map[string]json.RawMessage, len(b.Fields))
	for k, v := range b.Fields {
		fields[k] = v
	}
	return types.ResultsBundle{TabID: b.TabID, Fields: fields}
}
