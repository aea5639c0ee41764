package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ExecutionID is the opaque token a content runner generates for one evaluation run.
type ExecutionID string

// PopupState is a complete snapshot of the popup form controls.
type PopupState struct {
	MainWayIndex            int    `json:"mainWayIndex"`
	MainExpressionValue     string `json:"mainExpressionValue"`
	ContextCheckboxChecked  bool   `json:"contextCheckboxChecked"`
	ContextWayIndex         int    `json:"contextWayIndex"`
	ContextExpressionValue  string `json:"contextExpressionValue"`
	ResolverCheckboxChecked bool   `json:"resolverCheckboxChecked"`
	ResolverExpressionValue string `json:"resolverExpressionValue"`
	FrameCheckboxChecked    bool   `json:"frameCheckboxChecked"`
	FrameExpressionValue    string `json:"frameExpressionValue"`
}

// AttributesConfig maps a semantic role to the DOM marker attribute the content
// runner sets on matching nodes.
type AttributesConfig struct {
	Element         string `json:"element" yaml:"element"`
	Context         string `json:"context" yaml:"context"`
	Focused         string `json:"focused" yaml:"focused"`
	FocusedAncestor string `json:"focusedAncestor" yaml:"focused_ancestor"`
	Frame           string `json:"frame" yaml:"frame"`
	FrameAncestor   string `json:"frameAncestor" yaml:"frame_ancestor"`
}

// DefaultAttributes returns the built-in attribute mapping.
func DefaultAttributes() AttributesConfig {
	return AttributesConfig{
		Element:         "data-tryxpath-element",
		Context:         "data-tryxpath-context",
		Focused:         "data-tryxpath-focused",
		FocusedAncestor: "data-tryxpath-focused-ancestor",
		Frame:           "data-tryxpath-frame",
		FrameAncestor:   "data-tryxpath-frame-ancestor",
	}
}

// Merge returns a copy of a with every empty field taken from fallback.
func (a AttributesConfig) Merge(fallback AttributesConfig) AttributesConfig {
	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	return AttributesConfig{
		Element:         pick(a.Element, fallback.Element),
		Context:         pick(a.Context, fallback.Context),
		Focused:         pick(a.Focused, fallback.Focused),
		FocusedAncestor: pick(a.FocusedAncestor, fallback.FocusedAncestor),
		Frame:           pick(a.Frame, fallback.Frame),
		FrameAncestor:   pick(a.FrameAncestor, fallback.FrameAncestor),
	}
}

// ResultsBundle is the last full result set produced by a content runner.
// Fields holds the payload verbatim (minus the routing tag); the coordinator
// never interprets it.
type ResultsBundle struct {
	TabID  TabID
	Fields map[string]json.RawMessage
}

// MarshalJSON flattens the payload fields and adds "tabId".
func (b ResultsBundle) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(b.Fields)+1)
	for k, v := range b.Fields {
		out[k] = v
	}
	tab, err := json.Marshal(b.TabID)
	if err != nil {
		return nil, err
	}
	out["tabId"] = tab
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (b *ResultsBundle) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var tab TabID
	if raw, ok := fields["tabId"]; ok {
		if err := json.Unmarshal(raw, &tab); err != nil {
			return fmt.Errorf("results bundle tabId: %w", err)
		}
		delete(fields, "tabId")
	}
	b.TabID = tab
	b.Fields = fields
	return nil
}

// CSSSet is a set of stylesheet texts. On the wire it is either an object whose
// keys are the texts ({"a{}":true}) or an array of texts.
type CSSSet []string

// UnmarshalJSON accepts both wire forms and removes duplicates.
func (s *CSSSet) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = nil
		return nil
	}

	var texts []string
	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return fmt.Errorf("css set: %w", err)
		}
		for k := range obj {
			texts = append(texts, k)
		}
		sort.Strings(texts)
	case '[':
		if err := json.Unmarshal(trimmed, &texts); err != nil {
			return fmt.Errorf("css set: %w", err)
		}
	default:
		return fmt.Errorf("css set: unexpected JSON %q", string(trimmed[:1]))
	}

	seen := make(map[string]bool, len(texts))
	out := make(CSSSet, 0, len(texts))
	for _, t := range texts {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	*s = out
	return nil
}

// MarshalJSON writes the object-keyed form.
func (s CSSSet) MarshalJSON() ([]byte, error) {
	obj := make(map[string]bool, len(s))
	for _, t := range s {
		obj[t] = true
	}
	return json.Marshal(obj)
}
