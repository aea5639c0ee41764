// Package message defines the envelope format shared by every execution context
// and the per-context router that dispatches envelopes to handlers.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgnsrekt/tryxpath/internal/types"
)

// Event names one message of the cross-context vocabulary.
type Event string

// Popup -> coordinator.
const (
	StorePopupState          Event = "storePopupState"
	RequestRestorePopupState Event = "requestRestorePopupState"
)

// Content -> coordinator.
const (
	ShowAllResults        Event = "showAllResults"
	UpdateCSS             Event = "updateCss"
	LoadOptions           Event = "loadOptions"
	RequestSetContentInfo Event = "requestSetContentInfo"
)

// Results view -> coordinator.
const (
	LoadResults Event = "loadResults"
)

// Coordinator -> popup (broadcast) and coordinator -> content (tab addressed).
const (
	RestorePopupState Event = "restorePopupState"
	FinishRemoveCSS   Event = "finishRemoveCss"
	FinishInsertCSS   Event = "finishInsertCss"
	SetContentInfo    Event = "setContentInfo"
)

// Popup -> content. Opaque to the coordinator.
const (
	Execute                   Event = "execute"
	RequestShowAllResults     Event = "requestShowAllResults"
	SetStyle                  Event = "setStyle"
	ResetStyle                Event = "resetStyle"
	RequestShowResultsInPopup Event = "requestShowResultsInPopup"
	FocusItem                 Event = "focusItem"
	FocusContextItem          Event = "focusContextItem"
)

// Content -> popup.
const (
	ShowResultsInPopup Event = "showResultsInPopup"
)

// CoordinatorEvents lists every event the coordinator must handle.
func CoordinatorEvents() []Event {
	return []Event{
		StorePopupState,
		RequestRestorePopupState,
		ShowAllResults,
		LoadResults,
		UpdateCSS,
		LoadOptions,
		RequestSetContentInfo,
	}
}

// PopupEvents lists every event the popup handles.
func PopupEvents() []Event {
	return []Event{ShowResultsInPopup, RestorePopupState}
}

// ErrNotObject is returned when an envelope payload is not a JSON object.
var ErrNotObject = errors.New("message: envelope must be a JSON object")

const eventKey = "event"

// Envelope is the generic {event, ...payload} message. The payload is kept as raw
// JSON so each handler decodes only the shape it expects.
type Envelope struct {
	Event Event
	raw   json.RawMessage
}

// New builds an envelope from an event and a payload that marshals to a JSON
// object (or nil for an empty payload).
func New(event Event, payload any) (Envelope, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("message: marshal %s payload: %w", event, err)
		}
		if !bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
			if err := json.Unmarshal(data, &fields); err != nil {
				return Envelope{}, fmt.Errorf("message: %s: %w", event, ErrNotObject)
			}
		}
	}
	name, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}
	fields[eventKey] = name
	raw, err := json.Marshal(fields)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, raw: raw}, nil
}

// Decode unmarshals the whole envelope (including the event field) into v.
func (e Envelope) Decode(v any) error {
	if len(e.raw) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.raw, v)
}

// Fields returns the payload fields with the routing tag removed.
func (e Envelope) Fields() (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(e.raw) > 0 {
		if err := json.Unmarshal(e.raw, &fields); err != nil {
			return nil, err
		}
	}
	delete(fields, eventKey)
	return fields, nil
}

// MarshalJSON writes the flat envelope object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if len(e.raw) == 0 {
		return json.Marshal(map[string]Event{eventKey: e.Event})
	}
	return e.raw, nil
}

// UnmarshalJSON keeps the raw object and extracts the event name.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrNotObject
	}
	var head struct {
		Event Event `json:"event"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return fmt.Errorf("message: decode envelope: %w", err)
	}
	e.Event = head.Event
	e.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

// ContextKind names the kind of execution context a message came from.
type ContextKind string

const (
	KindCoordinator ContextKind = "coordinator"
	KindPopup       ContextKind = "popup"
	KindResults     ContextKind = "results"
	KindContent     ContextKind = "content"
)

// ExtensionPage reports whether contexts of this kind receive runtime broadcasts.
func (k ContextKind) ExtensionPage() bool {
	return k == KindPopup || k == KindResults
}

// Sender identifies the context that sent an envelope.
type Sender struct {
	Kind    ContextKind   `json:"kind"`
	TabID   types.TabID   `json:"tabId,omitempty"`
	FrameID types.FrameID `json:"frameId,omitempty"`
	ConnID  string        `json:"connId,omitempty"`
}

// Reply answers a request. Calling it more than once has no effect.
type Reply func(payload any)
