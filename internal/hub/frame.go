package hub

import (
	"encoding/json"

	"github.com/dgnsrekt/tryxpath/internal/message"
	"github.com/dgnsrekt/tryxpath/internal/types"
)

// FrameKind selects how the hub routes a frame.
type FrameKind string

const (
	// FrameRuntime goes to the coordinator and every other extension page.
	FrameRuntime FrameKind = "runtime"
	// FrameTab goes to every content runner of one tab.
	FrameTab FrameKind = "tab"
	// FrameReply answers an earlier frame carrying the same RequestID.
	FrameReply FrameKind = "reply"
)

// Frame is one websocket text message.
type Frame struct {
	Kind      FrameKind         `json:"kind"`
	TabID     types.TabID       `json:"tabId,omitempty"`
	ActiveTab bool              `json:"activeTab,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Sender    *message.Sender   `json:"sender,omitempty"`
	Message   *message.Envelope `json:"message,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
}

// ReplyFrame builds the answer to requestID.
func ReplyFrame(requestID string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: FrameReply, RequestID: requestID, Payload: data}, nil
}
