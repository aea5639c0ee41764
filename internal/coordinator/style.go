package coordinator

import (
	"context"
	"log/slog"

	"github.com/dgnsrekt/tryxpath/internal/message"
	"github.com/dgnsrekt/tryxpath/internal/types"
)

type updateCSSMessage struct {
	ExpiredCSSSet types.CSSSet `json:"expiredCssSet"`
}

// updateCSS removes every expired stylesheet from all frames of the sender's tab
// and inserts the current one. Each removal and the insertion is its own task;
// a task that succeeds confirms to the tab, a task that fails stays silent.
// Nothing orders the confirmations relative to each other.
func (c *Coordinator) updateCSS(ctx context.Context, env message.Envelope, sender message.Sender, _ message.Reply) bool {
	if sender.TabID == "" {
		slog.Warn("coordinator: updateCss without a sender tab", "sender_kind", sender.Kind)
		return false
	}
	var msg updateCSSMessage
	if err := env.Decode(&msg); err != nil {
		slog.Warn("coordinator: malformed updateCss", "tab_id", sender.TabID, "error", err)
		return false
	}

	tab := sender.TabID
	for _, expired := range msg.ExpiredCSSSet {
		c.spawn(func() { c.removeCSS(ctx, tab, expired) })
	}

	css := c.state.CSS()
	c.spawn(func() { c.insertCSS(ctx, tab, css) })

	slog.Debug("coordinator: css update scheduled", "tab_id", tab, "expired", len(msg.ExpiredCSSSet), "insert_bytes", len(css))
	return false
}

func (c *Coordinator) removeCSS(ctx context.Context, tab types.TabID, css string) {
	if err := c.tabs.RemoveCSS(ctx, tab, css); err != nil {
		slog.Debug("coordinator: remove css failed", "tab_id", tab, "error", err)
		return
	}
	c.sendToTab(ctx, tab, message.FinishRemoveCSS, map[string]string{"css": css})
}

func (c *Coordinator) insertCSS(ctx context.Context, tab types.TabID, css string) {
	if err := c.tabs.InsertCSS(ctx, tab, css); err != nil {
		slog.Debug("coordinator: insert css failed", "tab_id", tab, "error", err)
		return
	}
	c.sendToTab(ctx, tab, message.FinishInsertCSS, map[string]string{"css": css})
}
