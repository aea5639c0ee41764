package cdpcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chromedp/cdproto/cdp"

	"github.com/dgnsrekt/tryxpath/internal/types"
)

// styleMarker tags the <style> elements this package owns.
const styleMarker = "data-tryxpath-css"

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// InsertCSS adds css as an author stylesheet to every frame of tab. Each call
// adds one more copy, mirroring the browser's insertCSS.
func (c *Client) InsertCSS(ctx context.Context, tab types.TabID, css string) error {
	return c.styleAllFrames(ctx, tab, jsInsertStyle(css))
}

// RemoveCSS removes one copy of css from every frame of tab. Frames without a
// matching stylesheet are left alone.
func (c *Client) RemoveCSS(ctx context.Context, tab types.TabID, css string) error {
	return c.styleAllFrames(ctx, tab, jsRemoveStyle(css))
}

// styleAllFrames runs js in the isolated world of every frame. The top frame
// must succeed; subframe failures (detached or out-of-process frames) are logged.
func (c *Client) styleAllFrames(ctx context.Context, tab types.TabID, js string) error {
	return c.onTab(ctx, tab, func(ctx context.Context, rc *rawCDP, sessionID string) error {
		frames, err := rc.frameIDs(ctx, sessionID)
		if err != nil {
			return err
		}
		var total StyleResult
		for i, frameID := range frames {
			res, err := runStyleScript(ctx, rc, sessionID, frameID, js)
			if err != nil {
				if i == 0 {
					return err
				}
				slog.Debug("cdpcontrol style script skipped frame", "tab_id", tab, "frame_id", frameID, "error", err)
				continue
			}
			total.Inserted += res.Inserted
			total.Removed += res.Removed
		}
		slog.Debug("cdpcontrol style applied", "tab_id", tab, "frames", len(frames), "inserted", total.Inserted, "removed", total.Removed)
		return nil
	})
}

func runStyleScript(ctx context.Context, rc *rawCDP, sessionID string, frameID cdp.FrameID, js string) (StyleResult, error) {
	worldID, err := rc.isolatedWorld(ctx, sessionID, frameID)
	if err != nil {
		return StyleResult{}, err
	}
	raw, err := rc.evaluate(ctx, sessionID, worldID, js)
	if err != nil {
		return StyleResult{}, err
	}
	return decodeStyleResult(raw)
}

func decodeStyleResult(raw string) (StyleResult, error) {
	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return StyleResult{}, newError(CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == "" {
			code = CodeEvalFailure
		}
		return StyleResult{}, newError(code, env.ErrorMessage, nil)
	}
	var res StyleResult
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &res); err != nil {
			return StyleResult{}, newError(CodeEvalFailure, "invalid evaluation data", err)
		}
	}
	return res, nil
}

func jsInsertStyle(css string) string {
	return wrapJSEval(fmt.Sprintf(`var root = document.head || document.documentElement;
if (!root) { return JSON.stringify({ok:true,data:{inserted:0}}); }
var el = document.createElement("style");
el.setAttribute(%s, "");
el.textContent = %s;
root.appendChild(el);
return JSON.stringify({ok:true,data:{inserted:1}});`, jsString(styleMarker), jsString(css)))
}

func jsRemoveStyle(css string) string {
	return wrapJSEval(fmt.Sprintf(`var css = %s;
var nodes = document.querySelectorAll("style[" + %s + "]");
for (var i = 0; i < nodes.length; i++) {
  if (nodes[i].textContent === css) {
    nodes[i].remove();
    return JSON.stringify({ok:true,data:{removed:1}});
  }
}
return JSON.stringify({ok:true,data:{removed:0}});`, jsString(css), jsString(styleMarker)))
}

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func wrapJSEval(body string) string {
	return `(function(){
try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + CodeEvalFailure + `",error_message:String(err && err.message || err)});
}
})()`
}
