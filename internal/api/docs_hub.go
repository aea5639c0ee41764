package api

const hubDocsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Message Hub — tryxpath</title>
  <style>
    body {
      margin: 0 auto;
      max-width: 900px;
      padding: 24px;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
      font-size: 14px;
      line-height: 1.65;
      background: #0d1117;
      color: #c9d1d9;
    }
    a { color: #58a6ff; text-decoration: none; }
    h1, h2, h3 { color: #e6edf3; }
    h2 { border-bottom: 1px solid #30363d; padding-bottom: 4px; margin-top: 32px; }
    code { background: #161b22; padding: 1px 5px; border-radius: 4px; }
    pre { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 12px; overflow-x: auto; }
    pre code { padding: 0; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #30363d; padding: 6px 10px; text-align: left; vertical-align: top; }
    th { background: #161b22; }
  </style>
</head>
<body>
  <p><a href="/docs">← API reference</a></p>
  <h1>Message Hub</h1>

  <h2 id="overview">Overview</h2>
  <p>
    Every execution context (popup, results view, content runner) keeps one websocket to
    <code>GET /ws</code>. The hub routes messages between contexts and answers requests
    addressed to the coordinator. Delivery is best-effort: a message nobody receives is dropped.
  </p>

  <h2 id="connect">Connecting</h2>
  <table>
    <tr><th>Parameter</th><th>Meaning</th></tr>
    <tr><td><code>kind</code></td><td><code>popup</code>, <code>results</code> or <code>content</code></td></tr>
    <tr><td><code>tab</code></td><td>Tab id (CDP target id). Required for <code>content</code>.</td></tr>
    <tr><td><code>frame</code></td><td>Frame id of a content runner. Defaults to the tab id (top frame).</td></tr>
  </table>
  <pre><code>ws://127.0.0.1:8787/ws?kind=content&amp;tab=B0D5A8E8...&amp;frame=B0D5A8E8...</code></pre>

  <h2 id="frames">Frames</h2>
  <p>Each text message is one JSON frame:</p>
  <pre><code>{
  "kind": "runtime" | "tab" | "reply",
  "tabId": "...",          // tab frames
  "activeTab": true,       // tab frames addressed to the active tab
  "requestId": "...",      // set when the sender wants a reply
  "sender": { ... },       // filled in by the hub on delivery
  "message": { "event": "...", ... },
  "payload": ...           // reply frames
}</code></pre>
  <table>
    <tr><th>Kind</th><th>Routing</th></tr>
    <tr><td><code>runtime</code></td><td>The coordinator and every other popup/results page.</td></tr>
    <tr><td><code>tab</code></td><td>Every content runner of <code>tabId</code>, or of the active tab when <code>activeTab</code> is set.</td></tr>
    <tr><td><code>reply</code></td><td>Back to the context that sent <code>requestId</code>. Exactly one reply per request; a handler that does not answer yields <code>null</code>.</td></tr>
  </table>

  <h2 id="events">Events handled by the coordinator</h2>
  <table>
    <tr><th>Event</th><th>Payload</th><th>Effect</th></tr>
    <tr><td><code>storePopupState</code></td><td><code>{state}</code></td><td>Replaces the stored popup form.</td></tr>
    <tr><td><code>requestRestorePopupState</code></td><td>none</td><td>Broadcasts <code>restorePopupState {state}</code>.</td></tr>
    <tr><td><code>showAllResults</code></td><td>result fields</td><td>Stores them with the sender's tab id and opens <code>/results</code>.</td></tr>
    <tr><td><code>loadResults</code></td><td>none</td><td>Replies with the stored bundle or <code>null</code>.</td></tr>
    <tr><td><code>updateCss</code></td><td><code>{expiredCssSet}</code></td><td>Removes expired sheets and inserts the current one; confirms with <code>finishRemoveCss</code>/<code>finishInsertCss</code>.</td></tr>
    <tr><td><code>loadOptions</code></td><td>none</td><td>Replies <code>{attributes, css}</code>.</td></tr>
    <tr><td><code>requestSetContentInfo</code></td><td>none</td><td>Sends <code>setContentInfo {attributes}</code> to the sender's tab.</td></tr>
  </table>

  <h2 id="sse">Event stream</h2>
  <p>
    <code>GET /api/v1/events</code> mirrors every runtime message as a server-sent event named after
    the message event. Each event carries a sequence <code>id</code> and
    <code>data: {"sender": {...}, "message": {...}}</code>. Limit the stream with
    <code>?events=restorePopupState,showResultsInPopup</code>. A client reconnecting with
    <code>Last-Event-ID</code> (or <code>?after=</code>) first receives the remembered events it missed.
  </p>
  <pre><code>curl -N http://127.0.0.1:8787/api/v1/events</code></pre>

  <h2 id="notes">Notes</h2>
  <ul>
    <li>Each connection has a bounded write queue; a slow reader loses frames rather than stalling others.</li>
    <li>Closing a tab disconnects its content runners.</li>
    <li>The hub has no authentication. Keep the coordinator bound to <code>127.0.0.1</code>.</li>
  </ul>
</body>
</html>`
