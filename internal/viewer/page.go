package viewer

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter serves the viewer page at / and the event feed at /ws.
func NewRouter(hub *Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	})
	r.Get("/ws", hub.ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

const page = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Transcript Viewer</title>
<style>
  body { font-family: sans-serif; margin: 2rem; background: #fafafa; }
  .session { border: 1px solid #ddd; background: #fff; margin-bottom: 1rem; padding: 0.75rem; }
  .session h2 { font-size: 0.9rem; color: #555; margin: 0 0 0.5rem; }
  .line { margin: 0.2rem 0; }
  .corrected { color: #0a6; }
  .warn { color: #b70; }
  .error { color: #c00; }
  .stopped { color: #777; font-style: italic; }
</style>
</head>
<body>
<h1>Transcript Viewer</h1>
<div id="status">connecting...</div>
<div id="sessions"></div>
<script>
const sessions = {};
function box(id) {
  if (!sessions[id]) {
    const el = document.createElement("div");
    el.className = "session";
    el.innerHTML = "<h2></h2>";
    el.querySelector("h2").textContent = id;
    document.getElementById("sessions").prepend(el);
    sessions[id] = el;
  }
  return sessions[id];
}
function line(id, cls, text) {
  const p = document.createElement("div");
  p.className = "line " + cls;
  p.textContent = text;
  box(id).appendChild(p);
}
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onopen = () => { document.getElementById("status").textContent = "connected"; };
ws.onclose = () => { document.getElementById("status").textContent = "disconnected"; };
ws.onmessage = (msg) => {
  const f = JSON.parse(msg.data);
  switch (f.type) {
    case "transcription.chunk":
      line(f.sessionId, f.corrected ? "corrected" : "", f.text + " (" + (f.confidence || 0).toFixed(2) + ")");
      break;
    case "audio.quality.warning":
      line(f.sessionId, "warn", f.detail);
      break;
    case "transcription.error":
      line(f.sessionId, "error", f.detail);
      break;
    case "streaming.stopped":
      line(f.sessionId, "stopped", "stopped: " + f.reason + ", " + (f.minutes || 0) + " min");
      break;
  }
};
</script>
</body>
</html>
`
