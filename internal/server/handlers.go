package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/conneroisu/stencil/internal/snapshot"
	"github.com/conneroisu/stencil/internal/version"
)

const reloadScript = `<script>
(function() {
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "` + SocketPath + `");
  ws.onmessage = function(event) {
    var msg = JSON.parse(event.data);
    if (msg.type === "reload") { location.reload(); }
  };
})();
</script>`

// handleView renders the view named by the path. Query parameters become
// render tags; repeated parameters use their first value.
func (s *PreviewServer) handleView(w http.ResponseWriter, r *http.Request) {
	key := strings.Trim(r.PathValue("key"), "/")
	if key == "" {
		http.NotFound(w, r)
		return
	}

	tags := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			tags[name] = values[0]
		}
	}

	page, ok := s.engine.Render(key, tags)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if s.InjectReload && !s.engine.Compiler().IsFragment(key) {
		page = injectReloadScript(page)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(page))
}

// injectReloadScript places the script before the last </body>, or at the
// end of pages without one.
func injectReloadScript(page string) string {
	idx := strings.LastIndex(strings.ToLower(page), "</body>")
	if idx < 0 {
		return page + reloadScript
	}
	return page[:idx] + reloadScript + page[idx:]
}

func (s *PreviewServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	blob, err := s.engine.EncodeSnapshot()
	if err != nil {
		s.logger.Error(r.Context(), err, "encoding snapshot")
		http.Error(w, "snapshot unavailable", http.StatusInternalServerError)
		return
	}

	contentType := "application/json"
	if s.engine.SnapshotFormat() == snapshot.FormatMsgpack {
		contentType = "application/x-msgpack"
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(blob)
}

// HealthResponse is the body of the health endpoint
type HealthResponse struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	Templates int           `json:"templates"`
	Views     int           `json:"views"`
	Clients   int           `json:"clients"`
	Compiles  CompileCounts `json:"compiles"`
	// Cycles lists include cycles left in the dependency graph by failed
	// compiles; any cycle degrades the status
	Cycles [][]string `json:"cycles,omitempty"`
}

// CompileCounts summarizes compiler activity
type CompileCounts struct {
	Total            int64  `json:"total"`
	Successful       int64  `json:"successful"`
	Failed           int64  `json:"failed"`
	Renders          int64  `json:"renders"`
	MalformedRenders int64  `json:"malformed_renders"`
	AverageDuration  string `json:"average_duration"`
}

func (s *PreviewServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	templates, views := s.engine.Store().Count()
	metrics := s.engine.Compiler().Metrics().GetSnapshot()
	cycles := s.engine.Store().DetectCircularDependencies()

	status := "healthy"
	if len(cycles) > 0 {
		status = "degraded"
	}

	writeJSON(w, HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Version:   version.GetShortVersion(),
		Templates: templates,
		Views:     views,
		Clients:   s.ClientCount(),
		Compiles: CompileCounts{
			Total:            metrics.TotalCompiles,
			Successful:       metrics.SuccessfulCompiles,
			Failed:           metrics.FailedCompiles,
			Renders:          metrics.Renders,
			MalformedRenders: metrics.MalformedRenders,
			AverageDuration:  metrics.AverageDuration.String(),
		},
		Cycles: cycles,
	})
}

func (s *PreviewServer) handleViewIndex(w http.ResponseWriter, r *http.Request) {
	views := s.engine.Store().Views()
	keys := make([]string, 0, len(views))
	for _, v := range views {
		keys = append(keys, v.FullName)
	}
	sort.Strings(keys)
	writeJSON(w, map[string][]string{"views": keys})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}
