package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/andresmejia3/deepscan/internal/pipeline"
	"github.com/andresmejia3/deepscan/internal/types"
)

// sseWriter frames events as "data: <json>\n\n" and flushes each one.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSE(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) send(ev types.StreamEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	return s.rc.Flush()
}

// relay runs the analysis and forwards its events until the stream closes or the client leaves.
func (s *Server) relay(ctx context.Context, sse *sseWriter, req pipeline.Request) {
	s.deps.Metrics.StreamOpened()
	defer s.deps.Metrics.StreamClosed()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for ev := range s.deps.Analyzer.Stream(ctx, req) {
		if err := sse.send(ev); err != nil {
			s.log.Info().Str("task_id", req.TaskID).Err(err).Msg("client left the stream")
			return
		}
		if ev.Terminal() {
			s.log.Info().Str("task_id", req.TaskID).Str("event", string(ev.Type)).Msg("analysis delivered")
		}
	}
}
