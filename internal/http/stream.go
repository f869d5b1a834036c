package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/renderd/internal/orchestrator"
)

// EventError is the server-sent event name used for a failed stream.
const EventError = "error"

// handleRenderPromptStream streams chunks as server-sent events. Each chunk is
// one event named after its type (llm-delta, preview, final). A failure ends
// the stream with an error event carrying an ErrorResponse.
//
// A client that disconnects stops the producer at the next chunk; the
// invocation is then audited as cancelled.
func (s *Server) handleRenderPromptStream(c echo.Context) error {
	var req PromptRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return badRequest(c, "prompt field is required")
	}
	if !s.orch.Running() {
		return s.fail(c, orchestrator.ErrNotRunning)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	opts := renderOptions(c, req.Target, req.Metadata)
	for chunk, err := range s.orch.RenderPromptStream(ctx, req.Prompt, opts) {
		if err != nil {
			_, body := errorBody(err)
			if werr := writeEvent(w, EventError, body); werr != nil {
				s.logger.Debug("stream client gone before error event", zap.Error(werr))
			}
			return nil
		}
		if err := writeEvent(w, string(chunk.Type), chunk); err != nil {
			s.logger.Debug("stream client gone", zap.String("trace_id", chunk.TraceID), zap.Error(err))
			return nil
		}
	}
	return nil
}

// writeEvent writes one server-sent event and flushes it.
func writeEvent(w *echo.Response, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
