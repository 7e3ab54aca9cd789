package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/seantiz/pipelined/internal/model"
)

func (s *Server) handleStdout(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.ownedExecution(w, r)
	if !ok {
		return
	}
	s.serveStream(w, s.engine.Layout().StdoutPath(ex.Creator, ex.ID))
}

func (s *Server) handleStderr(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.ownedExecution(w, r)
	if !ok {
		return
	}
	s.serveStream(w, s.engine.Layout().StderrPath(ex.Creator, ex.ID))
}

// serveStream copies a captured worker stream as plain text.
func (s *Server) serveStream(w http.ResponseWriter, path string) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		s.writeError(w, http.StatusNotFound, codePathDoesNotExist, "File/directory does not exist")
		return
	}
	if err != nil {
		s.writeDomainError(w, "open stream", err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("copy stream", "path", path, "error", err)
	}
}

// handleStreamEvents streams status changes of one execution as SSE until
// it reaches a terminal status.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.ownedExecution(w, r)
	if !ok {
		return
	}

	// Subscribe before reading the status: the broker closes its topics only
	// after the terminal status is stored, so one of the two reports the end.
	ch, unsub := s.engine.Broker().Subscribe(ex.ID)
	defer unsub()

	current, err := s.store.GetExecution(r.Context(), ex.ID)
	if err != nil {
		s.writeDomainError(w, "get execution", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if model.IsTerminal(current.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", current.Status)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	eventStreamsOpen.Inc()
	defer eventStreamsOpen.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode status event", "error", err)
				continue
			}
			if err := writeSSEData(w, string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEData writes one SSE data event. Multi-line strings are split so
// that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, data string) error {
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
