package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/sbtc-signer/signer/internal/ingest"
)

// NewBlockHandler serves POST /new_block, the upstream Stacks node's
// block-notification webhook. A malformed body or a per-event logical
// failure answers 200 (the node must not retry indefinitely); only a
// transient local storage failure answers 500, to elicit the node's
// documented one-second retry (spec.md §4.E, §6).
func NewBlockHandler(ing *ingest.Ingestor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			slog.Warn("failed to read new_block request body", "error", err)
			w.WriteHeader(http.StatusOK)
			return
		}

		if err := ing.Handle(r.Context(), body); err != nil {
			slog.Warn("new_block handling hit a transient error, asking for retry", "error", err)
			http.Error(w, "transient storage error", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}
