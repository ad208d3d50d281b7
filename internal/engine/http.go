package engine

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/forgeworks/forge/internal/api"
	"github.com/forgeworks/forge/internal/queue"
)

// sharedSecretHeader authenticates push-mode consume requests.
const sharedSecretHeader = "x-shared-secret"

// maxConsumeBodySize bounds the consume request body. Run messages are tiny.
const maxConsumeBodySize = 64 * 1024

// consumeResponse is the envelope for push-mode consume results.
type consumeResponse struct {
	OK      bool          `json:"ok"`
	Outcome queue.Outcome `json:"outcome"`
}

// NewConsumeRouter builds the engine's push-mode HTTP surface: a health
// endpoint and a consume endpoint that processes one run message
// synchronously. The queue bridge retries on 503 and drops on 202.
func (e *Engine) NewConsumeRouter(sharedSecret string) http.Handler {
	r := chi.NewRouter()
	r.Use(api.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeConsumeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "forged-engine"})
	})

	r.Post("/__queue/consume", func(w http.ResponseWriter, req *http.Request) {
		if !secretMatches(req.Header.Get(sharedSecretHeader), sharedSecret) {
			writeConsumeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(req.Body, maxConsumeBodySize))
		if err != nil {
			writeConsumeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "unreadable body"})
			return
		}
		msg, err := queue.Decode(body)
		if err != nil {
			// A malformed message can never be processed; report it consumed
			// so the sender does not redeliver forever.
			e.log.WarnContext(req.Context(), "consume.message.invalid", "error", err)
			writeConsumeJSON(w, http.StatusAccepted, consumeResponse{OK: true, Outcome: queue.OutcomeAck})
			return
		}

		switch outcome := e.HandleMessage(req.Context(), msg); outcome {
		case queue.OutcomeRetry:
			writeConsumeJSON(w, http.StatusServiceUnavailable, consumeResponse{OK: false, Outcome: queue.OutcomeRetry})
		default:
			writeConsumeJSON(w, http.StatusAccepted, consumeResponse{OK: true, Outcome: outcome})
		}
	})

	return r
}

func secretMatches(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeConsumeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
