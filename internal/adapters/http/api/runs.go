package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/okian/textrewards/internal/adapters/mq/queue"
	"github.com/okian/textrewards/internal/domain/types"
)

const maxRunBody = 1 << 16

// RunsHandler accepts run requests.
type RunsHandler struct {
	deps Dependencies
}

// NewRunsHandler creates the handler.
func NewRunsHandler(deps Dependencies) *RunsHandler {
	return &RunsHandler{deps: deps}
}

// HandlePostRun handles POST /runs. A delivery seen before is acknowledged
// without a second run.
func (h *RunsHandler) HandlePostRun(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_run"
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		return
	}

	var req types.RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	req.ReceivedAt = time.Now()
	key := req.Key()

	ctx := r.Context()
	if h.deps.SeenAndRecord(ctx, key) {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", DeliveryID: key, Duplicate: true})
		return
	}

	if err := h.deps.Enqueue(ctx, req); err != nil {
		h.deps.Unrecord(ctx, key)
		if errors.Is(err, queue.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "shutting_down", WrapKind(op, ErrUnavailable, err))
			return
		}
		writeError(w, http.StatusTooManyRequests, "backpressure", WrapKind(op, ErrBackpressure, err))
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted", DeliveryID: key})
}
