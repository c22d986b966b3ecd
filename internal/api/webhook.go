package api

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/commentflow/internal/db"
	"github.com/lalithlochan/commentflow/internal/ingest"
)

// maxWebhookBody bounds webhook reads.
const maxWebhookBody = 1 << 20

// VerifyWebhook handles GET /webhook, the subscription handshake.
func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.config.VerifyToken == "" || q.Get("hub.verify_token") != h.config.VerifyToken {
		h.logger.Warn("webhook verification rejected", zap.String("mode", q.Get("hub.mode")))
		h.writeError(w, http.StatusForbidden, "forbidden", "Verification failed", "")
		return
	}

	h.logger.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// ReceiveWebhook handles POST /webhook. Malformed changes are dropped; a
// store failure answers 500 so the platform redelivers.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}

	inputs, errs := ingest.ParseWebhook(body)
	for _, err := range errs {
		h.logger.Warn("dropping webhook change", zap.Error(err))
	}

	if h.publisher != nil {
		inputs = h.enqueue(r, inputs)
	}

	if len(inputs) > 0 {
		res, err := h.ingestor.Ingest(ctx, inputs)
		if err != nil {
			h.storeError(w, err, "")
			return
		}
		h.logger.Debug("webhook ingested",
			zap.Int("received", res.Received),
			zap.Int("created", res.Created),
			zap.Int("dropped", res.Dropped),
		)
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "EVENT_RECEIVED")
}

// enqueue publishes inputs and returns the ones that could not be queued,
// which are then stored inline.
func (h *Handler) enqueue(r *http.Request, inputs []db.CommentInput) []db.CommentInput {
	var rest []db.CommentInput
	for i, in := range inputs {
		msgID, err := h.publisher.Enqueue(r.Context(), in)
		if err != nil {
			h.logger.Warn("queue unavailable, storing webhook comments inline", zap.Error(err))
			rest = append(rest, inputs[i:]...)
			break
		}
		h.logger.Debug("webhook comment enqueued",
			zap.String("comment_id", in.CommentID),
			zap.String("sqs_message_id", msgID),
		)
	}
	return rest
}
