// internal/controller/ops_controller.go
package controller

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
)

type OutboxWriter interface {
	Write(ctx context.Context, intent model.OutboundIntent) (*model.OutboundMessage, error)
}

type DeadLetterLister interface {
	List(ctx context.Context, page, pageSize int) ([]model.DeadLetterJob, map[string]int, error)
}

// OpsController serves the internal operator API. Every route requires the
// shared bearer token; with no token configured the API is closed.
type OpsController struct {
	Outbox      OutboxWriter
	DeadLetters DeadLetterLister
	Token       string
	Log         *zap.Logger
}

func (c *OpsController) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || c.Token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(c.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// EnqueueOutbound handles POST /internal/outbox.
func (c *OpsController) EnqueueOutbound(w http.ResponseWriter, r *http.Request) {
	var body model.OutboundIntent
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	msg, err := c.Outbox.Write(r.Context(), body)
	if err != nil {
		if appErrors.KindOf(err) == appErrors.KindValidation {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		c.Log.Error("Failed to enqueue outbound message", zap.String("correlation_id", body.CorrelationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue message")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":             msg.ID,
		"status":         msg.Status,
		"correlation_id": msg.CorrelationID,
	})
}

// ListDeadLetters handles GET /internal/dead-letters.
func (c *OpsController) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	jobs, pagination, err := c.DeadLetters.List(r.Context(), page, pageSize)
	if err != nil {
		c.Log.Error("Failed to list dead letters", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data":       jobs,
		"pagination": pagination,
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
