package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/bulkmail/internal/apperr"
	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/pkg/logger"
	"github.com/ignite/bulkmail/internal/queue"
	"github.com/ignite/bulkmail/internal/store"
)

// maxRecipientsPerCall bounds one intake call; larger campaigns are
// split client-side by topic.
const maxRecipientsPerCall = 10_000

// maxCallbackBody bounds provider callback payloads.
const maxCallbackBody = 1 << 20

// Handlers holds dependencies for HTTP handlers
type Handlers struct {
	store *store.Store
	sendQ *queue.Queue[*domain.Request]
}

// NewHandlers creates a new Handlers instance
func NewHandlers(st *store.Store, sendQ *queue.Queue[*domain.Request]) *Handlers {
	return &Handlers{store: st, sendQ: sendQ}
}

// messageInput is one message in an intake call.
type messageInput struct {
	TopicID string   `json:"topic_id"`
	Emails  []string `json:"emails"`
	Subject string   `json:"subject"`
	Content string   `json:"content"`
}

// createRequest is the intake body. ScheduledAt sits at the top level
// and applies to every message in the call.
type createRequest struct {
	Messages    []messageInput `json:"messages"`
	ScheduledAt string         `json:"scheduled_at,omitempty"`
}

type createResponse struct {
	Total      int    `json:"total"`
	Success    int    `json:"success"`
	Errors     int    `json:"errors"`
	DurationMS int64  `json:"duration_ms"`
	Scheduled  bool   `json:"scheduled"`
	Error      string `json:"error,omitempty"`
}

// CreateMessages accepts a batch of messages, persists one content row
// per message and one request row per recipient, and feeds unscheduled
// requests straight to the send queue.
func (h *Handlers) CreateMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.New(apperr.BadRequest, "Invalid request body"))
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, apperr.New(apperr.BadRequest, "No messages provided"))
		return
	}

	total := 0
	for _, m := range req.Messages {
		total += len(m.Emails)
	}
	if total > maxRecipientsPerCall {
		respondError(w, apperr.New(apperr.BadRequest,
			fmt.Sprintf("Too many recipients: %d exceeds the limit of %d per call", total, maxRecipientsPerCall)))
		return
	}

	contents := make([]*domain.Content, len(req.Messages))
	for i, m := range req.Messages {
		contents[i] = &domain.Content{Subject: m.Subject, Body: m.Content}
	}
	if err := h.store.SaveContents(ctx, contents); err != nil {
		logger.Error("Content save failed", "error", err.Error())
		respondError(w, err)
		return
	}

	// Immediate requests go straight to the send queue, so they are
	// written as already claimed; scheduled ones wait for the scheduler.
	scheduled := req.ScheduledAt != ""
	status := domain.StatusProcessed
	if scheduled {
		status = domain.StatusCreated
	}

	requests := make([]*domain.Request, 0, total)
	for i, m := range req.Messages {
		for _, email := range m.Emails {
			requests = append(requests, &domain.Request{
				TopicID:     m.TopicID,
				ContentID:   contents[i].ID,
				Email:       email,
				Subject:     m.Subject,
				Body:        m.Content,
				ScheduledAt: req.ScheduledAt,
				Status:      status,
			})
		}
	}

	if err := h.store.SaveRequests(ctx, requests); err != nil {
		// Contents persisted but no requests: report the whole call as
		// errored so the client can retry it wholesale.
		logger.Error("Request save failed", "error", err.Error())
		respondJSON(w, http.StatusOK, createResponse{
			Total:      total,
			Errors:     total,
			DurationMS: time.Since(start).Milliseconds(),
			Error:      "Failed to save requests",
		})
		return
	}

	// Unscheduled requests bypass the scheduler poll for immediate
	// dispatch. Queue pressure falls back to a blocking publish; a
	// closed queue (shutdown) rolls the remainder back to Created so
	// the next run picks them up.
	if !scheduled {
		var failed []int64
		var publishErr error
		for _, dr := range requests {
			err := h.sendQ.TryPublish(dr)
			if err == queue.ErrFull {
				err = h.sendQ.Publish(dr)
			}
			if err != nil {
				publishErr = apperr.Wrap(apperr.QueueClosed, "send queue rejected intake publish", err)
				failed = append(failed, dr.ID)
			}
		}
		if len(failed) > 0 {
			logger.Warn("Rolling back unpublished requests",
				"count", fmt.Sprintf("%d", len(failed)), "error", publishErr.Error())
			if err := h.store.RollbackToCreated(ctx, failed); err != nil {
				logger.Error("Rollback after queue close failed",
					"count", fmt.Sprintf("%d", len(failed)), "error", err.Error())
			}
		}
	}

	respondJSON(w, http.StatusOK, createResponse{
		Total:      total,
		Success:    total,
		DurationMS: time.Since(start).Milliseconds(),
		Scheduled:  scheduled,
	})
}

// TrackOpen records an open event and always serves the pixel; a broken
// request id must not break image rendering in the mail client.
func (h *Handlers) TrackOpen(w http.ResponseWriter, r *http.Request) {
	if idStr := r.URL.Query().Get("request_id"); idStr != "" {
		if id, err := strconv.ParseInt(idStr, 10, 64); err == nil && id > 0 {
			res := &domain.Result{RequestID: id, Status: "Open"}
			if err := h.store.SaveResult(r.Context(), res); err != nil {
				logger.Warn("Open event save failed", "request_id", idStr, "error", err.Error())
			}
		}
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(trackingPixel)
}

// snsEnvelope covers every SNS delivery shape: confirmations carry
// SubscribeURL, notifications carry Message and MessageId, anything
// else is acknowledged and ignored.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

// sesNotification is the inner SES event carried in an SNS notification.
type sesNotification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID string `json:"messageId"`
	} `json:"mail"`
}

// HandleProviderEvent ingests SES delivery notifications relayed
// through SNS and records them against the originating request.
func (h *Handlers) HandleProviderEvent(w http.ResponseWriter, r *http.Request) {
	switch r.Header.Get("x-amz-sns-message-type") {
	case "Notification", "SubscriptionConfirmation":
	default:
		respondError(w, apperr.New(apperr.BadRequest, "Unsupported notification type"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBody)

	var env snsEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respondError(w, apperr.New(apperr.BadRequest, "Invalid notification body"))
		return
	}

	switch {
	case env.SubscribeURL != "":
		// Confirmation is a manual operator step; surface the URL
		// instead of auto-confirming a subscription nobody asked for.
		logger.Info("SNS subscription confirmation received", "subscribe_url", env.SubscribeURL)
		respondJSON(w, http.StatusOK, map[string]string{"status": "subscription_confirmation_required"})
		return

	case env.Message != "" && env.MessageID != "":
		h.recordNotification(r.Context(), w, env.Message)
		return

	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (h *Handlers) recordNotification(ctx context.Context, w http.ResponseWriter, message string) {
	var n sesNotification
	if err := json.Unmarshal([]byte(message), &n); err != nil {
		respondError(w, apperr.New(apperr.BadRequest, "Invalid notification payload"))
		return
	}

	eventType := n.NotificationType
	if eventType == "" {
		eventType = n.EventType
	}
	if eventType == "" || n.Mail.MessageID == "" {
		respondError(w, apperr.New(apperr.BadRequest, "Notification missing event type or message id"))
		return
	}

	requestID, err := h.store.LookupRequestIDByMessageID(ctx, n.Mail.MessageID)
	if err != nil {
		respondError(w, err)
		return
	}

	res := &domain.Result{RequestID: requestID, Status: eventType, Raw: message}
	if err := h.store.SaveResult(ctx, res); err != nil {
		respondError(w, err)
		return
	}

	logger.Info("Provider event recorded", "request_id", fmt.Sprintf("%d", requestID), "event", eventType)
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetTopic returns per-status request counts and per-event result
// counts for a topic. The two queries run concurrently.
func (h *Handlers) GetTopic(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topicID")
	if topicID == "" {
		respondError(w, apperr.New(apperr.BadRequest, "Topic id is required"))
		return
	}
	ctx := r.Context()

	var (
		wg             sync.WaitGroup
		requestCounts  map[string]int64
		resultCounts   map[string]int64
		reqErr, resErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		requestCounts, reqErr = h.store.RequestCountsByTopic(ctx, topicID)
	}()
	go func() {
		defer wg.Done()
		resultCounts, resErr = h.store.ResultCountsByTopic(ctx, topicID)
	}()
	wg.Wait()

	if reqErr != nil {
		respondError(w, reqErr)
		return
	}
	if resErr != nil {
		respondError(w, resErr)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"request_counts": requestCounts,
		"result_counts":  resultCounts,
	})
}

// StopTopic halts dispatch for every pending request of a topic.
func (h *Handlers) StopTopic(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topicID")
	if topicID == "" {
		respondError(w, apperr.New(apperr.BadRequest, "Topic id is required"))
		return
	}

	stopped, err := h.store.StopTopic(r.Context(), topicID)
	if err != nil {
		respondError(w, err)
		return
	}

	logger.Info("Topic stopped", "topic_id", topicID, "stopped", fmt.Sprintf("%d", stopped))
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SentCount reports how many requests were sent in the last N hours
// (default 24).
func (h *Handlers) SentCount(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, apperr.New(apperr.BadRequest, "Invalid hours parameter"))
			return
		}
		hours = n
	}

	count, err := h.store.SentCountSince(r.Context(), hours)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]int64{"count": count})
}

// Health is the liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready is the readiness probe; it verifies the store is reachable.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"db":     "disconnected",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"db":     "connected",
	})
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Response encoding failed", "error", err.Error())
	}
}

func respondError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if !kind.Public() {
		logger.Error("Request failed", "kind", kind.String(), "error", err.Error())
	}
	respondJSON(w, kind.HTTPStatus(), map[string]string{"error": apperr.Message(err)})
}
