package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/queue"
	"github.com/ignite/bulkmail/internal/store"
)

const testAPIKey = "test-key"

func newTestServer(t *testing.T) (http.Handler, *store.Store, *queue.Queue[*domain.Request]) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sendQ := queue.New[*domain.Request](100)
	h := NewHandlers(st, sendQ)
	return SetupRoutes(h, testAPIKey), st, sendQ
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-KEY", apiKey)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// doSNS posts a provider callback with the SNS message-type header set.
func doSNS(t *testing.T, handler http.Handler, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/v1/events/results", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-amz-sns-message-type", "Notification")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// pastSchedule is a due wall-clock timestamp, used to create requests
// that stay Created until claimed.
const pastSchedule = "2020-01-01 09:00:00"

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateMessages_ImmediateDispatch(t *testing.T) {
	handler, _, sendQ := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/v1/messages", map[string]interface{}{
		"messages": []map[string]interface{}{{
			"topic_id": "t1",
			"emails":   []string{"a@example.com", "b@example.com"},
			"subject":  "Hello",
			"content":  "<p>World</p>",
		}},
	}, testAPIKey)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, float64(2), body["success"])
	assert.Equal(t, float64(0), body["errors"])
	assert.Equal(t, false, body["scheduled"])

	assert.Equal(t, 2, sendQ.Len())
	r, ok := sendQ.Receive()
	require.True(t, ok)
	assert.Equal(t, domain.StatusProcessed, r.Status)
}

func TestCreateMessages_ScheduledStaysQueued(t *testing.T) {
	handler, st, sendQ := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/v1/messages", map[string]interface{}{
		"messages": []map[string]interface{}{{
			"topic_id": "t1",
			"emails":   []string{"a@example.com"},
			"subject":  "Hello",
			"content":  "<p>World</p>",
		}},
		"scheduled_at": "2030-01-01 09:00:00",
	}, testAPIKey)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["scheduled"])
	assert.Zero(t, sendQ.Len())

	// Not due until 2030; nothing claimable now.
	claimed, err := st.ClaimDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestCreateMessages_EmptyList(t *testing.T) {
	handler, _, _ := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/v1/messages",
		map[string]interface{}{"messages": []map[string]interface{}{}}, testAPIKey)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No messages provided", decode(t, w)["error"])
}

func TestCreateMessages_TooManyRecipients(t *testing.T) {
	handler, st, _ := newTestServer(t)

	emails := make([]string, maxRecipientsPerCall+1)
	for i := range emails {
		emails[i] = fmt.Sprintf("u%d@example.com", i)
	}
	w := doJSON(t, handler, http.MethodPost, "/v1/messages", map[string]interface{}{
		"messages": []map[string]interface{}{{
			"topic_id": "t1", "emails": emails, "subject": "s", "content": "b",
		}},
	}, testAPIKey)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["error"], "10000")

	// The limit check runs before any insert.
	counts, err := st.RequestCountsByTopic(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestCreateMessages_RequiresAPIKey(t *testing.T) {
	handler, _, _ := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/v1/messages", map[string]interface{}{
		"messages": []map[string]interface{}{{"topic_id": "t1", "emails": []string{"a@example.com"}}},
	}, "wrong-key")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid API key", decode(t, w)["error"])
}

func TestTrackOpen_ServesPixelAndRecords(t *testing.T) {
	handler, st, _ := newTestServer(t)

	// Seed one request so the open event has something to attach to.
	w := doJSON(t, handler, http.MethodPost, "/v1/messages", map[string]interface{}{
		"messages": []map[string]interface{}{{
			"topic_id": "t1", "emails": []string{"a@example.com"}, "subject": "s", "content": "b",
		}},
		"scheduled_at": pastSchedule,
	}, testAPIKey)
	require.Equal(t, http.StatusOK, w.Code)

	claimed, err := st.ClaimDue(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/events/open?request_id=%d", claimed[0].ID), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, trackingPixel, rec.Body.Bytes())

	counts, err := st.ResultCountsByTopic(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["Open"])
}

func TestTrackOpen_InvalidIDStillServesPixel(t *testing.T) {
	handler, _, _ := newTestServer(t)

	for _, q := range []string{"", "?request_id=abc", "?request_id=-5"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/events/open"+q, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, trackingPixel, rec.Body.Bytes())
	}
}

func TestHandleProviderEvent_Notification(t *testing.T) {
	handler, st, _ := newTestServer(t)

	reqID := seedSentRequest(t, handler, st, "ses-msg-1")

	inner := `{"notificationType":"Bounce","mail":{"messageId":"ses-msg-1"}}`
	w := doSNS(t, handler, map[string]string{
		"Type":      "Notification",
		"MessageId": "sns-1",
		"Message":   inner,
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	id, err := st.LookupRequestIDByMessageID(context.Background(), "ses-msg-1")
	require.NoError(t, err)
	assert.Equal(t, reqID, id)

	counts, err := st.ResultCountsByTopic(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["Bounce"])
}

func TestHandleProviderEvent_SubscriptionConfirmation(t *testing.T) {
	handler, _, _ := newTestServer(t)

	w := doSNS(t, handler, map[string]string{
		"Type":         "SubscriptionConfirmation",
		"SubscribeURL": "https://sns.example.com/confirm",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "subscription_confirmation_required", decode(t, w)["status"])
}

func TestHandleProviderEvent_UnknownMessageID(t *testing.T) {
	handler, _, _ := newTestServer(t)

	inner := `{"notificationType":"Delivery","mail":{"messageId":"never-sent"}}`
	w := doSNS(t, handler, map[string]string{
		"Type": "Notification", "MessageId": "sns-1", "Message": inner,
	})

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleProviderEvent_MissingFields(t *testing.T) {
	handler, _, _ := newTestServer(t)

	inner := `{"mail":{}}`
	w := doSNS(t, handler, map[string]string{
		"Type": "Notification", "MessageId": "sns-1", "Message": inner,
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleProviderEvent_OtherShapeIsAcknowledged(t *testing.T) {
	handler, _, _ := newTestServer(t)

	w := doSNS(t, handler, map[string]string{"Type": "UnsubscribeConfirmation"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestHandleProviderEvent_TypeHeaderContract(t *testing.T) {
	handler, _, _ := newTestServer(t)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusBadRequest},
		{"unsupported value", "Garbage", http.StatusBadRequest},
		{"subscription confirmation", "SubscriptionConfirmation", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, json.NewEncoder(&buf).Encode(map[string]string{"Type": "Other"}))
			req := httptest.NewRequest(http.MethodPost, "/v1/events/results", &buf)
			req.Header.Set("Content-Type", "application/json")
			if tt.header != "" {
				req.Header.Set("x-amz-sns-message-type", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCreateMessages_QueueClosedRollsBack(t *testing.T) {
	handler, st, sendQ := newTestServer(t)
	sendQ.Close()

	w := doJSON(t, handler, http.MethodPost, "/v1/messages", map[string]interface{}{
		"messages": []map[string]interface{}{{
			"topic_id": "t1", "emails": []string{"a@example.com", "b@example.com"},
			"subject": "s", "content": "b",
		}},
	}, testAPIKey)
	require.Equal(t, http.StatusOK, w.Code)

	// Nothing could be published; every request is back in Created so
	// the scheduler can claim it after restart.
	counts, err := st.RequestCountsByTopic(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["Created"])

	claimed, err := st.ClaimDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestGetTopic(t *testing.T) {
	handler, st, _ := newTestServer(t)

	seedSentRequest(t, handler, st, "ses-msg-1")

	w := doJSON(t, handler, http.MethodGet, "/v1/topics/t1", nil, testAPIKey)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	requestCounts := body["request_counts"].(map[string]interface{})
	assert.Equal(t, float64(1), requestCounts["Sent"])
	assert.NotNil(t, body["result_counts"])
}

func TestStopTopic(t *testing.T) {
	handler, st, _ := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/v1/messages", map[string]interface{}{
		"messages": []map[string]interface{}{{
			"topic_id": "t1", "emails": []string{"a@example.com", "b@example.com"},
			"subject": "s", "content": "b",
		}},
		"scheduled_at": "2030-01-01 09:00:00",
	}, testAPIKey)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, handler, http.MethodDelete, "/v1/topics/t1", nil, testAPIKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	counts, err := st.RequestCountsByTopic(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["Stopped"])
}

func TestSentCount(t *testing.T) {
	handler, st, _ := newTestServer(t)
	seedSentRequest(t, handler, st, "ses-msg-1")

	w := doJSON(t, handler, http.MethodGet, "/v1/events/counts/sent", nil, testAPIKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doJSON(t, handler, http.MethodGet, "/v1/events/counts/sent?hours=1", nil, testAPIKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doJSON(t, handler, http.MethodGet, "/v1/events/counts/sent?hours=0", nil, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndReady(t *testing.T) {
	handler, _, _ := newTestServer(t)

	w := doJSON(t, handler, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = doJSON(t, handler, http.MethodGet, "/ready", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["db"])
}

// seedSentRequest creates one request for topic t1, marks it Sent with
// the given provider message id, and returns its id.
func seedSentRequest(t *testing.T, handler http.Handler, st *store.Store, messageID string) int64 {
	t.Helper()

	w := doJSON(t, handler, http.MethodPost, "/v1/messages", map[string]interface{}{
		"messages": []map[string]interface{}{{
			"topic_id": "t1", "emails": []string{"a@example.com"}, "subject": "s", "content": "b",
		}},
		"scheduled_at": pastSchedule,
	}, testAPIKey)
	require.Equal(t, http.StatusOK, w.Code)

	claimed, err := st.ClaimDue(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	claimed[0].Status = domain.StatusSent
	claimed[0].MessageID = messageID
	require.NoError(t, st.UpdateRequest(context.Background(), claimed[0]))
	return claimed[0].ID
}
