package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-server/internal/messaging"
	"chat-server/internal/model"
)

type fakeSessionRepo struct {
	sessions map[string]*model.ChatSession
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*model.ChatSession)}
}

func (r *fakeSessionRepo) EnsureSession(ctx context.Context, sessionID string, userID int64, modelName string) (*model.ChatSession, error) {
	if s, ok := r.sessions[sessionID]; ok {
		return s, nil
	}
	s := &model.ChatSession{
		ID:        int64(len(r.sessions) + 1),
		SessionID: sessionID,
		UserID:    userID,
		Model:     modelName,
	}
	r.sessions[sessionID] = s
	return s, nil
}

func (r *fakeSessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	if s, ok := r.sessions[sessionID]; ok {
		return s, nil
	}
	return nil, nil
}

type fakeMessageRepo struct {
	saved []model.ChatMessage
	seen  map[string]bool
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{seen: make(map[string]bool)}
}

func (r *fakeMessageRepo) SaveMessageIfAbsent(ctx context.Context, msg *model.ChatMessage) (bool, error) {
	if msg.RequestID != nil {
		key := msg.SessionID + "/" + *msg.RequestID
		if r.seen[key] {
			return false, nil
		}
		r.seen[key] = true
	}
	r.saved = append(r.saved, *msg)
	return true, nil
}

func (r *fakeMessageRepo) ListBySession(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	var out []model.ChatMessage
	for _, m := range r.saved {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeUsageRepo struct{}

func (fakeUsageRepo) AddUsage(ctx context.Context, userID int64, model string, date time.Time, promptTokens, completionTokens int64) error {
	return nil
}

func (fakeUsageRepo) GetByUserAndDate(ctx context.Context, userID int64, date time.Time) ([]model.TokenUsageStats, error) {
	return nil, nil
}

type fakeTaskPublisher struct {
	failures  int
	calls     int
	published []messaging.GenerationTaskPayload
}

func (p *fakeTaskPublisher) PublishGenerationTask(ctx context.Context, payload messaging.GenerationTaskPayload) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, payload)
	return nil
}

type allowAllVerifier struct{}

func (allowAllVerifier) VerifyIdentity(ctx context.Context, token string) (model.Identity, error) {
	if token == "good" {
		return model.Identity{UserID: 42, Valid: true}, nil
	}
	return model.Identity{}, nil
}

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(ctx context.Context, key string) bool { return true }

func newTestServer(t *testing.T) (*gin.Engine, *fakeTaskPublisher, *fakeMessageRepo) {
	t.Helper()
	return newTestServerWith(t, &fakeTaskPublisher{})
}

func newTestServerWith(t *testing.T, publisher *fakeTaskPublisher) (*gin.Engine, *fakeTaskPublisher, *fakeMessageRepo) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	messages := newFakeMessageRepo()
	handler := NewChatHandler(
		newFakeSessionRepo(), messages, fakeUsageRepo{}, publisher, 12, zap.NewNop())

	router := NewRouter(handler, allowAllVerifier{}, allowAllLimiter{}, zap.NewNop())
	return router, publisher, messages
}

func submitBody(t *testing.T, requestID, sessionID, content string) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"request_id": requestID,
		"sessionId":  sessionID,
		"messages":   []map[string]string{{"role": "user", "content": content}},
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func TestChatSubmit(t *testing.T) {
	t.Run("Valid submission returns 202 and publishes a task", func(t *testing.T) {
		router, publisher, messages := newTestServer(t)

		req := httptest.NewRequest("POST", "/api/chat/send", submitBody(t, "req-1", "sess-1", "hello"))
		req.Header.Set("Authorization", "Bearer good")
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusAccepted, w.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "req-1", resp["request_id"])
		assert.Equal(t, "sess-1", resp["sessionId"])

		require.Len(t, publisher.published, 1)
		task := publisher.published[0]
		assert.Equal(t, "req-1", task.RequestID)
		assert.Equal(t, int64(42), task.UserID)
		assert.Equal(t, "hello", task.LastUserMessage)

		require.Len(t, messages.saved, 1)
		assert.Equal(t, model.RoleUser, messages.saved[0].Role)
	})

	t.Run("Missing session id is a 400", func(t *testing.T) {
		router, publisher, _ := newTestServer(t)

		body, _ := json.Marshal(map[string]any{
			"messages": []map[string]string{{"role": "user", "content": "hello"}},
		})
		req := httptest.NewRequest("POST", "/api/chat/send", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer good")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, publisher.published)
	})

	t.Run("Empty messages is a 400", func(t *testing.T) {
		router, publisher, _ := newTestServer(t)

		body, _ := json.Marshal(map[string]any{
			"sessionId": "sess-1",
			"messages":  []map[string]string{},
		})
		req := httptest.NewRequest("POST", "/api/chat/send", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer good")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, publisher.published)
	})

	t.Run("Duplicate submission republishes without a second user turn", func(t *testing.T) {
		router, publisher, messages := newTestServer(t)

		for i := 0; i < 2; i++ {
			req := httptest.NewRequest("POST", "/api/chat/send", submitBody(t, "req-1", "sess-1", "hello"))
			req.Header.Set("Authorization", "Bearer good")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			require.Equal(t, http.StatusAccepted, w.Code)
		}

		// The sink deduplicates results by request_id, so republishing is
		// safe; the user turn must still be stored exactly once.
		assert.Len(t, publisher.published, 2)
		assert.Len(t, messages.saved, 1)
	})

	t.Run("Retry after a failed publish still enqueues the task", func(t *testing.T) {
		router, publisher, messages := newTestServerWith(t, &fakeTaskPublisher{failures: 1})

		req := httptest.NewRequest("POST", "/api/chat/send", submitBody(t, "req-1", "sess-1", "hello"))
		req.Header.Set("Authorization", "Bearer good")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusInternalServerError, w.Code)
		require.Len(t, messages.saved, 1)

		retry := httptest.NewRequest("POST", "/api/chat/send", submitBody(t, "req-1", "sess-1", "hello"))
		retry.Header.Set("Authorization", "Bearer good")
		w = httptest.NewRecorder()
		router.ServeHTTP(w, retry)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, 2, publisher.calls)
		require.Len(t, publisher.published, 1)
		assert.Equal(t, "req-1", publisher.published[0].RequestID)
		assert.Len(t, messages.saved, 1)
	})

	t.Run("Server assigns request id when absent", func(t *testing.T) {
		router, publisher, _ := newTestServer(t)

		req := httptest.NewRequest("POST", "/api/chat/send", submitBody(t, "", "sess-1", "hello"))
		req.Header.Set("Authorization", "Bearer good")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusAccepted, w.Code)
		require.Len(t, publisher.published, 1)
		assert.NotEmpty(t, publisher.published[0].RequestID)
	})

	t.Run("Missing token is a 401", func(t *testing.T) {
		router, publisher, _ := newTestServer(t)

		req := httptest.NewRequest("POST", "/api/chat/send", submitBody(t, "req-1", "sess-1", "hello"))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, publisher.published)
	})

	t.Run("Rejected token is a 401", func(t *testing.T) {
		router, _, _ := newTestServer(t)

		req := httptest.NewRequest("POST", "/api/chat/send", submitBody(t, "req-1", "sess-1", "hello"))
		req.Header.Set("Authorization", "Bearer bad")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(ctx context.Context, key string) bool { return false }

func TestRateLimitRejection(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewChatHandler(
		newFakeSessionRepo(), newFakeMessageRepo(), fakeUsageRepo{}, &fakeTaskPublisher{}, 12, zap.NewNop())
	router := NewRouter(handler, allowAllVerifier{}, denyAllLimiter{}, zap.NewNop())

	req := httptest.NewRequest("POST", "/api/chat/send", submitBody(t, "req-1", "sess-1", "hello"))
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
