package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/services"
	"xipher/internal/infrastructure/middleware"
	"xipher/internal/infrastructure/repositories/memory"
)

const selfID domain.UserID = "alice"

type mockCalls struct {
	mock.Mock
}

func (m *mockCalls) StartCall(ctx context.Context, peer domain.UserID, kind domain.CallKind) (*domain.CallSession, error) {
	args := m.Called(peer, kind)
	s, _ := args.Get(0).(*domain.CallSession)
	return s, args.Error(1)
}

func (m *mockCalls) StartGroupCall(ctx context.Context, members []domain.UserID, kind domain.CallKind) (*domain.CallSession, error) {
	args := m.Called(members, kind)
	s, _ := args.Get(0).(*domain.CallSession)
	return s, args.Error(1)
}

func (m *mockCalls) Accept(context.Context) error { return m.Called().Error(0) }
func (m *mockCalls) Reject(context.Context) error { return m.Called().Error(0) }
func (m *mockCalls) Cancel(context.Context) error { return m.Called().Error(0) }
func (m *mockCalls) End(context.Context) error    { return m.Called().Error(0) }

func (m *mockCalls) ToggleMicrophone(_ context.Context, enabled bool) error {
	return m.Called(enabled).Error(0)
}

func (m *mockCalls) ToggleCamera(_ context.Context, enabled bool) error {
	return m.Called(enabled).Error(0)
}

func (m *mockCalls) ToggleScreenShare(_ context.Context, enabled bool) error {
	return m.Called(enabled).Error(0)
}

func (m *mockCalls) SetOutputMuted(_ context.Context, muted bool) error {
	return m.Called(muted).Error(0)
}

func (m *mockCalls) Snapshot() (*domain.CallSession, bool) {
	args := m.Called()
	s, _ := args.Get(0).(*domain.CallSession)
	return s, args.Bool(1)
}

type fixture struct {
	router    *gin.Engine
	calls     *mockCalls
	directory *memory.DirectoryRepository
	callLog   *memory.CallLogRepository
	feed      *services.EventFeed
	token     string
	auth      services.AuthService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		calls:     &mockCalls{},
		directory: memory.NewDirectoryRepository(),
		callLog:   memory.NewCallLogRepository(10),
		feed:      services.NewEventFeed(),
		auth:      services.NewAuthService("secret", time.Hour),
	}
	t.Cleanup(f.feed.Close)

	token, err := f.auth.GenerateToken(selfID)
	require.NoError(t, err)
	f.token = token

	logger := zap.NewNop().Sugar()
	handler := NewCallHandler(CallHandlerConfig{Self: selfID, MaxGroupSize: 4}, f.calls, f.directory, f.callLog, f.feed, logger)

	f.router = gin.New()
	f.router.Use(middleware.ErrorHandlerMiddleware(logger))
	api := f.router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(f.auth))
	handler.SetupRoutes(api)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	return f.doAs(f.token, method, path, body)
}

func (f *fixture) doAs(token, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	f.router.ServeHTTP(w, req)
	return w
}

func TestCallHandler_RequiresNodeOwner(t *testing.T) {
	f := newFixture(t)

	other, err := f.auth.GenerateToken("mallory")
	require.NoError(t, err)

	w := f.doAs(other, http.MethodGet, "/api/v1/calls/current", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.doAs("garbage", http.MethodGet, "/api/v1/calls/current", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	f.calls.AssertNotCalled(t, "Snapshot")
}

func TestCallHandler_StartCall(t *testing.T) {
	f := newFixture(t)
	session := &domain.CallSession{ID: "c1", Kind: domain.CallVideo, State: domain.StateOutgoingRinging, Counterpart: "bob"}
	f.calls.On("StartCall", domain.UserID("bob"), domain.CallVideo).Return(session, nil).Once()

	w := f.do(http.MethodPost, "/api/v1/calls", `{"peer":"bob","call_type":"VIDEO"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var got domain.CallSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, domain.CallID("c1"), got.ID)
	assert.Equal(t, domain.StateOutgoingRinging, got.State)
	f.calls.AssertExpectations(t)
}

func TestCallHandler_StartCallValidation(t *testing.T) {
	f := newFixture(t)

	cases := map[string]string{
		"missing peer": `{"call_type":"audio"}`,
		"self":         `{"peer":"alice"}`,
		"bad kind":     `{"peer":"bob","call_type":"hologram"}`,
		"bad peer":     `{"peer":"bob smith"}`,
		"not json":     `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/v1/calls", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	f.calls.AssertNotCalled(t, "StartCall", mock.Anything, mock.Anything)
}

func TestCallHandler_StartCallBusy(t *testing.T) {
	f := newFixture(t)
	f.calls.On("StartCall", domain.UserID("bob"), domain.CallAudio).Return(nil, domain.ErrCallInProgress)

	w := f.do(http.MethodPost, "/api/v1/calls", `{"peer":"bob"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "CONFLICT")
}

func TestCallHandler_StartGroupCall(t *testing.T) {
	f := newFixture(t)
	members := []domain.UserID{"bob", "carol"}
	f.calls.On("StartGroupCall", members, domain.CallAudio).
		Return(&domain.CallSession{ID: "g1", Group: true, GroupID: "grp"}, nil).Once()

	w := f.do(http.MethodPost, "/api/v1/calls/group", `{"members":["bob","carol"]}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = f.do(http.MethodPost, "/api/v1/calls/group", `{"members":["bob","carol","dave","erin"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "exceeds max group size including self")

	w = f.do(http.MethodPost, "/api/v1/calls/group", `{"members":["bob","alice"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	f.calls.AssertExpectations(t)
}

func TestCallHandler_Commands(t *testing.T) {
	f := newFixture(t)
	f.calls.On("Accept").Return(nil).Once()
	f.calls.On("Reject").Return(domain.ErrNoCall).Once()
	f.calls.On("Cancel").Return(nil).Once()
	f.calls.On("End").Return(nil).Once()

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/v1/calls/current/accept", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/calls/current/reject", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/v1/calls/current/cancel", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/v1/calls/current/end", "").Code)
	f.calls.AssertExpectations(t)
}

func TestCallHandler_UpdateMedia(t *testing.T) {
	f := newFixture(t)
	f.calls.On("ToggleMicrophone", false).Return(nil).Once()
	f.calls.On("SetOutputMuted", true).Return(nil).Once()
	f.calls.On("Snapshot").Return(&domain.CallSession{ID: "c1", OutputMuted: true}, true)

	w := f.do(http.MethodPut, "/api/v1/calls/current/media", `{"microphone":false,"output_muted":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
	f.calls.AssertNotCalled(t, "ToggleCamera", mock.Anything)
	f.calls.AssertExpectations(t)

	w = f.do(http.MethodPut, "/api/v1/calls/current/media", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallHandler_UpdateMediaStopsAtFailure(t *testing.T) {
	f := newFixture(t)
	f.calls.On("ToggleMicrophone", true).Return(nil).Once()
	f.calls.On("ToggleCamera", true).Return(domain.ErrMediaDenied).Once()

	w := f.do(http.MethodPut, "/api/v1/calls/current/media", `{"microphone":true,"camera":true,"screen_share":true}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	f.calls.AssertNotCalled(t, "ToggleScreenShare", mock.Anything)
}

func TestCallHandler_CurrentAndParticipants(t *testing.T) {
	f := newFixture(t)
	f.calls.On("Snapshot").Return(nil, false).Twice()

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/calls/current", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/calls/current/participants", "").Code)

	ctx := context.Background()
	require.NoError(t, f.directory.UpsertParticipant(ctx, &domain.Participant{CallID: "g1", UserID: "bob", LinkState: domain.LinkConnected, JoinedAt: time.Now()}))
	f.calls.On("Snapshot").Return(&domain.CallSession{ID: "g1", Group: true}, true)

	w := f.do(http.MethodGet, "/api/v1/calls/current/participants", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		CallID       domain.CallID         `json:"call_id"`
		Participants []*domain.Participant `json:"participants"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, domain.CallID("g1"), body.CallID)
	require.Len(t, body.Participants, 1)
	assert.Equal(t, domain.UserID("bob"), body.Participants[0].UserID)
}

func TestCallHandler_History(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.NewString()
		require.NoError(t, f.callLog.Save(ctx, &domain.CallRecord{
			ID:        domain.CallID(ids[i]),
			Kind:      domain.CallAudio,
			StartedAt: base,
			EndedAt:   base.Add(time.Duration(i+1) * time.Minute),
			Reason:    domain.ReasonHangup,
		}))
	}

	w := f.do(http.MethodGet, "/api/v1/calls/history?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Calls []*domain.CallRecord `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Calls, 2)
	assert.Equal(t, domain.CallID(ids[2]), body.Calls[0].ID, "newest first")

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/calls/history?limit=-1", "").Code)

	w = f.do(http.MethodGet, "/api/v1/calls/history/"+ids[0], "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/calls/history/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/calls/history/not-a-uuid", "").Code)
}

func TestCallHandler_EventsStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)

	// Headers are flushed with the first event, so keep publishing until the
	// stream has subscribed.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.feed.Notify(context.Background(), domain.CallEvent{Type: domain.EventStateChanged, CallID: "c1", State: domain.StateActive})
			}
		}
	}()

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimPrefix(line, "data:")
		}
		if event != "" && data != "" {
			break
		}
	}
	assert.Equal(t, string(domain.EventStateChanged), event)
	assert.Contains(t, data, `"active"`)
}
