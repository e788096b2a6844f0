package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/api/dto"
	"github.com/cuongbtq/gemmie-chat/internal/api/handler"
	"github.com/cuongbtq/gemmie-chat/internal/api/model"
	"github.com/cuongbtq/gemmie-chat/internal/api/storage"
	"github.com/cuongbtq/gemmie-chat/internal/gemmie"
	"github.com/cuongbtq/gemmie-chat/internal/realtime"
	"github.com/cuongbtq/gemmie-chat/shared/logger"
	"github.com/cuongbtq/gemmie-chat/shared/signing"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret     = "callback-secret"
	testAdminToken = "admin-token"
)

type fakeMessages struct {
	created   []model.Message
	listed    []model.Message
	filter    storage.MessageFilter
	createErr error
}

func (f *fakeMessages) CreateMessage(ctx context.Context, msg *model.Message) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, *msg)
	return nil
}

func (f *fakeMessages) ListMessages(ctx context.Context, filter storage.MessageFilter) ([]model.Message, error) {
	f.filter = filter
	return f.listed, nil
}

type fakeEvents struct {
	events []string
}

func (f *fakeEvents) Publish(ctx context.Context, channel, event string, payload interface{}) error {
	f.events = append(f.events, channel+"/"+event)
	return nil
}

type fakeResponder struct {
	triggers    []gemmie.Trigger
	scheduleErr error
	processed   []string
	processErr  error
	reactBodies []string
	canceled    bool
}

func (f *fakeResponder) OnUserMessage(ctx context.Context, trigger gemmie.Trigger) (string, error) {
	f.triggers = append(f.triggers, trigger)
	if f.scheduleErr != nil {
		return "", f.scheduleErr
	}
	return "job-1", nil
}

func (f *fakeResponder) HandleProcessCallback(ctx context.Context, jobID string, body []byte) (*gemmie.Result, error) {
	f.processed = append(f.processed, jobID)
	if f.processErr != nil {
		return nil, f.processErr
	}
	return &gemmie.Result{Outcome: gemmie.OutcomeReplied, MessageID: "m-reply", Stage: gemmie.StageClean}, nil
}

func (f *fakeResponder) HandleReactCallback(ctx context.Context, body []byte) error {
	f.reactBodies = append(f.reactBodies, string(body))
	return nil
}

func (f *fakeResponder) CancelAllPending(ctx context.Context) (bool, error) {
	f.canceled = true
	return true, nil
}

func (f *fakeResponder) CleanupOrphans(ctx context.Context) (gemmie.SweepResult, error) {
	return gemmie.SweepResult{Action: gemmie.SweepStale, JobID: "job-1"}, nil
}

type testServer struct {
	engine    *gin.Engine
	messages  *fakeMessages
	events    *fakeEvents
	responder *fakeResponder
}

func newTestServer(adminToken string) *testServer {
	gin.SetMode(gin.TestMode)

	s := &testServer{
		messages:  &fakeMessages{},
		events:    &fakeEvents{},
		responder: &fakeResponder{},
	}
	s.engine = SetupRouter(&handler.Dependencies{
		Logger:        logger.Discard(),
		Messages:      s.messages,
		Events:        s.events,
		Gemmie:        s.responder,
		Channel:       "chat",
		GemmieName:    "gemmie",
		SigningSecret: testSecret,
		AdminToken:    adminToken,
	})
	return s
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func signedRequest(path, body string, ts time.Time, secret string) *http.Request {
	req := jsonRequest(http.MethodPost, path, body)
	req.Header.Set(signing.HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set(signing.HeaderSignature, signing.Sign(secret, ts, "job-42", []byte(body)))
	req.Header.Set(signing.HeaderJobID, "job-42")
	return req
}

func TestHealth(t *testing.T) {
	s := newTestServer(testAdminToken)

	w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

type stubBroker bool

func (b stubBroker) IsConnected() bool { return bool(b) }

func TestHealth_BrokerDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := SetupRouter(&handler.Dependencies{
		Logger: logger.Discard(),
		Brokers: map[string]handler.ConnectionChecker{
			"events": stubBroker(false),
		},
	})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "rabbitmq events connection is closed")
}

func TestCreateMessage(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		setup          func(s *testServer)
		expectedStatus int
		expectStored   bool
	}{
		{
			name:           "valid message",
			body:           `{"user_name":"alice","content":" hi there ","country":"US"}`,
			expectedStatus: http.StatusCreated,
			expectStored:   true,
		},
		{
			name:           "media only",
			body:           `{"user_name":"alice","media_url":"https://cdn.local/cat.png","media_type":"image/png"}`,
			expectedStatus: http.StatusCreated,
			expectStored:   true,
		},
		{
			name:           "scheduling failure still accepts",
			body:           `{"user_name":"alice","content":"hi"}`,
			setup:          func(s *testServer) { s.responder.scheduleErr = gemmie.ErrSchedulingFailed },
			expectedStatus: http.StatusAccepted,
			expectStored:   true,
		},
		{
			name:           "missing user name",
			body:           `{"content":"hi"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "reserved name",
			body:           `{"user_name":"Gemmie","content":"hi"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "empty message",
			body:           `{"user_name":"alice","content":"   "}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "bad media url",
			body:           `{"user_name":"alice","media_url":"ftp://x/y.png","media_type":"image/png"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "storage failure",
			body:           `{"user_name":"alice","content":"hi"}`,
			setup:          func(s *testServer) { s.messages.createErr = errors.New("db down") },
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(testAdminToken)
			if tt.setup != nil {
				tt.setup(s)
			}

			w := s.do(jsonRequest(http.MethodPost, "/api/v1/messages", tt.body))
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())

			if !tt.expectStored {
				assert.Empty(t, s.messages.created)
				assert.Empty(t, s.responder.triggers)
				return
			}

			require.Len(t, s.messages.created, 1)
			require.Len(t, s.responder.triggers, 1)
			assert.Equal(t, []string{"chat/" + realtime.EventNewMessage}, s.events.events)

			var resp dto.CreateMessageResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, s.messages.created[0].MessageID, resp.Message.MessageID)
			assert.Equal(t, tt.expectedStatus == http.StatusCreated, resp.GemmieScheduled)

			trigger := s.responder.triggers[0]
			assert.Equal(t, resp.Message.MessageID, trigger.MessageID)
			assert.Equal(t, s.messages.created[0].CreatedAt.UnixMilli(), trigger.SentAt)
		})
	}
}

func TestCreateMessage_NormalizesInput(t *testing.T) {
	s := newTestServer(testAdminToken)

	w := s.do(jsonRequest(http.MethodPost, "/api/v1/messages", `{"user_name":" alice ","content":" hi there ","country":"United States"}`))
	require.Equal(t, http.StatusCreated, w.Code)

	stored := s.messages.created[0]
	assert.Equal(t, "alice", stored.UserName)
	assert.Equal(t, "hi there", stored.Content)
	assert.Equal(t, gemmie.UnknownCountry, stored.Country)
}

func TestListMessages(t *testing.T) {
	s := newTestServer(testAdminToken)
	base := time.Date(2025, 11, 23, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		s.messages.listed = append(s.messages.listed, model.Message{
			MessageID: "m" + strconv.Itoa(3-i),
			UserName:  "alice",
			Content:   "hi",
			CreatedAt: base.Add(time.Duration(-i) * time.Minute),
		})
	}

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/messages?page_size=2&user_name=alice", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListMessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Messages, 2)
	assert.Equal(t, 2, s.messages.filter.PageSize)
	assert.Equal(t, "alice", s.messages.filter.UserName)
	require.NotEmpty(t, resp.NextCursor)

	cursor, err := handler.DecodeMessageCursor(resp.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "m2", cursor.MessageID)
	assert.True(t, base.Add(-time.Minute).Equal(cursor.CreatedAt))

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/messages?cursor="+resp.NextCursor, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, s.messages.filter.Cursor)
	assert.Equal(t, "m2", s.messages.filter.Cursor.MessageID)
	assert.Equal(t, 20, s.messages.filter.PageSize)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/messages?cursor=%21%21", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessCallback(t *testing.T) {
	body := `{"kind":"process","trigger":{"userName":"alice","userMessage":"hi"}}`

	tests := []struct {
		name           string
		req            func() *http.Request
		processErr     error
		expectedStatus int
		expectCalled   bool
	}{
		{
			name:           "signed",
			req:            func() *http.Request { return signedRequest("/api/v1/gemmie/process", body, time.Now(), testSecret) },
			expectedStatus: http.StatusOK,
			expectCalled:   true,
		},
		{
			name:           "unsigned",
			req:            func() *http.Request { return jsonRequest(http.MethodPost, "/api/v1/gemmie/process", body) },
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "wrong secret",
			req:            func() *http.Request { return signedRequest("/api/v1/gemmie/process", body, time.Now(), "other") },
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "job id swapped after signing",
			req: func() *http.Request {
				req := signedRequest("/api/v1/gemmie/process", body, time.Now(), testSecret)
				req.Header.Set(signing.HeaderJobID, "job-43")
				return req
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "stale timestamp",
			req: func() *http.Request {
				return signedRequest("/api/v1/gemmie/process", body, time.Now().Add(-10*time.Minute), testSecret)
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid payload is not retried",
			req:            func() *http.Request { return signedRequest("/api/v1/gemmie/process", body, time.Now(), testSecret) },
			processErr:     gemmie.ErrInvalidPayload,
			expectedStatus: http.StatusBadRequest,
			expectCalled:   true,
		},
		{
			name:           "publish failure is retried",
			req:            func() *http.Request { return signedRequest("/api/v1/gemmie/process", body, time.Now(), testSecret) },
			processErr:     errors.New("db down"),
			expectedStatus: http.StatusInternalServerError,
			expectCalled:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(testAdminToken)
			s.responder.processErr = tt.processErr

			w := s.do(tt.req())
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())

			if !tt.expectCalled {
				assert.Empty(t, s.responder.processed)
				return
			}
			assert.Equal(t, []string{"job-42"}, s.responder.processed)
			if tt.expectedStatus == http.StatusOK {
				var resp dto.ProcessResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, gemmie.OutcomeReplied, resp.Outcome)
				assert.Equal(t, "job-42", resp.JobID)
			}
		})
	}
}

func TestProcessCallback_ReplayWithNewJobID(t *testing.T) {
	s := newTestServer(testAdminToken)
	body := `{"kind":"process","trigger":{"userName":"alice","userMessage":"hi"}}`
	original := signedRequest("/api/v1/gemmie/process", body, time.Now(), testSecret)

	w := s.do(original)
	require.Equal(t, http.StatusOK, w.Code)

	replay := jsonRequest(http.MethodPost, "/api/v1/gemmie/process", body)
	replay.Header = original.Header.Clone()
	replay.Header.Set(signing.HeaderJobID, "replayed-job")

	w = s.do(replay)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, []string{"job-42"}, s.responder.processed)
}

func TestReactCallback(t *testing.T) {
	s := newTestServer(testAdminToken)
	body := `{"kind":"react","messageId":"m1","emoji":"🔥"}`

	w := s.do(signedRequest("/api/v1/gemmie/react", body, time.Now(), testSecret))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{body}, s.responder.reactBodies)
}

func TestAdminRoutes(t *testing.T) {
	tests := []struct {
		name           string
		configured     string
		header         string
		path           string
		expectedStatus int
	}{
		{name: "cancel pending", configured: testAdminToken, header: testAdminToken, path: "/api/v1/gemmie/cancel-pending", expectedStatus: http.StatusOK},
		{name: "cleanup orphans", configured: testAdminToken, header: testAdminToken, path: "/api/v1/gemmie/cleanup-orphans", expectedStatus: http.StatusOK},
		{name: "missing token", configured: testAdminToken, path: "/api/v1/gemmie/cancel-pending", expectedStatus: http.StatusUnauthorized},
		{name: "wrong token", configured: testAdminToken, header: "nope", path: "/api/v1/gemmie/cancel-pending", expectedStatus: http.StatusUnauthorized},
		{name: "disabled", configured: "", header: "anything", path: "/api/v1/gemmie/cancel-pending", expectedStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.configured)
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(AdminTokenHeader, tt.header)
			}

			w := s.do(req)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}

	s := newTestServer(testAdminToken)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/gemmie/cleanup-orphans", nil)
	req.Header.Set(AdminTokenHeader, testAdminToken)
	w := s.do(req)

	var resp dto.CleanupOrphansResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, gemmie.SweepStale, resp.Action)
}
