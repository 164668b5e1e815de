package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gator-threads/internal/api"
	"gator-threads/internal/config"
	"gator-threads/internal/database"
	"gator-threads/internal/engine"
	"gator-threads/internal/middleware"
	"gator-threads/internal/models"
	"gator-threads/internal/utils"
	"gator-threads/internal/websocket"
)

type testServer struct {
	*httptest.Server
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	backend := database.NewMemoryBackend(database.MemoryOptions{MaxDepth: 2})
	backend.Seed("t1",
		&models.Node{ID: "r1", AuthorID: "alice", Content: "root", CreatedAt: base},
		&models.Node{ID: "c1", ParentID: "r1", AuthorID: "bob", Depth: 1, Content: "reply", CreatedAt: base.Add(time.Minute)},
		&models.Node{ID: "g1", ParentID: "c1", AuthorID: "alice", Depth: 2, Content: "deep", CreatedAt: base.Add(2 * time.Minute)},
	)

	cfg := config.DefaultEngineConfig()
	cfg.SweepInterval = 0
	metrics := utils.NewMetricsCollector()
	registry := engine.NewRegistry(actor.NewActorSystem(), engine.Options{Config: cfg, Backend: backend, Metrics: metrics})
	t.Cleanup(registry.Close)

	auth, err := middleware.NewAuthenticator("test-secret", nil)
	require.NoError(t, err)
	token, err := auth.GenerateToken("carol")
	require.NoError(t, err)

	hub := websocket.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	srv := NewServer(registry, hub, auth, nil, metrics, "memory", nil)
	ts := httptest.NewServer(srv.Routes(true))
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, token: token}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health api.HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "memory", health.Backend)

	resp, body = ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "threads_requests_total")
}

func TestLoadThreadAnonymously(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/threads/t1/pages", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var forest models.Forest
	require.NoError(t, json.Unmarshal(body, &forest))
	require.Len(t, forest.Roots, 1)
	assert.Equal(t, "c1", forest.Roots[0].Children[0].ID)
	assert.Equal(t, 3, forest.VisibleCount)

	resp, body = ts.do(t, http.MethodPost, "/threads/t1/nodes/r1/like", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var apiErr api.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, utils.ErrAuthRequired, apiErr.Code)
}

func TestLikeAndAwaitOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodPost, "/threads/t1/pages", ts.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/threads/t1/nodes/r1/like", ts.token, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted api.MutationResponse
	require.NoError(t, json.Unmarshal(body, &accepted))
	assert.Equal(t, models.MutationLike, accepted.Mutation.Kind)
	assert.True(t, accepted.Mutation.Optimistic.Liked)

	resp, body = ts.do(t, http.MethodGet, "/threads/t1/mutations/"+accepted.Mutation.CorrelationID+"?timeout=2", ts.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out api.OutcomeResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, models.StateConfirmed, out.State)
	assert.Nil(t, out.Error)
}

func TestCommandErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/threads/t1/pages", ts.token, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"reply too deep", http.MethodPost, "/threads/t1/nodes/g1/replies", ContentRequest{Content: "x"}, http.StatusBadRequest, utils.ErrValidation},
		{"empty create", http.MethodPost, "/threads/t1/nodes", ContentRequest{}, http.StatusBadRequest, utils.ErrValidation},
		{"unknown field", http.MethodPost, "/threads/t1/nodes/r1/vote", map[string]string{"option": "A"}, http.StatusBadRequest, utils.ErrValidation},
		{"vote without poll", http.MethodPost, "/threads/t1/nodes/r1/vote", VoteRequest{OptionID: "A"}, http.StatusBadRequest, utils.ErrValidation},
		{"unknown mutation", http.MethodGet, "/threads/t1/mutations/nope", nil, http.StatusNotFound, utils.ErrNotFound},
		{"bad timeout", http.MethodGet, "/threads/t1/mutations/nope?timeout=soon", nil, http.StatusBadRequest, utils.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, tt.method, tt.path, ts.token, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			var apiErr api.ErrorResponse
			require.NoError(t, json.Unmarshal(body, &apiErr))
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestWebSocketStreamsThreadEvents(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/threads/t1/pages", ts.token, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/threads/t1/ws?token=" + ts.token
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp, body := ts.do(t, http.MethodPost, "/threads/t1/nodes/c1/replies", ts.token, ContentRequest{Content: "live"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var accepted api.MutationResponse
	require.NoError(t, json.Unmarshal(body, &accepted))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var settled *models.ThreadEvent
	for settled == nil {
		_, message, err := conn.ReadMessage()
		require.NoError(t, err)
		scanner := bufio.NewScanner(bytes.NewReader(message))
		for scanner.Scan() {
			var ev models.ThreadEvent
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
			if ev.Kind == models.EventMutationSettled {
				settled = &ev
			}
		}
	}
	assert.Equal(t, accepted.Mutation.CorrelationID, settled.CorrelationID)
	assert.Equal(t, models.StateConfirmed, settled.State)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/threads/t1/ws?token=nonsense"
	_, resp, err := ws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
