package ocbot

import (
	"context"
	"encoding/json"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

// gin's mode and default writer are global, so these tests don't run
// in parallel

func newTestHTTPServer(t *testing.T) (*Bot, *HTTPServer) {
	t.Helper()
	gin.DefaultWriter = io.Discard
	cfg := DefaultTestConfig(t)
	cfg.HTTP.Enabled = true
	cfg.HTTP.AdminLoginRateLimit = 0.001
	cfg.Development = true
	bot, _ := newTestBotWithConfig(t, cfg)
	require.NotNil(t, bot.http)
	gin.SetMode(gin.TestMode)
	return bot, bot.http
}

func serveRequest(
	s *HTTPServer,
	method string,
	path string,
	token string,
) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", authorizationScheme+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestHTTP_Root(t *testing.T) {
	_, s := newTestHTTPServer(t)

	w := serveRequest(s, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, apiRootResponse, w.Body.String())
	assert.Len(t, w.Header().Get(xRequestIDHeader), 32)

	w = serveRequest(s, http.MethodHead, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHTTP_HealthCheck(t *testing.T) {
	bot, s := newTestHTTPServer(t)
	bot.reservations.Reserve("m1", time.Minute)

	w := serveRequest(s, http.MethodGet, apiHealthCheck, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.InFlight)
	assert.Equal(t, 1, resp.Reservations)
	assert.False(t, resp.Discord.Connected)
	assert.NotEmpty(t, resp.Uptime)
}

func TestHTTP_Unauthorized(t *testing.T) {
	bot, s := newTestHTTPServer(t)

	w := serveRequest(s, http.MethodGet, apiPrefix+apiPathStats, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	require.NoError(t, SetAdminToken(context.Background(), bot.writeDB, "tok"))

	w = serveRequest(s, http.MethodGet, apiPrefix+apiPathStats, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serveRequest(s, http.MethodGet, apiPrefix+apiPathStats, "wrong")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// the correct token isn't checked while the limiter is exhausted
	w = serveRequest(s, http.MethodGet, apiPrefix+apiPathStats, "tok")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHTTP_NoAdminToken(t *testing.T) {
	_, s := newTestHTTPServer(t)

	w := serveRequest(s, http.MethodGet, apiPrefix+apiPathStats, "tok")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serveRequest(s, http.MethodGet, apiPrefix+apiPathStats, "tok")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHTTP_ValidTokenNotRateLimited(t *testing.T) {
	bot, s := newTestHTTPServer(t)
	require.NoError(t, SetAdminToken(context.Background(), bot.writeDB, "tok"))

	for i := 0; i < 3; i++ {
		w := serveRequest(s, http.MethodGet, apiPrefix+apiPathStats, "tok")
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w := serveRequest(s, http.MethodGet, apiPrefix+apiPathStats, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serveRequest(s, http.MethodGet, apiPrefix+apiPathStats, "tok")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHTTP_Stats(t *testing.T) {
	bot, s := newTestHTTPServer(t)
	ctx := context.Background()
	require.NoError(t, SetAdminToken(ctx, bot.writeDB, "tok"))

	bot.handleMessage(ctx, newMessageCreate("m1", "u1", "!commands"))

	w := serveRequest(s, http.MethodGet, apiPrefix+apiPathStats, "tok")
	require.Equal(t, http.StatusOK, w.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Replies.Total)
	assert.Equal(t, int64(1), resp.Replies.Attempts[ReplySucceeded.String()])
	assert.Equal(t, int64(1), resp.Discord.MessagesHandled)
	assert.Equal(t, Version, resp.Version)
}

func TestHTTP_Replies(t *testing.T) {
	bot, s := newTestHTTPServer(t)
	ctx := context.Background()
	require.NoError(t, SetAdminToken(ctx, bot.writeDB, "tok"))

	for _, id := range []string{"m1", "m2", "m3"} {
		bot.handleMessage(ctx, newMessageCreate(id, "u1", "!commands"))
	}

	w := serveRequest(s, http.MethodGet, apiPrefix+apiPathReplies+"?limit=500", "tok")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serveRequest(s, http.MethodGet, apiPrefix+apiPathReplies+"?limit=2", "tok")
	require.Equal(t, http.StatusOK, w.Code)

	var logs []ReplyLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs, 2)
	assert.Equal(t, "m3", logs[0].EventID)
	assert.Equal(t, "m2", logs[1].EventID)

	w = serveRequest(
		s,
		http.MethodGet,
		apiPrefix+apiPathReplies+"?limit=2&before="+strconv.FormatUint(uint64(logs[1].ID), 10),
		"tok",
	)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "m1", logs[0].EventID)
}

func TestHTTP_Quit(t *testing.T) {
	bot, s := newTestHTTPServer(t)
	require.NoError(t, SetAdminToken(context.Background(), bot.writeDB, "tok"))

	w := serveRequest(s, http.MethodPost, apiPrefix+apiPathQuit, "tok")
	require.Equal(t, http.StatusOK, w.Code)

	var resp httpReply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "quitting", resp.Message)

	select {
	case <-bot.signalStop:
	default:
		t.Fatal("expected stop signal")
	}
}

func TestAdminToken(t *testing.T) {
	gdb := setupTestDB(t)
	db := NewDatabase(gdb, nil, false)
	ctx := context.Background()

	set, err := AdminTokenSet(ctx, gdb)
	require.NoError(t, err)
	assert.False(t, set)

	assert.Error(t, SetAdminToken(ctx, db, ""))

	token, err := GenerateAdminToken()
	require.NoError(t, err)
	assert.Len(t, token, adminTokenBytes*2)

	require.NoError(t, SetAdminToken(ctx, db, "first"))
	require.NoError(t, SetAdminToken(ctx, db, token))

	var count int64
	require.NoError(t, gdb.Model(&AdminCredential{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	cred, err := getAdminCredential(ctx, gdb)
	require.NoError(t, err)
	ok, err := VerifyAdminToken(cred.TokenHash, token)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAdminToken(cred.TokenHash, "first")
	require.NoError(t, err)
	assert.False(t, ok)
}
