package hearth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const testAdminPassword = "hunter2"

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestAPI returns a bot whose API accepts admin/hunter2
func newTestAPI(t *testing.T) (*Bot, *mockDiscordSession) {
	t.Helper()
	b, session := newTestBot(t)
	require.NotNil(t, b.api)

	hash, err := HashPassword(testAdminPassword)
	require.NoError(t, err)
	b.config.API.AdminPasswordHash = hash
	b.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 0)
	return b, session
}

func apiRequest(
	t *testing.T,
	b *Bot,
	method, path string,
	body any,
	auth bool,
) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.SetBasicAuth(b.config.API.AdminUsername, testAdminPassword)
	}
	w := httptest.NewRecorder()
	b.api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIHealthCheck(t *testing.T) {
	t.Parallel()
	b, _ := newTestAPI(t)

	w := apiRequest(t, b, http.MethodGet, apiHealthCheck, nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	b.discord.connected.Store(true)
	require.NoError(
		t,
		b.store.CreateChannel(context.Background(), &TempChannel{ChannelID: "c1", OwnerID: "alice", GuildID: testGuildID}),
	)

	w = apiRequest(t, b, http.MethodGet, apiHealthCheck, nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var rv healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rv))
	assert.True(t, rv.DiscordGatewayConnected)
	assert.True(t, rv.StoreAvailable)
	assert.Equal(t, 1, rv.ActiveChannels)
}

func TestAPILeaderboard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _ := newTestAPI(t)

	for id, xp := range map[string]int64{"100": 50, "200": 5000, "300": 900} {
		_, _, err := b.store.SetXP(ctx, id, testGuildID, xp)
		require.NoError(t, err)
	}

	w := apiRequest(t, b, http.MethodGet, apiPrefix+apiPathLeaderboard+"?limit=2", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []leaderboardEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, "200", entries[0].UserID)
	assert.Equal(t, 2, entries[1].Rank)
	assert.Equal(t, "300", entries[1].UserID)

	w = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathLeaderboard+"?limit=2&offset=2", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Rank)
	assert.Equal(t, "100", entries[0].UserID)

	w = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathLeaderboard+"?limit=500", nil, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIRank(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _ := newTestAPI(t)

	_, _, err := b.store.SetXP(ctx, "123", testGuildID, XPForLevel(4)+10)
	require.NoError(t, err)

	w := apiRequest(t, b, http.MethodGet, apiPrefix+"/rank/123", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var info RankInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, 4, info.Level)
	assert.Equal(t, int64(1), info.Rank)

	w = apiRequest(t, b, http.MethodGet, apiPrefix+"/rank/not-a-snowflake", nil, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIChannels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, session := newTestAPI(t)

	require.NoError(
		t,
		b.store.CreateChannel(ctx, &TempChannel{ChannelID: "c1", OwnerID: "alice", GuildID: testGuildID, Name: "I・Alice"}),
	)
	session.addChannel("c1", "I・Alice")
	session.addMember("alice")
	session.setVoice("alice", "c1")

	w := apiRequest(t, b, http.MethodGet, apiPrefix+apiPathChannels, nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var rv []channelResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rv))
	require.Len(t, rv, 1)
	assert.Equal(t, "c1", rv[0].ChannelID)
	assert.Equal(t, "alice", rv[0].OwnerID)
	assert.Equal(t, []string{"alice"}, rv[0].Occupants)
}

func TestAPISetXP(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _ := newTestAPI(t)
	path := apiPrefix + "/xp/555"

	w := apiRequest(t, b, http.MethodPut, path, map[string]any{"xp": 1000}, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), apiAuthRealm)

	w = apiRequest(t, b, http.MethodPut, path, map[string]any{"xp": -1}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, b, http.MethodPut, path, map[string]any{}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, b, http.MethodPut, path, map[string]any{"xp": 1000}, true)
	require.Equal(t, http.StatusOK, w.Code)
	var rv setXPResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rv))
	assert.Equal(t, "555", rv.UserID)
	assert.Equal(t, int64(1000), rv.XP)
	assert.Equal(t, 4, rv.Level)

	row, err := b.store.GetUserXP(ctx, "555", testGuildID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), row.XP)

	// zero is a valid value
	w = apiRequest(t, b, http.MethodPut, path, map[string]any{"xp": 0}, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rv))
	assert.Zero(t, rv.Level)
}

func TestAPIAuth(t *testing.T) {
	t.Parallel()
	b, _ := newTestAPI(t)
	path := apiPrefix + "/xp/555"
	payload := map[string]any{"xp": 10}

	send := func(user, pass string) int {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
		req := httptest.NewRequest(http.MethodPut, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		req.SetBasicAuth(user, pass)
		w := httptest.NewRecorder()
		b.api.engine.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send("admin", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, send("root", testAdminPassword))
	assert.Equal(t, http.StatusOK, send("admin", testAdminPassword))

	b.api.loginRequestLimiter = rate.NewLimiter(rate.Limit(0.001), 1)
	assert.Equal(t, http.StatusOK, send("admin", testAdminPassword))
	assert.Equal(t, http.StatusTooManyRequests, send("admin", testAdminPassword))

	// admin routes are closed without a configured hash
	b.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 0)
	b.config.API.AdminPasswordHash = ""
	assert.Equal(t, http.StatusUnauthorized, send("admin", testAdminPassword))
}

func TestAPISweep(t *testing.T) {
	t.Parallel()
	b, _ := newTestAPI(t)

	w := apiRequest(t, b, http.MethodPost, apiPrefix+apiPathSweep, nil, true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	notifier, err := newDBNotifier(b)
	require.NoError(t, err)
	b.dbNotifier = notifier

	w = apiRequest(t, b, http.MethodPost, apiPrefix+apiPathSweep, nil, true)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, b.triggerSweepCh, 1)

	// a pending sweep is coalesced
	w = apiRequest(t, b, http.MethodPost, apiPrefix+apiPathSweep, nil, true)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, b.triggerSweepCh, 1)
}

func TestAPIQuit(t *testing.T) {
	t.Parallel()
	b, _ := newTestAPI(t)
	notifier, err := newDBNotifier(b)
	require.NoError(t, err)
	b.dbNotifier = notifier
	b.signalStop = make(chan struct{}, 1)

	w := apiRequest(t, b, http.MethodPost, apiPrefix+apiPathQuit, nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, b.signalStop)

	w = apiRequest(t, b, http.MethodPost, apiPrefix+apiPathQuit, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, b.signalStop, 1)
}

func TestAPIRateLimit(t *testing.T) {
	t.Parallel()
	b, _ := newTestAPI(t)
	b.api.limiter = rate.NewLimiter(rate.Limit(0.001), 1)

	path := apiPrefix + apiPathLeaderboard
	assert.Equal(t, http.StatusOK, apiRequest(t, b, http.MethodGet, path, nil, false).Code)
	assert.Equal(t, http.StatusTooManyRequests, apiRequest(t, b, http.MethodGet, path, nil, false).Code)

	// the health check isn't limited
	b.discord.connected.Store(true)
	assert.Equal(t, http.StatusOK, apiRequest(t, b, http.MethodGet, apiHealthCheck, nil, false).Code)
}
