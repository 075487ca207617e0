package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"todoapi.org/internal/audit"
	"todoapi.org/internal/auth"
	"todoapi.org/internal/task"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) events(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		out = append(out, ev)
	}
	return out
}

// countingStore records how often storage was touched.
type countingStore struct {
	task.Store
	calls atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, id uuid.UUID) (task.Task, error) {
	s.calls.Add(1)
	return s.Store.Get(ctx, id)
}

func (s *countingStore) ListByOwner(ctx context.Context, owner string) ([]task.Task, error) {
	s.calls.Add(1)
	return s.Store.ListByOwner(ctx, owner)
}

func (s *countingStore) Insert(ctx context.Context, t task.Task) (task.Task, error) {
	s.calls.Add(1)
	return s.Store.Insert(ctx, t)
}

func (s *countingStore) Update(ctx context.Context, t task.Task) (task.Task, error) {
	s.calls.Add(1)
	return s.Store.Update(ctx, t)
}

func (s *countingStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.calls.Add(1)
	return s.Store.Delete(ctx, id)
}

type testEnv struct {
	t       *testing.T
	baseURL string
	client  *http.Client
	priv    ed25519.PrivateKey
	store   *countingStore
	backing *task.InMemory
	log     *lockedBuffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: pub, KeyID: "k1", Algorithm: auth.Algorithm, Use: "sig"},
	}})
	require.NoError(t, err)
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	}))
	t.Cleanup(idp.Close)

	keys, err := auth.NewKeyCache(idp.URL + "/api/auth/jwks")
	require.NoError(t, err)

	buf := &lockedBuffer{}
	events := audit.NewLogger(log.New(buf, "", 0))
	backing := task.NewInMemory()
	store := &countingStore{Store: backing}

	api := New(ReadyProbe{}, auth.NewVerifier(keys, events), auth.NewGuard(events), store, Options{
		Version:        "test",
		AllowedOrigins: []string{"http://localhost:3000"},
		RateBurst:      1000,
		RatePerSecond:  1000,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		t:       t,
		baseURL: srv.URL,
		client:  srv.Client(),
		priv:    priv,
		store:   store,
		backing: backing,
		log:     buf,
	}
}

func (e *testEnv) token(sub string, ttl time.Duration) string {
	e.t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(e.priv)
	require.NoError(e.t, err)
	return s
}

func (e *testEnv) do(method, path, token string, body any) *http.Response {
	e.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.baseURL+path, payload)
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Forwarded-For", "192.168.1.42")
	req.Header.Set("User-Agent", "api-test")
	resp, err := e.client.Do(req)
	require.NoError(e.t, err)
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestRootAndHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string]any{"status": "ok"}, decode[map[string]any](t, resp))

	resp = env.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "test", decode[map[string]any](t, resp)["version"])

	resp = env.do(http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.Empty(t, env.log.events(t))
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token("u_abc", 15*time.Minute)

	resp := env.do(http.MethodPost, "/api/u_abc/tasks", tok, map[string]any{"title": "Buy milk"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[task.Task](t, resp)
	require.Equal(t, "u_abc", created.UserID)
	require.Equal(t, "Buy milk", created.Title)
	require.False(t, created.IsCompleted)
	taskPath := "/api/u_abc/tasks/" + created.ID.String()

	resp = env.do(http.MethodGet, "/api/u_abc/tasks", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[taskListResponse](t, resp)
	require.Equal(t, 1, list.Count)
	require.Equal(t, created.ID, list.Tasks[0].ID)

	resp = env.do(http.MethodGet, taskPath, tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, created.ID, decode[task.Task](t, resp).ID)

	resp = env.do(http.MethodPut, taskPath, tok, map[string]any{"title": "Buy oat milk"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[task.Task](t, resp)
	require.Equal(t, "Buy oat milk", updated.Title)
	require.False(t, updated.IsCompleted)

	resp = env.do(http.MethodPatch, taskPath+"/complete", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, decode[task.Task](t, resp).IsCompleted)

	resp = env.do(http.MethodPatch, taskPath+"/complete", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, decode[task.Task](t, resp).IsCompleted)

	resp = env.do(http.MethodDelete, taskPath, tok, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(http.MethodGet, taskPath, tok, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "Task not found", decode[map[string]any](t, resp)["detail"])

	require.Empty(t, env.log.events(t), "successful requests must not write security events")
}

func TestPathMismatchDeniedBeforeStorage(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token("u_abc", 15*time.Minute)

	resp := env.do(http.MethodGet, "/api/u_other/tasks", tok, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
	require.Zero(t, env.store.calls.Load())

	events := env.log.events(t)
	require.Len(t, events, 1)
	require.Equal(t, "AUTH_DENIED", events[0]["event_type"])
	require.Equal(t, "u_abc", events[0]["user_id"])
	require.Equal(t, "192.168.1.xxx", events[0]["ip_address"])
	details := events[0]["details"].(map[string]any)
	require.Equal(t, "GET /api/u_other/tasks", details["resource"])
	require.NotEmpty(t, details["request_id"])
}

func TestPathMismatchOnTaskRoutes(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token("u_abc", 15*time.Minute)
	id := uuid.NewString()

	cases := []struct {
		method, path string
	}{
		{http.MethodPost, "/api/u_other/tasks"},
		{http.MethodGet, "/api/u_other/tasks/" + id},
		{http.MethodPut, "/api/u_other/tasks/" + id},
		{http.MethodDelete, "/api/u_other/tasks/" + id},
		{http.MethodPatch, "/api/u_other/tasks/" + id + "/complete"},
		// The path check runs before the task id is parsed.
		{http.MethodGet, "/api/u_other/tasks/not-a-uuid"},
	}
	for _, tc := range cases {
		resp := env.do(tc.method, tc.path, tok, map[string]any{"title": "x"})
		require.Equal(t, http.StatusForbidden, resp.StatusCode, tc.method+" "+tc.path)
		resp.Body.Close()
	}
	require.Zero(t, env.store.calls.Load())

	events := env.log.events(t)
	require.Len(t, events, len(cases))
	for i, tc := range cases {
		require.Equal(t, tc.method+" "+tc.path, events[i]["details"].(map[string]any)["resource"])
	}
}

func TestMissingTaskIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token("u_abc", 15*time.Minute)

	resp := env.do(http.MethodGet, "/api/u_abc/tasks/"+uuid.NewString(), tok, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	require.Equal(t, "Task not found", body["detail"])
	require.NotEmpty(t, body["request_id"])
	require.Empty(t, env.log.events(t))
}

func TestForeignRecordIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	theirs, err := task.New("u_other", "private", time.Now())
	require.NoError(t, err)
	_, err = env.backing.Insert(context.Background(), theirs)
	require.NoError(t, err)
	tok := env.token("u_abc", 15*time.Minute)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		resp := env.do(method, "/api/u_abc/tasks/"+theirs.ID.String(), tok, map[string]any{"title": "mine now"})
		require.Equal(t, http.StatusForbidden, resp.StatusCode, method)
		resp.Body.Close()
	}
	resp := env.do(http.MethodPatch, "/api/u_abc/tasks/"+theirs.ID.String()+"/complete", tok, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	got, err := env.backing.Get(context.Background(), theirs.ID)
	require.NoError(t, err)
	require.Equal(t, "private", got.Title)
	require.False(t, got.IsCompleted)
	require.Empty(t, env.log.events(t), "record ownership failures are not security events")
}

func TestUnauthenticatedRequestsAreUniform(t *testing.T) {
	env := newTestEnv(t)
	_, strangerKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	forged := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"sub": "u_abc",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	forged.Header["kid"] = "k1"
	forgedToken, err := forged.SignedString(strangerKey)
	require.NoError(t, err)

	cases := map[string]struct {
		token  string
		reason string
	}{
		"missing":  {"", "token_validation_failed: missing_token"},
		"garbage":  {"not-a-token", "token_validation_failed: malformed"},
		"expired":  {env.token("u_abc", -time.Hour), auth.ReasonTokenExpired},
		"tampered": {forgedToken, auth.ReasonInvalidSignature},
	}
	var details []string
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			before := len(env.log.events(t))
			resp := env.do(http.MethodGet, "/api/u_abc/tasks", tc.token, nil)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			require.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
			body := decode[map[string]any](t, resp)
			details = append(details, body["detail"].(string))

			events := env.log.events(t)
			require.Len(t, events, before+1)
			last := events[len(events)-1]
			require.Equal(t, "AUTH_LOGIN_FAILURE", last["event_type"])
			require.Nil(t, last["user_id"])
			require.Equal(t, tc.reason, last["details"].(map[string]any)["reason"])
		})
	}
	for _, d := range details {
		require.Equal(t, "Could not validate credentials", d)
	}
	require.Zero(t, env.store.calls.Load())
}

func TestTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token("u_abc", 15*time.Minute)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"empty title", http.MethodPost, "/api/u_abc/tasks", map[string]any{"title": ""}},
		{"long title", http.MethodPost, "/api/u_abc/tasks", map[string]any{"title": strings.Repeat("a", task.MaxTitleLength+1)}},
		{"missing title", http.MethodPost, "/api/u_abc/tasks", map[string]any{}},
		{"unknown field", http.MethodPost, "/api/u_abc/tasks", map[string]any{"title": "x", "user_id": "u_other"}},
		{"bad task id", http.MethodGet, "/api/u_abc/tasks/42", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(tc.method, tc.path, tok, tc.body)
			require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
			resp.Body.Close()
		})
	}

	resp := env.do(http.MethodPost, "/api/u_abc/tasks", tok, map[string]any{"title": "ok"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[task.Task](t, resp)

	resp = env.do(http.MethodPut, "/api/u_abc/tasks/"+created.ID.String(), tok, map[string]any{"title": ""})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestResponsesCarryHardeningHeaders(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodGet, "/healthz", "", nil)
	defer resp.Body.Close()
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	require.NotEmpty(t, resp.Header.Get(requestIDHeader))
}
