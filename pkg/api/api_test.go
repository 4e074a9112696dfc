package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathom-labs/appwarden/pkg/audit"
	"github.com/fathom-labs/appwarden/pkg/confirm"
	"github.com/fathom-labs/appwarden/pkg/contracts"
	"github.com/fathom-labs/appwarden/pkg/control"
	"github.com/fathom-labs/appwarden/pkg/executor"
	"github.com/fathom-labs/appwarden/pkg/plan"
	"github.com/fathom-labs/appwarden/pkg/target"
)

type okAdapter struct{}

func (okAdapter) ExecuteOperation(_ context.Context, _ string, _ contracts.Operation, _ contracts.AuthContext, _ string) (any, *contracts.StandardError) {
	return map[string]any{"$id": "res_1"}, nil
}

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	auth := contracts.AuthContext{Endpoint: "https://aw.example.com/v1", APIKey: "key_a"}
	exec := executor.New(executor.Options{
		Dispatcher:  okAdapter{},
		ProjectAuth: map[string]contracts.AuthContext{"p_a": auth},
		Sink:        audit.NewMemorySink(),
	})
	confirmSvc, err := confirm.NewService("test-secret")
	require.NoError(t, err)
	svc := control.New(control.Options{
		Resolver: target.NewResolver(nil, []string{"p_a"}, nil, nil),
		Plans:    plan.NewManager(10*time.Minute, ""),
		Confirm:  confirmSvc,
		Executor: exec,
	})
	return NewDispatcher(svc, nil)
}

func TestStdioServeRoundTrip(t *testing.T) {
	h := NewStdioHost(newDispatcher(t), nil)

	in := strings.Join([]string{
		`{"tool":"context.get"}`,
		`not json`,
		`{"tool":"capabilities.list","request":{"transport":"stdio"}}`,
		`{"request":{}}`,
	}, "\n")
	var out bytes.Buffer
	require.NoError(t, h.Serve(context.Background(), strings.NewReader(in), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)

	var first stdioResponse
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "context.get", first.Tool)
	assert.Empty(t, first.Error)

	var second stdioResponse
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Contains(t, second.Error, "malformed frame")

	var fourth stdioResponse
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &fourth))
	assert.Contains(t, fourth.Error, "missing a tool name")
}

func TestHTTPHostToolCall(t *testing.T) {
	h := NewHTTPHost(newDispatcher(t), nil)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	body := `{"transport":"http"}`
	resp, err := http.Post(srv.URL+"/v1/tools/capabilities.list", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded contracts.CapabilitiesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "1.8.0", decoded.Capabilities.ScopeCatalogVersion)
}

func TestHTTPHostUnknownTool(t *testing.T) {
	h := NewHTTPHost(newDispatcher(t), nil)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/tools/nope", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestHTTPHostToolFailureIsInBand(t *testing.T) {
	h := NewHTTPHost(newDispatcher(t), nil)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	// missing actor -> VALIDATION_ERROR inside a 200 response
	body := `{"targets":[{"project_id":"p_a"}],"operations":[{"operation_id":"op-1","action":"database.create","params":{"name":"x"}}]}`
	resp, err := http.Post(srv.URL+"/v1/tools/changes.preview", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded contracts.MutationErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "FAILED", decoded.Status)
	assert.Equal(t, contracts.CodeValidationError, decoded.Error.Code)
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	h := NewHTTPHost(newDispatcher(t), nil)
	limited := NewRateLimiter(1, 1).Middleware(h.Handler())
	srv := httptest.NewServer(limited)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/tools/context.get", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/tools/context.get", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestJWTAuthOverridesActor(t *testing.T) {
	h := NewHTTPHost(newDispatcher(t), nil)
	authed := NewJWTAuth("jwt-secret").Middleware(h.Handler())
	srv := httptest.NewServer(authed)
	defer srv.Close()

	// no token -> 401
	resp, err := http.Post(srv.URL+"/v1/tools/context.get", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice@example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("jwt-secret"))
	require.NoError(t, err)

	body := `{"actor":"spoofed","targets":[{"project_id":"p_a"}],"operations":[{"operation_id":"op-1","action":"database.create","params":{"name":"x"}}]}`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/tools/changes.preview", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signed)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded contracts.PreviewResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "alice@example.com", decoded.Plan.Actor)
}

func TestHealthzIsPublic(t *testing.T) {
	h := NewHTTPHost(newDispatcher(t), nil)
	authed := NewJWTAuth("jwt-secret").Middleware(h.Handler())
	srv := httptest.NewServer(authed)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimiterCloseIsIdempotent(t *testing.T) {
	h := NewHTTPHost(newDispatcher(t), nil)
	limiter := NewRateLimiter(100, 10)
	srv := httptest.NewServer(limiter.Middleware(h.Handler()))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/tools/context.get", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	limiter.Close()
	limiter.Close()

	// Closing only stops the cleanup loop; in-flight serving still works.
	resp, err = http.Post(srv.URL+"/v1/tools/context.get", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
