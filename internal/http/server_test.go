package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devtrace/internal/faults"
	"github.com/fyrsmithlabs/devtrace/internal/logging"
	"github.com/fyrsmithlabs/devtrace/internal/metrics"
	"github.com/fyrsmithlabs/devtrace/internal/phase"
)

func desc(name string, defaults phase.Options) phase.Descriptor {
	return phase.Descriptor{
		Name:        name,
		Input:       phase.TypeString,
		Output:      phase.TypeJSON,
		Arity:       phase.OneToOne,
		Async:       true,
		MaxParallel: 1,
		Defaults:    defaults,
	}
}

type testRig struct {
	server   *Server
	registry *phase.Registry
	reg      *prometheus.Registry
	release  chan struct{}
	entered  chan struct{}
}

func setupTestServer(t *testing.T, cfg *Config) *testRig {
	t.Helper()

	rig := &testRig{
		registry: phase.NewRegistry(),
		reg:      prometheus.NewRegistry(),
		release:  make(chan struct{}),
		entered:  make(chan struct{}, 4),
	}
	rig.registry.Metrics = metrics.New(rig.reg)

	require.NoError(t, rig.registry.Register(desc("fetch", phase.Options{"browser": "system"}),
		func(ctx context.Context, input any, opts phase.Options) (any, error) {
			doc, _ := json.Marshal(map[string]string{
				"url":     input.(string),
				"browser": opts.String("browser"),
				"task":    logging.TaskIDFromContext(ctx),
			})
			return json.RawMessage(doc), nil
		}))
	require.NoError(t, rig.registry.Register(desc("slow", nil),
		func(ctx context.Context, _ any, _ phase.Options) (any, error) {
			rig.entered <- struct{}{}
			<-rig.release
			return json.RawMessage(`{}`), nil
		}))
	require.NoError(t, rig.registry.Register(desc("broken", nil),
		func(context.Context, any, phase.Options) (any, error) {
			return nil, faults.New(faults.KindPortForward, "establish forward", errors.New("exit status 1")).
				WithDiagnostic("error: no devices/emulators found")
		}))
	require.NoError(t, rig.registry.Alias("slowAlias", "slow"))

	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9191}
	}
	cfg.Gatherer = rig.reg

	server, err := NewServer(rig.registry, logging.NewNop(), cfg)
	require.NoError(t, err)
	rig.server = server
	return rig
}

func (r *testRig) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	r.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(phase.NewRegistry(), logging.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9191", server.Addr())
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(phase.NewRegistry(), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when registry is nil", func(t *testing.T) {
		_, err := NewServer(nil, logging.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "registry cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	rig := setupTestServer(t, nil)

	rec := rig.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestHandleListPhases(t *testing.T) {
	rig := setupTestServer(t, nil)

	rec := rig.do(http.MethodGet, "/api/v1/phases", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PhasesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	names := make([]string, len(resp.Phases))
	for i, d := range resp.Phases {
		names[i] = d.Name
	}
	assert.Equal(t, []string{"broken", "fetch", "slow"}, names)
	assert.Equal(t, map[string]string{"slowAlias": "slow"}, resp.Aliases)
	assert.Equal(t, "system", resp.Phases[1].Defaults["browser"])
	assert.Equal(t, 1, resp.Phases[1].MaxParallel)
}

func TestHandleGetPhase(t *testing.T) {
	rig := setupTestServer(t, nil)

	rec := rig.do(http.MethodGet, "/api/v1/phases/slowAlias", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var d phase.Descriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "slow", d.Name)

	rec = rig.do(http.MethodGet, "/api/v1/phases/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, KindNotFound, decodeError(t, rec).Kind)
}

func TestHandleInvoke(t *testing.T) {
	t.Run("returns output with merged options", func(t *testing.T) {
		rig := setupTestServer(t, nil)

		rec := rig.do(http.MethodPost, "/api/v1/phases/fetch",
			`{"input":"https://example.com","options":{"browser":"android-chrome"}}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp InvokeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "fetch", resp.Phase)
		assert.NotEmpty(t, resp.TaskID)

		var out map[string]string
		require.NoError(t, json.Unmarshal(resp.Output, &out))
		assert.Equal(t, "https://example.com", out["url"])
		assert.Equal(t, "android-chrome", out["browser"])
		assert.Equal(t, resp.TaskID, out["task"], "task id reaches the phase")
	})

	t.Run("defaults apply without overrides", func(t *testing.T) {
		rig := setupTestServer(t, nil)

		rec := rig.do(http.MethodPost, "/api/v1/phases/fetch", `{"input":"https://example.com"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp InvokeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, string(resp.Output), `"browser":"system"`)
	})

	t.Run("unknown phase", func(t *testing.T) {
		rig := setupTestServer(t, nil)
		rec := rig.do(http.MethodPost, "/api/v1/phases/nope", `{"input":"x"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing input", func(t *testing.T) {
		rig := setupTestServer(t, nil)
		rec := rig.do(http.MethodPost, "/api/v1/phases/fetch", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, KindBadRequest, decodeError(t, rec).Kind)
	})

	t.Run("input of wrong type", func(t *testing.T) {
		rig := setupTestServer(t, nil)
		rec := rig.do(http.MethodPost, "/api/v1/phases/fetch", `{"input":{"url":"x"}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rig := setupTestServer(t, nil)
		rec := rig.do(http.MethodPost, "/api/v1/phases/fetch", `{"input":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("fault kind maps to status", func(t *testing.T) {
		rig := setupTestServer(t, nil)
		rec := rig.do(http.MethodPost, "/api/v1/phases/broken", `{"input":"x"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		resp := decodeError(t, rec)
		assert.Equal(t, string(faults.KindPortForward), resp.Kind)
		assert.Equal(t, "error: no devices/emulators found", resp.Diagnostic)
	})
}

func TestHandleInvoke_MaxParallel(t *testing.T) {
	rig := setupTestServer(t, nil)

	var wg sync.WaitGroup
	var first *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = rig.do(http.MethodPost, "/api/v1/phases/slow", `{"input":"a"}`)
	}()

	select {
	case <-rig.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first invocation never started")
	}

	// The alias shares the canonical phase's slot.
	for _, path := range []string{"/api/v1/phases/slow", "/api/v1/phases/slowAlias"} {
		rec := rig.do(http.MethodPost, path, `{"input":"b"}`)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, path)
		assert.Equal(t, KindSaturated, decodeError(t, rec).Kind)
	}

	// Other phases are unaffected.
	rec := rig.do(http.MethodPost, "/api/v1/phases/fetch", `{"input":"c"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	close(rig.release)
	wg.Wait()
	assert.Equal(t, http.StatusOK, first.Code)

	// The slot is released after completion.
	rec = rig.do(http.MethodPost, "/api/v1/phases/slow", `{"input":"d"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	rig := setupTestServer(t, &Config{RateLimit: 1})

	rec := rig.do(http.MethodGet, "/api/v1/phases", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(http.MethodGet, "/api/v1/phases", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, KindRateLimited, decodeError(t, rec).Kind)

	rec = rig.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health is never limited")
}

func TestMetricsEndpoint(t *testing.T) {
	rig := setupTestServer(t, nil)

	rec := rig.do(http.MethodPost, "/api/v1/phases/fetch", `{"input":"https://example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = rig.do(http.MethodPost, "/api/v1/phases/broken", `{"input":"x"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = rig.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `devtrace_phase_invocations_total{phase="fetch",status="success"} 1`)
	assert.Contains(t, body, `devtrace_phase_invocations_total{phase="broken",status="port_forward"} 1`)
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{faults.New(faults.KindInvalidInput, "op", phase.ErrPhaseNotFound), http.StatusNotFound, KindNotFound},
		{faults.New(faults.KindInvalidInput, "op", errors.New("empty url")), http.StatusBadRequest, "invalid_input"},
		{faults.New(faults.KindBusy, "op", errors.New("busy")), http.StatusTooManyRequests, "busy"},
		{faults.New(faults.KindTimeout, "op", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{faults.New(faults.KindCanceled, "op", context.Canceled), 499, "canceled"},
		{faults.New(faults.KindOutputParse, "op", errors.New("bad json")), http.StatusBadGateway, "output_parse"},
		{faults.New(faults.KindServerBind, "op", errors.New("in use")), http.StatusServiceUnavailable, "server_bind"},
		{errors.New("plain"), http.StatusInternalServerError, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, body := errorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, body.Kind)
		})
	}
}

func TestStartShutdown(t *testing.T) {
	rig := setupTestServer(t, &Config{Host: "127.0.0.1", Port: freePort(t)})

	done := make(chan error, 1)
	go func() { done <- rig.server.Start() }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + rig.server.Addr() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rig.server.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
