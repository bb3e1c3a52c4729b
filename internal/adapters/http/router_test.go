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

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/CamSignal/internal/app/ice"
	"github.com/dkeye/CamSignal/internal/app/orch"
	"github.com/dkeye/CamSignal/internal/core"
	"github.com/dkeye/CamSignal/internal/core/coretest"
	"github.com/dkeye/CamSignal/internal/domain"
)

func newServer(t *testing.T, deps Deps) (*httptest.Server, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := clock.NewMock()

	relay := coretest.NewTransport(domain.TransportRelay, core.Capabilities{LocalOffer: true, Trickle: true})
	pull := coretest.NewTransport(domain.TransportPull, core.Capabilities{LocalOffer: true, Trickle: true})
	pull.OpenErr = errors.New("endpoint not configured")
	o := orch.New(orch.DefaultConfig(), clk, &coretest.Factory{}, ice.NewPolicy(clk, time.Second), relay, pull)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()

	deps.Orch = o
	srv := httptest.NewServer(SetupRouter(ctx, Options{Mode: "test", Secret: "s3cret"}, deps))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})
	return srv, o
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var sb strings.Builder
	_, _ = bufio.NewReader(resp.Body).WriteTo(&sb)
	return resp, sb.String()
}

func TestSessionLifecycleOverAPI(t *testing.T) {
	srv, _ := newServer(t, Deps{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/sessions/cam1", `{"icePolicy":"batched"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	var snap domain.SessionSnapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	require.Equal(t, domain.TargetID("cam1"), snap.Target)
	require.Equal(t, domain.TransportRelay, snap.Transport)
	require.Equal(t, domain.IceBatched, snap.IcePolicy)
	require.NotEmpty(t, resp.Header.Get("Set-Cookie"))

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/sessions/cam1", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snaps []domain.SessionSnapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snaps))
	require.Len(t, snaps, 1)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/sessions/totals", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var totals domain.Totals
	require.NoError(t, json.Unmarshal([]byte(body), &totals))
	require.Equal(t, 1, totals.Sessions)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/sessions/cam1", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/sessions/cam1", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartSessionErrors(t *testing.T) {
	srv, _ := newServer(t, Deps{})

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/sessions/cam2", `{"transport":"pull"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/sessions/cam2", `{"transport":"carrier-pigeon"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/sessions/cam2", `{"icePolicy":"sometimes"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/sessions/cam2", `{"transport":"managed-cloud"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestTargetsHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "camsignal_sample_total", Help: "sample"}))

	srv, _ := newServer(t, Deps{
		Targets: func() []domain.TargetID { return []domain.TargetID{"cam1", "cam2"} },
		Health:  func() domain.RelayHealth { return domain.RelayHealth{Connected: true, MissedAcks: 1} },
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/targets", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, `"cam2"`)
	require.Contains(t, body, `"pull"`)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/relay/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h domain.RelayHealth
	require.NoError(t, json.Unmarshal([]byte(body), &h))
	require.True(t, h.Connected)
	require.Equal(t, 1, h.MissedAcks)

	resp, body = do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "camsignal_sample_total")

	resp, _ = do(t, http.MethodGet, srv.URL+"/ws", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRelayHealthDisabled(t *testing.T) {
	srv, _ := newServer(t, Deps{})
	resp, _ := do(t, http.MethodGet, srv.URL+"/api/relay/health", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	srv, o := newServer(t, Deps{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", strings.Split(resp.Header.Get("Content-Type"), ";")[0])

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if name, ok := strings.CutPrefix(lines.Text(), "event:"); ok {
				return strings.TrimSpace(name)
			}
		}
		return ""
	}
	require.Equal(t, "totals", next())

	_, err = o.StartOutbound(context.Background(), "cam9", domain.TransportRelay, orch.Options{})
	require.NoError(t, err)
	require.Equal(t, "state", next())

	for lines.Scan() {
		if data, ok := strings.CutPrefix(lines.Text(), "data:"); ok {
			var v EventView
			require.NoError(t, json.Unmarshal([]byte(data), &v))
			require.Equal(t, domain.TargetID("cam9"), v.Target)
			require.Equal(t, "idle", v.Old)
			return
		}
	}
	t.Fatal("no data line")
}
