package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/prefetch/internal/cache"
	"github.com/any-hub/prefetch/internal/engine"
	"github.com/any-hub/prefetch/internal/fetch"
	"github.com/any-hub/prefetch/internal/netgate"
	"github.com/any-hub/prefetch/internal/server"
	"github.com/any-hub/prefetch/internal/telemetry"
)

func TestFetchServesUpstreamThenCache(t *testing.T) {
	env := newRouteEnv(t)

	resp := env.do(t, "GET", "/fetch?url="+url.QueryEscape(env.upstream.URL+"/file.bin"), "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "payload:/file.bin" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.Header.Get(headerCacheHit) != "false" {
		t.Fatalf("first fetch should miss the cache")
	}
	if resp.Header.Get(headerTaskID) == "" {
		t.Fatalf("expected task id header")
	}

	resp = env.do(t, "GET", "/fetch?url="+url.QueryEscape(env.upstream.URL+"/file.bin"), "")
	if resp.StatusCode != fiber.StatusOK || resp.Header.Get(headerCacheHit) != "true" {
		t.Fatalf("expected cache hit, status=%d hit=%s", resp.StatusCode, resp.Header.Get(headerCacheHit))
	}
	if hits := env.hits.Load(); hits != 1 {
		t.Fatalf("expected one upstream request, got %d", hits)
	}

	resp = env.do(t, "GET", "/fetch?refresh=1&url="+url.QueryEscape(env.upstream.URL+"/file.bin"), "")
	if resp.Header.Get(headerCacheHit) != "false" || env.hits.Load() != 2 {
		t.Fatalf("refresh should bypass the cache")
	}
}

func TestFetchForwardsHeaderParams(t *testing.T) {
	env := newRouteEnv(t)

	target := url.QueryEscape(env.upstream.URL + "/auth")
	resp := env.do(t, "GET", "/fetch?url="+target+"&header="+url.QueryEscape("X-Token: secret"), "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := env.lastToken.Load(); got == nil || got.(string) != "secret" {
		t.Fatalf("expected X-Token to reach upstream, got %v", got)
	}

	resp = env.do(t, "GET", "/fetch?url="+target+"&header=broken", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for malformed header, got %d", resp.StatusCode)
	}
}

func TestFetchMapsFailures(t *testing.T) {
	env := newRouteEnv(t)

	resp := env.do(t, "GET", "/fetch?url="+url.QueryEscape(env.upstream.URL+"/missing"), "")
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502 for upstream 404, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, `"status":404`) {
		t.Fatalf("expected upstream status in body, got %s", body)
	}

	resp = env.do(t, "GET", "/fetch?url=not-a-url", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for invalid url, got %d", resp.StatusCode)
	}

	env.gate.Apply(netgate.Lost())
	resp = env.do(t, "GET", "/fetch?url="+url.QueryEscape(env.upstream.URL+"/offline"), "")
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 when offline, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "network_unreachable") {
		t.Fatalf("expected network_unreachable, got %s", body)
	}
}

func TestPreloadCancelAndRemove(t *testing.T) {
	env := newRouteEnv(t)
	target := url.QueryEscape(env.upstream.URL + "/slow")

	resp := env.do(t, "POST", "/preload?url="+target, "")
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var preload struct {
		TaskID   string `json:"task_id"`
		State    string `json:"state"`
		CacheHit bool   `json:"cache_hit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&preload); err != nil {
		t.Fatalf("decode preload: %v", err)
	}
	if preload.TaskID == "" || preload.State != "RUNNING" || preload.CacheHit {
		t.Fatalf("unexpected preload response: %+v", preload)
	}

	resp = env.do(t, "POST", "/cancel?url="+target, "")
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 from cancel, got %d", resp.StatusCode)
	}
	if env.engine.InFlight() != 0 {
		t.Fatalf("cancel should retire the task")
	}

	for i := 0; i < 2; i++ {
		resp = env.do(t, "DELETE", "/cache?url="+target, "")
		if resp.StatusCode != fiber.StatusNoContent {
			t.Fatalf("expected 204 from remove, got %d", resp.StatusCode)
		}
	}

	resp = env.do(t, "POST", "/cancel?url=", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for empty url, got %d", resp.StatusCode)
	}
}

func TestBudgetAndStatus(t *testing.T) {
	env := newRouteEnv(t)

	resp := env.do(t, "GET", "/fetch?url="+url.QueryEscape(env.upstream.URL+"/small"), "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = env.do(t, "PUT", "/-/budget", `{"ram":"0","file":"2 MiB"}`)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 from budget, got %d", resp.StatusCode)
	}

	resp = env.do(t, "GET", "/-/status", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 from status, got %d", resp.StatusCode)
	}
	var status struct {
		Version  string                      `json:"version"`
		InFlight int                         `json:"in_flight"`
		Network  struct {
			Reachable bool   `json:"reachable"`
			Kind      string `json:"kind"`
		} `json:"network"`
		Tiers    map[string]engine.TierStats `json:"tiers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Tiers["memory"].Budget != 0 || status.Tiers["memory"].Used != 0 {
		t.Fatalf("memory tier should be empty: %+v", status.Tiers["memory"])
	}
	if status.Tiers["disk"].Budget != 2<<20 || status.Tiers["disk"].Used == 0 {
		t.Fatalf("entry should have been demoted to disk: %+v", status.Tiers["disk"])
	}
	if !status.Network.Reachable || status.Network.Kind != "other" || status.Version == "" {
		t.Fatalf("unexpected status payload: %+v", status)
	}

	for _, body := range []string{`{}`, `{"ram":"lots"}`, `not json`} {
		resp = env.do(t, "PUT", "/-/budget", body)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, resp.StatusCode)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newRouteEnv(t)
	env.do(t, "GET", "/fetch?url="+url.QueryEscape(env.upstream.URL+"/metered"), "")

	resp := env.do(t, "GET", "/-/metrics", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "prefetch_") {
		t.Fatalf("expected prefetch metrics, got %s", body)
	}
}

func TestFetchKeepsRawQueryDistinct(t *testing.T) {
	env := newRouteEnv(t)

	for _, tc := range []struct {
		target string
		want   string
	}{
		{env.upstream.URL + "/echo?q=1;r=2", "query:q=1;r=2"},
		{env.upstream.URL + "/echo?q=%zz", "query:q=%zz"},
		{env.upstream.URL + "/echo", "query:"},
	} {
		resp := env.do(t, "GET", "/fetch?url="+url.QueryEscape(tc.target), "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.target, resp.StatusCode)
		}
		if resp.Header.Get(headerCacheHit) != "false" {
			t.Fatalf("%s: must not be served from another URL's cache entry", tc.target)
		}
		if body := readBody(t, resp); body != tc.want {
			t.Fatalf("%s: body %q, want %q", tc.target, body, tc.want)
		}
	}
	if hits := env.hits.Load(); hits != 3 {
		t.Fatalf("expected three upstream requests, got %d", hits)
	}
}

func TestInfoAndContainsRoutes(t *testing.T) {
	env := newRouteEnv(t)
	raw := env.upstream.URL + "/info?b=2&a=1"
	target := url.QueryEscape(raw)

	if resp := env.do(t, "HEAD", "/cache?url="+target, ""); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 before download, got %d", resp.StatusCode)
	}
	if resp := env.do(t, "GET", "/-/info?url="+target, ""); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 info before download, got %d", resp.StatusCode)
	}

	if resp := env.do(t, "GET", "/fetch?url="+target, ""); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp := env.do(t, "HEAD", "/cache?url="+target, ""); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 after download, got %d", resp.StatusCode)
	}

	resp := env.do(t, "GET", "/-/info?url="+url.QueryEscape(env.upstream.URL+"/info?a=1&b=2"), "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 info, got %d", resp.StatusCode)
	}
	var info engine.DownloadInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.URL != raw || info.Size != int64(len("payload:/info")) {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.RemoteAddr != env.upstream.Listener.Addr().String() {
		t.Fatalf("remote addr %q, want %q", info.RemoteAddr, env.upstream.Listener.Addr().String())
	}
	if info.TotalMillis < info.FirstRecvMillis {
		t.Fatalf("total time should cover first byte: %+v", info)
	}

	if resp := env.do(t, "GET", "/-/info?url="+url.QueryEscape("ftp://x/y"), ""); resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for invalid url, got %d", resp.StatusCode)
	}
	if resp := env.do(t, "HEAD", "/cache?url=", ""); resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for empty url, got %d", resp.StatusCode)
	}

	if resp := env.do(t, "PUT", "/-/budget", `{"info_list":-1}`); resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for negative info list, got %d", resp.StatusCode)
	}
	if resp := env.do(t, "PUT", "/-/budget", `{"info_list":0}`); resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if resp := env.do(t, "GET", "/-/info?url="+target, ""); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("cleared info list should return 404, got %d", resp.StatusCode)
	}

	if resp := env.do(t, "DELETE", "/cache?url="+target, ""); resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if resp := env.do(t, "HEAD", "/cache?url="+target, ""); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 after remove, got %d", resp.StatusCode)
	}
}

type routeEnv struct {
	app       *fiber.App
	engine    *engine.Engine
	gate      *netgate.Gate
	upstream  *httptest.Server
	hits      atomic.Int64
	lastToken atomic.Value
	release   chan struct{}
}

func newRouteEnv(t *testing.T) *routeEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env := &routeEnv{release: make(chan struct{})}
	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.hits.Add(1)
		if token := r.Header.Get("X-Token"); token != "" {
			env.lastToken.Store(token)
		}
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/echo":
			_, _ = io.WriteString(w, "query:"+r.URL.RawQuery)
		case "/slow":
			select {
			case <-env.release:
			case <-r.Context().Done():
			}
		default:
			_, _ = io.WriteString(w, "payload:"+r.URL.Path)
		}
	}))

	store, err := cache.New(cache.Options{
		Root:       t.TempDir(),
		RamBudget:  1 << 20,
		FileBudget: 4 << 20,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	tel, err := telemetry.New(telemetry.Config{Enabled: true, ServiceName: "prefetch"})
	if err != nil {
		t.Fatalf("telemetry.New: %v", err)
	}

	env.gate = netgate.New()
	env.gate.Apply(netgate.Available(netgate.Info{Bearers: []netgate.Bearer{netgate.BearerEthernet}, Validated: true}))

	env.engine, err = engine.New(engine.Config{
		Store:        store,
		Fetcher:      fetch.NewHTTPFetcher(env.upstream.Client(), "prefetch-test", 0),
		Gate:         env.gate,
		Logger:       logger,
		Telemetry:    tel,
		InfoListSize: 8,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() {
		close(env.release)
		env.engine.Close()
		env.upstream.Close()
		store.Close()
	})

	env.app, err = server.NewApp(server.AppOptions{Logger: logger})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	RegisterTaskRoutes(env.app, env.engine, logger)
	RegisterDiagnosticRoutes(env.app, env.engine, tel, logger)
	return env
}

func (env *routeEnv) do(t *testing.T, method, target, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test %s %s failed: %v", method, target, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}
