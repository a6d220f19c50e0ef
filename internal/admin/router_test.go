package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"offload/internal/scheduler"
	"offload/internal/scripts"
	"offload/internal/storage"
	"offload/internal/worker"
	logx "offload/pkg/logx"
)

func newTestScheduler(t *testing.T) *scheduler.Manager {
	t.Helper()
	reg := worker.NewRegistry()
	scripts.Register(reg)
	cfg := scheduler.Config{MaxWorkers: 2, FrameInterval: -1, RecycleInterval: -1}
	m, err := scheduler.New(cfg, scheduler.WithFactory(reg))
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	t.Cleanup(m.Terminate)
	return m
}

func post(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func TestHealthAndStatus(t *testing.T) {
	t.Parallel()
	m := newTestScheduler(t)
	srv := httptest.NewServer(NewRouter(m))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if st.TotalWorkers != 2 || st.Uptime == "" {
		t.Fatalf("status = %+v", st)
	}

	m.Terminate()
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("healthz after terminate = %d", resp.StatusCode)
	}
}

func TestSubmitWaitsForResult(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewRouter(newTestScheduler(t)))
	defer srv.Close()

	resp, body := post(t, srv, "/tasks", `{"type":"double","priority":"high","data":{"n":21}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	var out submitResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.ID == "" || string(out.Result) != "42" {
		t.Fatalf("response = %s", body)
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewRouter(newTestScheduler(t)))
	defer srv.Close()

	cases := []struct {
		name string
		body string
		want int
	}{
		{"missing type", `{"data":1}`, http.StatusBadRequest},
		{"reserved type", `{"type":"cancel"}`, http.StatusBadRequest},
		{"bad priority", `{"type":"echo","priority":"urgent"}`, http.StatusBadRequest},
		{"unknown field", `{"type":"echo","bogus":true}`, http.StatusBadRequest},
		{"task error", `{"type":"fail","data":{"message":"boom"}}`, http.StatusUnprocessableEntity},
		{"unknown script", `{"type":"echo","script":"nope"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, body := post(t, srv, "/tasks", tc.body)
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d (body=%s)", tc.name, resp.StatusCode, tc.want, body)
		}
	}
}

func TestSubmitAsyncThenCancel(t *testing.T) {
	t.Parallel()
	m := newTestScheduler(t)
	srv := httptest.NewServer(NewRouter(m))
	defer srv.Close()

	resp, body := post(t, srv, "/tasks?async=1", `{"id":"slow-1","type":"sleep","data":{"ms":60000}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/tasks/slow-1", nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel = %d", dresp.StatusCode)
	}

	dresp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusNotFound {
		t.Fatalf("second cancel = %d", dresp.StatusCode)
	}
	if st := m.Status(); st.Active != 0 || st.Cancelled != 1 {
		t.Fatalf("status after cancel = %+v", st)
	}
}

func TestSubmitCancelsWhenClientGoesAway(t *testing.T) {
	t.Parallel()
	m := newTestScheduler(t)
	srv := httptest.NewServer(NewRouter(m))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/tasks", strings.NewReader(`{"type":"sleep","data":{"ms":60000}}`))
	if resp, err := http.DefaultClient.Do(req); err == nil {
		resp.Body.Close()
		t.Fatal("expected client timeout")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st := m.Status(); st.Cancelled == 1 && st.Active == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task not cancelled: %+v", m.Status())
}

func TestOutcomesEndpoint(t *testing.T) {
	t.Parallel()
	m := newTestScheduler(t)

	srv := httptest.NewServer(NewRouter(m))
	resp, err := http.Get(srv.URL + "/outcomes")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	srv.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("outcomes without store = %d", resp.StatusCode)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "j")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	for i := 0; i < 3; i++ {
		_ = st.AppendOutcome(context.Background(), storage.Outcome{TaskID: fmt.Sprintf("t%d", i), Status: storage.StatusCompleted})
	}
	srv = httptest.NewServer(NewRouter(m, WithOutcomes(st)))
	defer srv.Close()

	resp, err = http.Get(srv.URL + "/outcomes?limit=2")
	if err != nil {
		t.Fatal(err)
	}
	var out []storage.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(out) != 2 || out[0].TaskID != "t2" {
		t.Fatalf("outcomes = %+v", out)
	}

	resp, err = http.Get(srv.URL + "/outcomes?limit=zero")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", resp.StatusCode)
	}
}

func TestMetricsRouteOptional(t *testing.T) {
	t.Parallel()
	m := newTestScheduler(t)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("offload_up 1\n")) })

	srv := httptest.NewServer(NewRouter(m, WithMetrics(metrics)))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), "offload_up") {
		t.Fatalf("metrics body = %q", b)
	}

	bare := httptest.NewServer(NewRouter(m))
	defer bare.Close()
	resp, err = http.Get(bare.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("metrics without handler = %d", resp.StatusCode)
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	m := newTestScheduler(t)
	svc := NewService(Config{Enabled: true, Addr: "127.0.0.1:0"}, NewRouter(m), logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Start(ctx)

	var addr string
	for addr == "" && ctx.Err() == nil {
		addr = svc.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	svc.Reconfigure(ctx, Config{Enabled: false})
	if svc.Addr() != "" {
		t.Fatal("server still bound after disable")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:8088": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8088":          false,
		"0.0.0.0:8088":   false,
		"bad":            false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
