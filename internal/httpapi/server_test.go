package httpapi

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/taskmaster-sh/taskmaster/internal/instance"
)

type fakeSource struct {
	snaps []instance.Snapshot
}

func (f fakeSource) Status() []instance.Snapshot { return f.snaps }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatusEndpointReturnsJSON(t *testing.T) {
	src := fakeSource{snaps: []instance.Snapshot{
		{Name: "demo:0", Program: "demo", State: instance.Running, Pid: 123, Uptime: 5},
	}}
	srv := New(src, "127.0.0.1:0", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	resp, err := srv.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"demo:0"`) {
		t.Errorf("body = %s, want to contain instance name", body)
	}
	if !strings.Contains(string(body), `"RUNNING"`) {
		t.Errorf("body = %s, want to contain state", body)
	}
}

func TestRootServesHTML(t *testing.T) {
	srv := New(fakeSource{}, "127.0.0.1:0", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp, err := srv.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "/api/status") {
		t.Error("dashboard HTML does not reference /api/status")
	}
}

func TestUnknownPathIs404(t *testing.T) {
	srv := New(fakeSource{}, "127.0.0.1:0", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/no/such/path", nil)
	resp, err := srv.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	srv := New(fakeSource{}, "127.0.0.1:0", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := srv.app.Test(req, 2000)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "# TYPE ") {
		t.Errorf("body = %s, want Prometheus text exposition", body)
	}
}
