// Package httpapi implements the Status API: a read-only HTTP surface
// over the Job Manager's status snapshot, served by
// github.com/gofiber/fiber/v2 on its own listener goroutine so shell
// interaction is never blocked by HTTP traffic.
package httpapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmaster-sh/taskmaster/internal/instance"
)

// StatusSource is the read-only view the Job Manager exposes to this
// package; supervisor.Manager satisfies it.
type StatusSource interface {
	Status() []instance.Snapshot
}

// Server is the background HTTP worker for the dashboard, JSON status
// endpoint and Prometheus metrics.
type Server struct {
	app    *fiber.App
	addr   string
	logger *slog.Logger
}

// New builds the Status API app. addr is typically "0.0.0.0:8080".
func New(source StatusSource, addr string, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return c.SendString(dashboardHTML)
	})

	app.Get("/api/status", func(c *fiber.Ctx) error {
		return c.JSON(source.Status())
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Use(func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNotFound)
	})

	return &Server{app: app, addr: addr, logger: logger}
}

// Run starts listening and blocks until ctx is cancelled, shutting the
// app down gracefully when it is.
func (s *Server) Run(ctx context.Context) error {
	errC := make(chan error, 1)
	go func() {
		errC <- s.app.Listen(s.addr)
	}()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
			s.logger.Warn("status API shutdown error", "err", err)
		}
		return nil
	}
}

// dashboardHTML is a self-contained page that polls /api/status every two
// seconds and re-renders a table. It embeds no external assets so it
// keeps working even with no network access.
const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Taskmaster</title>
<style>
body { font-family: monospace; margin: 2rem; background: #111; color: #ddd; }
h1 { font-size: 1.1rem; }
table { border-collapse: collapse; width: 100%; }
th, td { border-bottom: 1px solid #333; padding: 0.3rem 0.6rem; text-align: left; }
th { color: #888; }
.RUNNING { color: #4caf50; }
.STARTING { color: #ffc107; }
.STOPPING { color: #ffc107; }
.BACKOFF { color: #ff9800; }
.FATAL { color: #f44336; }
.EXITED { color: #9e9e9e; }
.STOPPED { color: #9e9e9e; }
</style>
</head>
<body>
<h1>taskmaster</h1>
<table>
<thead><tr><th>instance</th><th>state</th><th>pid</th><th>uptime</th><th>last exit</th><th>retries</th></tr></thead>
<tbody id="rows"></tbody>
</table>
<script>
async function poll() {
  try {
    const res = await fetch('/api/status');
    const rows = await res.json();
    const tbody = document.getElementById('rows');
    tbody.innerHTML = rows.map(r =>
      '<tr><td>' + r.name + '</td><td class="' + r.state + '">' + r.state + '</td><td>' +
      (r.pid || '-') + '</td><td>' + r.uptime + 's</td><td>' + r.last_exit_code +
      '</td><td>' + r.retries_remaining + '</td></tr>'
    ).join('');
  } catch (e) {
    console.error(e);
  }
}
poll();
setInterval(poll, 2000);
</script>
</body>
</html>
`
