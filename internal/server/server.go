// Package server implements teleprobe's HTTP surface: POST
// /targets/{name}/run executes an uploaded ELF on the named target, GET
// /targets lists configured targets with their live probe-presence bit,
// and GET / renders a small status page. Grounded on
// guiperry-HASHER/cmd/driver/hasher-host/main.go's gin.New() + route-group
// + graceful-shutdown server setup, and on the original server.rs's warp
// filter chain for the route/response shapes.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"teleprobe/internal/api"
	"teleprobe/internal/auth"
	"teleprobe/internal/config"
	"teleprobe/internal/dispatcher"
	"teleprobe/internal/engineerr"
	"teleprobe/internal/logcapture"
	"teleprobe/internal/probe"
)

var log = logcapture.New("server")

const meVersion = "teleprobe"

// Server holds everything the HTTP handlers need: the dispatcher that
// actually runs firmware, the config for target listing/auth, a probe
// lister for the live "up" bit, and an optional OIDC client.
type Server struct {
	cfg        *config.Config
	dispatcher *dispatcher.Dispatcher
	lister     probe.Lister
	oidcClient *auth.OIDCClient
}

// New builds a Server. oidcClient may be nil if no OIDC auth is configured.
func New(cfg *config.Config, disp *dispatcher.Dispatcher, lister probe.Lister, oidcClient *auth.OIDCClient) *Server {
	return &Server{cfg: cfg, dispatcher: disp, lister: lister, oidcClient: oidcClient}
}

// Router builds the gin engine with every route wired, ready for
// http.Server or httptest.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", s.handleHome)
	router.GET("/targets", s.requireAuth, s.handleListTargets)
	router.POST("/targets/:name/run", s.requireAuth, s.handleRun)

	return router
}

// ListenAndServe runs the HTTP server on addr until ctx is cancelled, then
// shuts it down gracefully within 5 seconds, mirroring the teacher's
// signal-driven srv.Shutdown flow.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// requireAuth checks the Authorization header against the server's
// configured auth rules, matching check_auth_filter/check_auth.
func (s *Server) requireAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	logFn := func(format string, args ...interface{}) { log.Info(c.Request.Context(), format, args...) }
	if err := auth.CheckAuthHeader(header, s.cfg.Auths, s.oidcClient, logFn); err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Next()
}

// handleRun matches handle_run: runs the uploaded ELF body against :name,
// returning the captured logs with 200 on pass / 400 on fail, or 404 if
// the target name is unconfigured.
func (s *Server) handleRun(c *gin.Context) {
	name := c.Param("name")

	var requestedTimeout *uint64
	if q := c.Query("timeout"); q != "" {
		v, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid timeout: %v", err)
			return
		}
		requestedTimeout = &v
	}

	elfBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "read body: %v", err)
		return
	}

	result, err := s.dispatcher.RunOnTarget(c.Request.Context(), name, elfBytes, requestedTimeout)
	if err != nil {
		if errors.Is(err, engineerr.ErrTargetUnknown) {
			c.String(http.StatusNotFound, "Target not found: %s", name)
			return
		}
		c.String(http.StatusBadRequest, "%v", err)
		return
	}

	status := http.StatusOK
	if !result.OK {
		status = http.StatusBadRequest
	}
	c.Data(status, "text/plain; charset=utf-8", result.Logs)
}

// handleListTargets matches handle_list_targets: GET /targets.
func (s *Server) handleListTargets(c *gin.Context) {
	c.JSON(http.StatusOK, s.targets())
}

// handleHome matches handle_home: a minimal HTML status table, no auth
// required (matching the original, which leaves `/` unauthenticated).
func (s *Server) handleHome(c *gin.Context) {
	list := s.targets()

	var b strings.Builder
	b.WriteString("<html><head><title>Teleprobe Status</title></head><body>")
	b.WriteString("<h1>Teleprobe Status</h1><table>")
	b.WriteString("<tr><th>Name</th><th>Chip</th><th>Up</th></tr>")
	for _, t := range list.Targets {
		b.WriteString("<tr><td>")
		b.WriteString(t.Name)
		b.WriteString("</td><td>")
		b.WriteString(t.Chip)
		b.WriteString("</td><td>")
		if t.Up {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		b.WriteString("</td></tr>")
	}
	b.WriteString("</table><br>")
	b.WriteString(hostLoadLine())
	b.WriteString("<br><br> -- <a href=\"https://github.com/embassy-rs/teleprobe\">Teleprobe</a> version ")
	b.WriteString(meVersion)
	b.WriteString("</body></html>")

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(b.String()))
}

// hostLoadLine renders a one-line host load summary for the status page: the
// farm machine running the dispatcher and flashing probes is a shared,
// always-on singleton, so a quick CPU/memory reading is worth surfacing
// alongside the per-target status table. Errors reading either figure are
// swallowed into "n/a" rather than failing the whole status page.
func hostLoadLine() string {
	cpuPct := "n/a"
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = strconv.FormatFloat(pcts[0], 'f', 1, 64) + "%"
	}

	memPct := "n/a"
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = strconv.FormatFloat(vm.UsedPercent, 'f', 1, 64) + "%"
	}

	return "Host load: CPU " + cpuPct + ", memory " + memPct
}

// targets renders the configured target list with a live "up" bit sourced
// from the current probe enumeration, matching targets()/probes_filter.
func (s *Server) targets() api.TargetList {
	upProbes, err := s.lister.ListProbes()
	if err != nil {
		log.Warn(context.Background(), "list probes for target status: %v", err)
	}

	out := make([]api.Target, 0, len(s.cfg.Targets))
	for _, t := range s.cfg.Targets {
		out = append(out, api.Target{
			Name:              t.Name,
			Chip:              t.Chip,
			Probe:             t.Probe.String(),
			ConnectUnderReset: t.ConnectUnderReset,
			Speed:             t.Speed,
			Up:                anyProbeMatches(upProbes, t.Probe),
			PowerReset:        t.PowerReset,
		})
	}
	return api.TargetList{Targets: out}
}

func anyProbeMatches(probes []probe.ProbeInfo, sel config.ProbeSelector) bool {
	for _, p := range probes {
		if sel.Matches(p.VID, p.PID, p.Serial) {
			return true
		}
	}
	return false
}
