package httpapi

import (
	"net"
	"runtime"
	"strings"

	"github.com/gofiber/fiber/v2"
	fpprof "github.com/gofiber/fiber/v2/middleware/pprof"

	logx "reportpulse/pkg/logx"
)

// PprofConfig mounts the profiler under <Prefix>/debug/pprof.
//
// Security:
//   - Prefer binding the API to localhost (default).
//   - On a non-loopback addr, set Token or AllowInsecure; otherwise the
//     profiler stays unmounted.
type PprofConfig struct {
	Enabled       bool
	Prefix        string
	Token         string
	AllowInsecure bool

	MutexProfileFraction int
	BlockProfileRate     int
}

func (s *Server) mountPprof() {
	cur := s.cfg.Pprof
	if !cur.Enabled {
		return
	}
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Error("pprof not mounted: non-loopback addr requires token or allow_insecure", logx.String("addr", s.cfg.Addr))
		return
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("pprof mounted without token on non-loopback addr (insecure)", logx.String("addr", s.cfg.Addr))
	}
	applyRuntimeRates(cur)

	prefix := strings.TrimSuffix(strings.TrimSpace(cur.Prefix), "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if tok := strings.TrimSpace(cur.Token); tok != "" {
		s.app.Use(prefix+"/debug/pprof", requireToken(tok))
	}
	s.app.Use(fpprof.New(fpprof.Config{Prefix: prefix}))
}

func applyRuntimeRates(cfg PprofConfig) {
	// 0 keeps the Go default.
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
func requireToken(tok string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if got := c.Query("token"); got != "" {
			if got == tok {
				return c.Next()
			}
			return unauthorized(c)
		}
		const p = "Bearer "
		if ah := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			return c.Next()
		}
		return unauthorized(c)
	}
}

func unauthorized(c *fiber.Ctx) error {
	c.Set(fiber.HeaderWWWAuthenticate, "Bearer")
	return apiError(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
