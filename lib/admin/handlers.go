package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/go-i2p/sqlproxy/lib/errors"
	"github.com/go-i2p/sqlproxy/lib/metrics"
	"github.com/go-i2p/sqlproxy/lib/pool"
	"github.com/go-i2p/sqlproxy/lib/validation"
	"github.com/go-i2p/sqlproxy/version"
)

// BackendsResponse is the body of GET /api/backends.
type BackendsResponse struct {
	Backends []pool.Stats `json:"backends"`
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadiness(c *gin.Context) {
	if !s.pool.Initialized() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "backends": len(s.pool.AllStats())})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, version.Info())
}

func (s *Server) handleMetrics(c *gin.Context) {
	stats := s.pool.AllStats()
	pool.UpdateMetrics(stats)
	metrics.BackendsTotal.Set(int64(len(stats)))
	metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

func (s *Server) handleBackends(c *gin.Context) {
	if !s.pool.Initialized() {
		s.writeError(c, apperrors.ErrNotInitialized)
		return
	}
	stats := s.pool.AllStats()
	if stats == nil {
		stats = []pool.Stats{}
	}
	c.JSON(http.StatusOK, BackendsResponse{Backends: stats})
}

func (s *Server) handleBackend(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("name"), "/")
	if name == "" {
		s.handleBackends(c)
		return
	}
	if err := validation.BackendName("name", name); err != nil {
		s.writeError(c, apperrors.ErrInvalidInput)
		return
	}

	stats, err := s.pool.Stats(name)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// writeError writes a coded JSON error without exposing wrapped details.
func (s *Server) writeError(c *gin.Context, err error) {
	e := apperrors.FromSentinel(err)
	status := statusFromCode(e.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": e.SafeMessage(), "code": e.Code})
}

func statusFromCode(code int) int {
	switch code {
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeInvalidParams:
		return http.StatusBadRequest
	case apperrors.CodeNotInitialized, apperrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
