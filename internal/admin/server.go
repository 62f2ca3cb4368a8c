// Package admin exposes the operational HTTP surface: Prometheus
// metrics, health, per-org queue statistics, DLQ browsing, and the
// agent attach WebSocket. Every process mounts the same server; routes
// appear only when their backing component runs in-process, so a
// producer answers 404 for the attach route a coordinator would serve.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dev.helix.mq/internal/backpressure"
	"dev.helix.mq/internal/coordinator"
	"dev.helix.mq/internal/observability/metrics"
	"dev.helix.mq/internal/queue"
	"dev.helix.mq/internal/store"
)

// DLQBrowser is the slice of the DLQ repository the ops surface reads.
// Satisfied by *store.DLQRepository.
type DLQBrowser interface {
	List(ctx context.Context, orgID string, f store.DLQFilter) ([]*queue.DLQRecord, error)
	Count(ctx context.Context, orgID string) (int64, error)
}

// Config holds the ops server settings.
type Config struct {
	Addr        string
	MetricsPath string
}

// Server is the ops HTTP server. All dependencies except the logger
// are optional; a nil dependency leaves its routes unmounted.
type Server struct {
	cfg   Config
	insp  queue.Inspector
	bp    *backpressure.Controller
	dlq   DLQBrowser
	coord *coordinator.Coordinator
	m     *metrics.Collector
	log   *zap.Logger

	engine *gin.Engine
	srv    *http.Server
	ln     net.Listener
}

// New builds the server and its routes.
func New(cfg Config, insp queue.Inspector, bp *backpressure.Controller, dlq DLQBrowser, coord *coordinator.Coordinator, m *metrics.Collector, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9000"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{
		cfg:   cfg,
		insp:  insp,
		bp:    bp,
		dlq:   dlq,
		coord: coord,
		m:     m,
		log:   log,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	if s.m != nil {
		r.GET(s.cfg.MetricsPath, gin.WrapH(s.m.Handler()))
	}
	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	{
		if s.insp != nil {
			v1.GET("/queues/:org/stats", s.queueStats)
		}
		if s.dlq != nil {
			v1.GET("/dlq/:org", s.browseDLQ)
		}
		if s.coord != nil {
			v1.GET("/agents/:id/stream", s.attachAgent)
		}
	}
	return r
}

// Handler returns the underlying engine so tests and embedding
// processes can mount the surface themselves.
func (s *Server) Handler() http.Handler { return s.engine }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return queue.ConfigError(fmt.Sprintf("ops listener on %s: %v", s.cfg.Addr, err))
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server failed", zap.Error(err))
		}
	}()

	s.log.Info("ops server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address, useful when the configured
// address was :0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests until ctx expires. Attached
// WebSockets are hijacked connections and close on their own when the
// coordinator stops.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// queueStats reports the live request and dead-letter depth for one
// org, plus the backpressure stage and mirrored DLQ backlog when those
// components run in-process.
func (s *Server) queueStats(c *gin.Context) {
	orgID := c.Param("org")
	ctx := c.Request.Context()

	depth, err := s.insp.QueueDepth(ctx, queue.RequestQueue(orgID))
	if err != nil {
		s.fail(c, err)
		return
	}
	dlqDepth, err := s.insp.QueueDepth(ctx, queue.DLQQueue(orgID))
	if err != nil {
		s.fail(c, err)
		return
	}

	out := gin.H{
		"org_id":    orgID,
		"depth":     depth,
		"dlq_depth": dlqDepth,
	}
	if s.bp != nil {
		if _, stage, ok := s.bp.Snapshot(ctx, orgID); ok {
			out["stage"] = stage.String()
		}
	}
	if s.dlq != nil {
		if n, err := s.dlq.Count(ctx, orgID); err == nil {
			out["dlq_records"] = n
		}
	}
	c.JSON(http.StatusOK, out)
}

// browseDLQ lists mirrored DLQ records, oldest first. Filters arrive
// as query parameters: limit, reason, type, priority.
func (s *Server) browseDLQ(c *gin.Context) {
	orgID := c.Param("org")

	f := store.DLQFilter{
		Reason: queue.Kind(c.Query("reason")),
		Type:   queue.MessageType(c.Query("type")),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.fail(c, queue.ValidationError(fmt.Sprintf("bad limit %q", v), nil))
			return
		}
		f.Limit = n
	}
	if v := c.Query("priority"); v != "" {
		p, err := queue.ParsePriority(v)
		if err != nil {
			s.fail(c, err)
			return
		}
		f.Priority = &p
	}

	recs, err := s.dlq.List(c.Request.Context(), orgID, f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"org_id":  orgID,
		"count":   len(recs),
		"records": recs,
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	kind := queue.KindOf(err)
	c.JSON(statusFor(kind), gin.H{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func statusFor(kind queue.Kind) int {
	switch kind {
	case queue.KindValidation, queue.KindUnsupportedSchema:
		return http.StatusBadRequest
	case queue.KindDuplicate:
		return http.StatusConflict
	case queue.KindRateLimit, queue.KindBackpressureReject:
		return http.StatusTooManyRequests
	case queue.KindBrokerUnavailable:
		return http.StatusBadGateway
	case queue.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
