package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/queue"
	"github.com/signalpost/pkg/failure"
	"github.com/signalpost/pkg/logger"
)

// OpsServer serves /health and /metrics for processes without the API
type OpsServer struct {
	echo     *echo.Echo
	addr     string
	check    func(ctx context.Context) error
	breakers []*failure.Breaker
	log      *logger.Logger
}

type healthResponse struct {
	Status   string            `json:"status"`
	Error    string            `json:"error,omitempty"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// NewOpsServer builds the ops endpoints. check reports readiness and may be nil.
func NewOpsServer(addr string, m *metrics.Collector, check func(ctx context.Context) error, log *logger.Logger) *OpsServer {
	if m == nil {
		m = metrics.Nop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &OpsServer{echo: e, addr: addr, check: check, log: log.WithComponent("ops")}
	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	return s
}

// WatchBreakers adds breakers to the health report. An open breaker marks
// the process degraded but keeps /health at 200.
func (s *OpsServer) WatchBreakers(breakers ...*failure.Breaker) {
	s.breakers = append(s.breakers, breakers...)
}

func (s *OpsServer) health(c echo.Context) error {
	resp := healthResponse{Status: "healthy"}
	if len(s.breakers) > 0 {
		resp.Breakers = make(map[string]string, len(s.breakers))
		for _, b := range s.breakers {
			state := "closed"
			if b.IsOpen() {
				state = "open"
				resp.Status = "degraded"
			}
			resp.Breakers[b.Name()] = state
		}
	}
	if s.check != nil {
		if err := s.check(c.Request().Context()); err != nil {
			resp.Status, resp.Error = "unhealthy", err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// Handler returns the root handler
func (s *OpsServer) Handler() http.Handler { return s.echo }

// Start serves until Shutdown. It logs instead of returning so callers can
// run it in a goroutine.
func (s *OpsServer) Start() {
	s.log.Info().Str("addr", s.addr).Msg("Ops server starting")
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error().Err(err).Msg("Ops server failed")
	}
}

// Shutdown stops the server
func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// BrokerCheck reports whether the broker answers
func BrokerCheck(b queue.Broker) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := b.Len(ctx, queue.LaneCoordination)
		return err
	}
}

// SampleQueueDepth records the ready tasks on every lane each interval
// until ctx is done
func SampleQueueDepth(ctx context.Context, b queue.Broker, m *metrics.Collector, interval time.Duration, log *logger.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, lane := range []queue.Lane{queue.LaneCoordination, queue.LaneExecution} {
			n, err := b.Len(ctx, lane)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("lane", string(lane)).Msg("Failed to read queue depth")
				}
				continue
			}
			m.QueueDepth.WithLabelValues(string(lane)).Set(float64(n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
