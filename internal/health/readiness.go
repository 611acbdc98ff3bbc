// Package health reports whether the anchoring backend can accept anchors,
// through the standard gRPC health checking protocol.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service under which recorder readiness is
// published.
const ServiceName = "ledgeranchor.Recorder"

// Config holds readiness probe configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// StatusSetter publishes serving status. *health.Server from
// google.golang.org/grpc/health implements it.
type StatusSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(ready bool)

// Reporter polls a recorder's readiness and publishes it.
type Reporter struct {
	recorder  anchor.Recorder
	status    StatusSetter
	cfg       Config
	failCount int
	serving   bool
	mu        sync.Mutex
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a Reporter and publishes SERVING until a probe says otherwise.
func New(recorder anchor.Recorder, status StatusSetter, cfg Config, logger *zap.Logger) *Reporter {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	r := &Reporter{
		recorder: recorder,
		status:   status,
		cfg:      cfg,
		serving:  true,
		logger:   logger,
	}
	status.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return r
}

// SetMetricsRecord configures the metrics recording callback.
func (r *Reporter) SetMetricsRecord(fn MetricsRecordFunc) {
	r.onMetrics = fn
}

// Start probes once immediately, then on every interval until quit is closed.
func (r *Reporter) Start(quit <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	r.Check(context.Background())
	for {
		select {
		case <-ticker.C:
			r.Check(context.Background())
		case <-quit:
			return
		}
	}
}

// Check probes the recorder once, updates the published status and reports
// whether the recorder is currently considered ready.
func (r *Reporter) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	ok := r.recorder.CanRecordAnchor(ctx)
	cancel()

	if r.onMetrics != nil {
		r.onMetrics(ok)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ok {
		r.failCount = 0
		if !r.serving {
			r.serving = true
			r.status.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
			r.logger.Info("recorder: ready again")
		}
		return true
	}

	r.failCount++
	if r.serving && r.failCount >= r.cfg.FailThreshold {
		r.serving = false
		r.status.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		r.logger.Warn("recorder: not ready", zap.Int("fail_count", r.failCount))
	}
	return r.serving
}

// Serving reports the last published status.
func (r *Reporter) Serving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serving
}
