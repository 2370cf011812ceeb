package backend

import (
	"context"
	"time"

	"github.com/stacklok/mcp-proxy/pkg/logger"
	"github.com/stacklok/mcp-proxy/pkg/metrics"
	"go.uber.org/zap"
)

// runHealthChecker is the Health Checker: periodically send
// ping and wait up to timeout_s; on max_attempts consecutive failures
// while Running, demote to Failed (this design supplemented feature #3,
// flagged in the Open Questions as unenforced in the source).
func (m *Manager) runHealthChecker(b *Backend) {
	defer m.wg.Done()
	log := logger.With("backend", b.Name, "component", "health_checker")

	interval := time.Duration(b.Health.IntervalS) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdownCh:
			return
		case <-ticker.C:
			m.checkOnce(b, log)
		}
	}
}

func (m *Manager) checkOnce(b *Backend, log *zap.SugaredLogger) {
	timeout := time.Duration(b.Health.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	_, err := m.Call(ctx, b.Name, "ping", nil)
	elapsed := time.Since(start)

	rec := HealthRecord{Timestamp: start, Success: err == nil, ResponseTimeMS: elapsed.Milliseconds()}
	if err != nil {
		rec.Error = err.Error()
	}
	metrics.HealthChecksTotal.WithLabelValues(b.Name, boolLabel(err == nil)).Inc()

	maxAttempts := b.Health.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	consecutiveFails := b.RecordHealth(rec)

	if err != nil {
		log.Warnw("health check failed", "error", err, "consecutive_fails", consecutiveFails)
	}

	if consecutiveFails >= maxAttempts && b.Lifecycle() == LifecycleRunning {
		b.StateMachine().Fail(err)
	}
}

func boolLabel(b bool) string {
	if b {
		return "success"
	}
	return "failure"
}
