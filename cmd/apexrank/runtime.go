package main

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// runShutdownStep runs fn and gives up waiting after timeout. It reports
// whether the step timed out.
func runShutdownStep(logger *zap.Logger, name string, timeout time.Duration, fn func()) bool {
	if fn == nil {
		return false
	}
	started := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	if timeout <= 0 {
		<-done
		logger.Info("shutdown_step_completed", zap.String("step", name), zap.Int64("latency_ms", durationMS(time.Since(started))))
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		logger.Info("shutdown_step_completed", zap.String("step", name), zap.Int64("latency_ms", durationMS(time.Since(started))))
		return false
	case <-timer.C:
		logger.Warn("shutdown_step_timeout", zap.String("step", name), zap.Int64("timeout_ms", durationMS(timeout)))
		return true
	}
}

func nextRunID(seq *atomic.Uint64, prefix string) string {
	number := seq.Add(1)
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "run"
	}
	return fmt.Sprintf("%s-%d", p, number)
}

func durationMS(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return d.Milliseconds()
}
