package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"kb-chat/internal/logging"
)

const reconcileRunTimeout = 5 * time.Minute

// cronLogger adapts zap to cron's logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// ScheduleReconcile registers the reconciliation job on spec. It returns nil
// when there is nothing to schedule. The caller starts and stops the
// scheduler; a run still in progress when the next tick fires is skipped.
func (a *App) ScheduleReconcile(ctx context.Context, spec string, logger *zap.Logger) (*cron.Cron, error) {
	spec = strings.TrimSpace(spec)
	if a.Reconcile == nil || spec == "" {
		return nil, nil
	}
	cl := cronLogger{s: logging.OrNop(logger).Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, reconcileRunTimeout)
		defer cancel()
		_, _ = a.Reconcile.Run(runCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("app: reconcile schedule %q: %w", spec, err)
	}
	return c, nil
}
