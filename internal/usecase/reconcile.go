package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"kb-chat/internal/logging"
)

// CountReconciler repairs conversation message counts that drifted from the
// stored messages, for example after a failed compensation.
type CountReconciler interface {
	ReconcileMessageCounts(ctx context.Context) (int, error)
}

type ReconcileJob struct {
	store  CountReconciler
	logger *zap.Logger
}

func NewReconcileJob(store CountReconciler, logger *zap.Logger) (*ReconcileJob, error) {
	if store == nil {
		return nil, errors.New("usecase: reconciler must not be nil")
	}
	return &ReconcileJob{store: store, logger: logging.OrNop(logger)}, nil
}

// Run performs one reconciliation pass and returns the number of repaired
// conversations.
func (j *ReconcileJob) Run(ctx context.Context) (int, error) {
	n, err := j.store.ReconcileMessageCounts(ctx)
	if err != nil {
		j.logger.Error("message count reconciliation failed", zap.Error(err))
		return 0, newError(ErrorPersistence, "reconcile_message_counts", err)
	}
	if n > 0 {
		j.logger.Warn("repaired drifted message counts", zap.Int("conversations", n))
	}
	return n, nil
}
