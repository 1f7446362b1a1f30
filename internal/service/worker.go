package service

import (
	"context"
	"encoding/json"
	"time"

	"shelfgate/internal/model"
	"shelfgate/internal/repository"
	v1 "shelfgate/pkg/api/v1"
	"shelfgate/pkg/logger"

	"go.uber.org/zap"
)

// OutboxWorker drains pending mirror writes that the inline publish missed,
// typically because etcd was unreachable when the transaction committed.
type OutboxWorker struct {
	outboxRepo repository.OutboxInterface
	mirrorRepo *repository.MirrorRepository
	interval   time.Duration
}

func NewOutboxWorker(outboxRepo repository.OutboxInterface, mirrorRepo *repository.MirrorRepository, interval time.Duration) *OutboxWorker {
	return &OutboxWorker{
		outboxRepo: outboxRepo,
		mirrorRepo: mirrorRepo,
		interval:   interval,
	}
}

func (w *OutboxWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	logger.Info("outbox worker started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

func (w *OutboxWorker) processPending(ctx context.Context) {
	tasks, err := w.outboxRepo.FetchPending(ctx, 10)
	if err != nil {
		logger.Error("failed to fetch pending outbox tasks", zap.Error(err))
		return
	}

	for _, task := range tasks {
		logger.Debug("processing outbox task", zap.Int64("id", task.ID), zap.String("path", task.Path))

		var entry v1.Entry
		if err := json.Unmarshal([]byte(task.Payload), &entry); err != nil {
			logger.Error("failed to unmarshal task payload", zap.Int64("id", task.ID), zap.Error(err))
			// Corrupt payload, no retry will fix it
			w.outboxRepo.UpdateStatus(ctx, uint64(task.ID), model.StatusFailed, task.RetryCount)
			continue
		}

		_, err := w.mirrorRepo.SaveEntryIfNewer(ctx, task.Path, entry)
		if err != nil {
			logger.Warn("failed to sync task to etcd", zap.Int64("id", task.ID), zap.Error(err))
			newRetryCount := task.RetryCount + 1
			if newRetryCount >= 5 {
				logger.Error("task max retries reached", zap.Int64("id", task.ID))
				w.outboxRepo.UpdateStatus(ctx, uint64(task.ID), model.StatusFailed, newRetryCount)
			} else {
				w.outboxRepo.UpdateStatus(ctx, uint64(task.ID), model.StatusPending, newRetryCount)
			}
			continue
		}

		if err := w.outboxRepo.UpdateStatus(ctx, uint64(task.ID), model.StatusCompleted, task.RetryCount); err != nil {
			logger.Error("failed to mark task completed", zap.Int64("id", task.ID), zap.Error(err))
		} else {
			logger.Info("outbox task completed", zap.Int64("id", task.ID), zap.String("path", task.Path))
		}
	}
}
