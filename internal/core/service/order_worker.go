package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/voucher-seckill/internal/core/domain"
	"github.com/rl1809/voucher-seckill/internal/port"
	"github.com/rl1809/voucher-seckill/internal/telemetry"
)

var errLockContended = errors.New("order lock contended")

type WorkerConfig struct {
	Consumer        string
	Block           time.Duration
	LockTTL         time.Duration
	CommitTimeout   time.Duration
	RecoverInterval time.Duration
	RecoverBackoff  time.Duration
	PendingBatch    int64
}

type workerState int

const (
	statePolling workerState = iota
	stateProcessing
	stateRecovering
)

func (s workerState) String() string {
	switch s {
	case statePolling:
		return "polling"
	case stateProcessing:
		return "processing"
	case stateRecovering:
		return "recovering_pending"
	}
	return "unknown"
}

// OrderWorker turns accepted allocations from the order stream into persisted
// orders. Delivery is at least once; CommitOrder is idempotent by order id.
type OrderWorker struct {
	queue     port.OrderQueue
	locker    port.Locker
	committer port.OrderCommitter
	cfg       WorkerConfig
	log       *logrus.Entry
	now       func() time.Time
}

func NewOrderWorker(queue port.OrderQueue, locker port.Locker, committer port.OrderCommitter, log *logrus.Logger, cfg WorkerConfig) *OrderWorker {
	return &OrderWorker{
		queue:     queue,
		locker:    locker,
		committer: committer,
		cfg:       cfg,
		log:       log.WithField("consumer", cfg.Consumer),
		now:       time.Now,
	}
}

// Run drives the worker until ctx is cancelled. It starts with a pass over
// its own pending list so entries left behind by a crash are finished first.
// An item already being processed when ctx is cancelled is completed.
func (w *OrderWorker) Run(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	w.log.Info("order worker started")

	state := stateRecovering
	var current *domain.QueueMessage
	var lastRecovery time.Time

	for {
		if ctx.Err() != nil {
			w.log.Info("order worker stopped")
			return nil
		}

		switch state {
		case stateRecovering:
			w.recoverPending(ctx)
			lastRecovery = w.now()
			state = statePolling

		case statePolling:
			if w.cfg.RecoverInterval > 0 && w.now().Sub(lastRecovery) >= w.cfg.RecoverInterval {
				state = stateRecovering
				continue
			}
			msg, err := w.queue.ReadNew(ctx, w.cfg.Consumer, w.cfg.Block)
			if err != nil {
				if ctx.Err() == nil {
					w.log.WithError(err).Error("read order stream failed")
					state = stateRecovering
				}
				continue
			}
			if msg != nil {
				current = msg
				state = stateProcessing
			}

		case stateProcessing:
			err := w.process(ctx, *current)
			current = nil
			switch {
			case err == nil, errors.Is(err, errLockContended):
				state = statePolling
			default:
				w.log.WithError(err).Error("order processing failed, recovering pending entries")
				state = stateRecovering
			}
		}
	}
}

// recoverPending re-processes this consumer's delivered but unacknowledged
// entries until the list is exhausted. Entries whose user lock is held are
// skipped for this pass. Any failure restarts the scan after a short sleep.
func (w *OrderWorker) recoverPending(ctx context.Context) {
	telemetry.WorkerRecoveries.Inc()
	cursor := "0"

	for ctx.Err() == nil {
		msgs, err := w.queue.ReadPending(ctx, w.cfg.Consumer, cursor, w.cfg.PendingBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).Error("read pending entries failed")
			cursor = "0"
			sleep(ctx, w.cfg.RecoverBackoff)
			continue
		}
		if len(msgs) == 0 {
			return
		}

		failed := false
		for _, msg := range msgs {
			err := w.process(ctx, msg)
			if err != nil && !errors.Is(err, errLockContended) {
				w.log.WithError(err).WithField("msg_id", msg.ID).Error("pending entry failed")
				failed = true
				break
			}
			if err == nil {
				telemetry.WorkerItems.WithLabelValues("recovered").Inc()
			}
			cursor = msg.ID
		}
		if failed {
			cursor = "0"
			sleep(ctx, w.cfg.RecoverBackoff)
		}
	}
}

func (w *OrderWorker) process(ctx context.Context, msg domain.QueueMessage) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CommitTimeout)
	defer cancel()

	if msg.Err != nil {
		return w.deadLetter(pctx, msg)
	}

	item := msg.Item
	logger := w.log.WithFields(logrus.Fields{
		"msg_id":     msg.ID,
		"order_id":   item.OrderID,
		"user_id":    item.UserID,
		"voucher_id": item.VoucherID,
	})

	pctx = telemetry.Extract(pctx, item.TraceCtx)
	pctx, span := telemetry.Tracer().Start(pctx, "OrderWorker.process", trace.WithAttributes(
		attribute.Int64("order.id", item.OrderID),
		attribute.Int64("user.id", item.UserID),
	))
	defer span.End()

	lockName := fmt.Sprintf("order:%d", item.UserID)
	token, ok, err := w.locker.TryAcquire(pctx, lockName, w.cfg.LockTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock")
		telemetry.WorkerItems.WithLabelValues("failed").Inc()
		return err
	}
	if !ok {
		// Uniqueness was decided at allocation; a concurrent attempt for
		// this user is redundant. The entry stays pending.
		logger.Warn("order lock held elsewhere, dropping delivery")
		telemetry.WorkerItems.WithLabelValues("contended").Inc()
		return errLockContended
	}

	commitErr := w.committer.CommitOrder(pctx, item.ToOrder())
	if _, err := w.locker.Release(pctx, lockName, token); err != nil {
		logger.WithError(err).Warn("order lock release failed")
	}
	if commitErr != nil {
		span.RecordError(commitErr)
		span.SetStatus(codes.Error, "commit")
		telemetry.WorkerItems.WithLabelValues("failed").Inc()
		return fmt.Errorf("commit order %d: %w", item.OrderID, commitErr)
	}

	if err := w.queue.Ack(pctx, msg.ID); err != nil {
		telemetry.WorkerItems.WithLabelValues("failed").Inc()
		return err
	}
	telemetry.WorkerItems.WithLabelValues("committed").Inc()
	logger.Info("order committed")
	return nil
}

func (w *OrderWorker) deadLetter(ctx context.Context, msg domain.QueueMessage) error {
	w.log.WithError(msg.Err).WithField("msg_id", msg.ID).Error("undecodable order entry, moving to dead letter stream")
	if err := w.queue.DeadLetter(ctx, msg, msg.Err.Error()); err != nil {
		return err
	}
	if err := w.queue.Ack(ctx, msg.ID); err != nil {
		return err
	}
	telemetry.WorkerItems.WithLabelValues("dead_letter").Inc()
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Pool runs several workers in one consumer group. Consumer names are
// derived from the base name and index so they survive restarts.
type Pool struct {
	workers []*OrderWorker
}

func NewPool(size int, queue port.OrderQueue, locker port.Locker, committer port.OrderCommitter, log *logrus.Logger, cfg WorkerConfig) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{}
	for i := 0; i < size; i++ {
		wc := cfg
		wc.Consumer = fmt.Sprintf("%s-%d", cfg.Consumer, i)
		p.workers = append(p.workers, NewOrderWorker(queue, locker, committer, log, wc))
	}
	return p
}

// Run starts all workers and returns once every worker has stopped.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	return g.Wait()
}
