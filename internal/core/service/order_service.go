package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/voucher-seckill/internal/core/domain"
	"github.com/rl1809/voucher-seckill/internal/core/identity"
	"github.com/rl1809/voucher-seckill/internal/port"
	"github.com/rl1809/voucher-seckill/internal/telemetry"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicateOrder    = errors.New("duplicate order")
	ErrNotStarted        = errors.New("seckill not started")
	ErrEnded             = errors.New("seckill ended")
	ErrInternal          = errors.New("internal error")
	ErrUnauthenticated   = errors.New("unauthenticated")
)

const orderIDNamespace = "order"

// OrderService decides seckill requests. The decision is made entirely by the
// stock repository; persistence happens later in OrderWorker.
type OrderService struct {
	stock   port.StockRepository
	ids     port.IDGenerator
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	log     *logrus.Logger
	now     func() time.Time
}

func NewOrderService(stock port.StockRepository, ids port.IDGenerator, log *logrus.Logger, timeout time.Duration) *OrderService {
	s := &OrderService{
		stock:   stock,
		ids:     ids,
		timeout: timeout,
		log:     log,
		now:     time.Now,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "seckill-allocate",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			telemetry.BreakerState.Set(float64(to))
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("circuit breaker state changed")
		},
	})
	return s
}

// Seckill allocates one unit of voucherID to the user carried by ctx and
// returns the id of the order that will be materialized asynchronously.
func (s *OrderService) Seckill(ctx context.Context, voucherID int64) (int64, error) {
	start := time.Now()
	defer func() { telemetry.AllocationLatency.Observe(time.Since(start).Seconds()) }()

	userID, ok := identity.UserID(ctx)
	if !ok {
		return 0, ErrUnauthenticated
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ctx, span := telemetry.Tracer().Start(ctx, "OrderService.Seckill", trace.WithAttributes(
		attribute.Int64("voucher.id", voucherID),
		attribute.Int64("user.id", userID),
	))
	defer span.End()

	logger := s.log.WithFields(logrus.Fields{"voucher_id": voucherID, "user_id": userID})

	orderID, err := s.ids.NextID(ctx, orderIDNamespace)
	if err != nil {
		return 0, s.internal(span, logger, "order id", err)
	}

	req := domain.AllocationRequest{
		VoucherID:          voucherID,
		UserID:             userID,
		OrderID:            orderID,
		RequestTimestampMs: s.now().UnixMilli(),
		TraceCtx:           telemetry.Inject(ctx),
	}
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.stock.Allocate(ctx, req)
	})
	if err != nil {
		return 0, s.internal(span, logger, "allocate", err)
	}

	result := out.(domain.AllocationResult)
	telemetry.AllocationOutcomes.WithLabelValues(result.String()).Inc()
	span.SetAttributes(attribute.String("seckill.result", result.String()))

	switch result {
	case domain.AllocationAccepted:
		logger.WithField("order_id", orderID).Debug("seckill accepted")
		return orderID, nil
	case domain.AllocationInsufficientStock:
		err = ErrInsufficientStock
	case domain.AllocationDuplicateOrder:
		err = ErrDuplicateOrder
	case domain.AllocationNotStarted:
		err = ErrNotStarted
	case domain.AllocationEnded:
		err = ErrEnded
	default:
		return 0, s.internal(span, logger, "allocate", fmt.Errorf("unexpected result %s", result))
	}
	logger.WithField("result", result.String()).Debug("seckill rejected")
	return 0, err
}

func (s *OrderService) internal(span trace.Span, logger *logrus.Entry, step string, cause error) error {
	telemetry.AllocationOutcomes.WithLabelValues(domain.AllocationInternalError.String()).Inc()
	span.RecordError(cause)
	span.SetStatus(codes.Error, step)
	logger.WithError(cause).Errorf("seckill %s failed", step)
	return fmt.Errorf("%w: %s: %w", ErrInternal, step, cause)
}
