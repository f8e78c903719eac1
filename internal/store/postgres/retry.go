package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"qms/sector-queue/internal/metrics"
	"qms/sector-queue/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const sequenceConstraint = "uq_tickets_sector_day_seq"

// retryTx runs fn until it succeeds, fails with a non-retryable error, or
// exhausts attempts. Each call of fn must open and finish its own transaction.
func retryTx[T any](ctx context.Context, logger *zap.Logger, op string, attempts uint, fn func() (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		if attempt > 1 {
			metrics.TxRetries.WithLabelValues(op).Inc()
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		err = classify(err)
		if errors.Is(err, store.ErrTransientConflict) {
			logger.Debug("transaction conflict", zap.String("operation", op), zap.Int("attempt", attempt), zap.Error(err))
			return result, err
		}
		return result, backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond

	result, err := backoff.Retry(ctx, operation, backoff.WithBackOff(policy), backoff.WithMaxTries(attempts))
	if err != nil && errors.Is(err, store.ErrTransientConflict) {
		logger.Warn("transaction retries exhausted", zap.String("operation", op), zap.Int("attempts", attempt))
	}
	return result, err
}

// classify maps driver errors onto the store error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrQueueEmpty) ||
		errors.Is(err, store.ErrValidation) || errors.Is(err, store.ErrTransientConflict) ||
		errors.Is(err, store.ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505" && pgErr.ConstraintName == sequenceConstraint:
			return fmt.Errorf("%w: sequence number taken", store.ErrTransientConflict)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return fmt.Errorf("%w: %s", store.ErrTransientConflict, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P03", pgErr.Code == "53300":
			return fmt.Errorf("%w: %s", store.ErrStoreUnavailable, pgErr.Message)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	return err
}
