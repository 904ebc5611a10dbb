package bors

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/borserr"
	"github.com/borsbot/bors/internal/logfields"
)

const (
	defRetryTimeout           = 2 * time.Hour
	defBackoffInitialInterval = 5 * time.Second
)

// Retryer executes a function repeatedly until it was successful or a cancel
// condition happened.
type Retryer struct {
	logger                     *zap.Logger
	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
	shutdownChan               chan struct{}
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		defTimeout:                 defRetryTimeout,
		backoffInitialInterval:     defBackoffInitialInterval,
		backoffRandomizationFactor: backoff.DefaultRandomizationFactor,
		shutdownChan:               make(chan struct{}),
	}
}

// Run executes fn until it was successful, it returned an error that does not
// wrap borserr.RetryableError, the retry timeout expired or the execution was
// aborted via the context.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	ctx, cancel := context.WithTimeout(ctx, r.defTimeout)
	defer cancel()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	// retrying is bounded by the context deadline instead
	bo.MaxElapsedTime = 0

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"operation cancelled",
				logfields.Event("operation_cancelled"),
			)

			return ctx.Err()

		case <-retryTimer.C:
			err := fn(ctx)
			if err != nil {
				var retryError *borserr.RetryableError

				logger = logger.With(zap.Error(err))

				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					logger.Info(
						"operation cancelled",
						logfields.Event("operation_cancelled"),
					)

					return err
				}

				if !errors.As(err, &retryError) {
					logger.Error(
						"operation failed, error is not retryable",
						logfields.Event("operation_failed"),
					)

					return err
				}

				if deadline, ok := ctx.Deadline(); ok && retryError.After.After(deadline) {
					logger.Warn(
						"operation failed, retry would be after the retry timeout expired",
						logfields.Event("operation_retry_timeout"),
						zap.Time("earliest_allowed_retry", retryError.After),
					)

					return err
				}

				retryIn := bo.NextBackOff()
				if wait := time.Until(retryError.After); wait > retryIn {
					retryIn = wait
				}

				retryTimer.Reset(retryIn)
				logger.Debug(
					"operation failed, retry scheduled",
					logfields.Event("operation_retry_scheduled"),
					zap.Duration("retry_in", retryIn),
					zap.Duration("age", bo.GetElapsedTime()),
				)

				continue
			}

			if tryCnt > 1 {
				logger.Info(
					"operation succeeded after retrying",
					logfields.Event("operation_succeeded"),
				)
			}

			return nil

		case <-r.shutdownChan:
			logger.Info(
				"retryer terminated, operation aborted",
				logfields.Event("operation_aborted"),
			)

			return nil
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
