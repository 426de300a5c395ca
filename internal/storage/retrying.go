package storage

import (
	"context"
	"errors"

	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/monitoring"
	"github.com/medrex/dlt-keyx/pkg/retry"
	"github.com/medrex/dlt-keyx/pkg/types"
	"github.com/sirupsen/logrus"
)

// RetryingOptions configures a Retrying gateway
type RetryingOptions struct {
	Policy  retry.Policy
	Clock   retry.Clock
	Monitor *monitoring.MonitoringMiddleware
	Logger  *logger.Logger
}

// Retrying wraps a Gateway with bounded retry. Missing or corrupt content is
// not retried; other failures that outlive the policy surface as
// CollaboratorUnavailable.
type Retrying struct {
	next    Gateway
	policy  retry.Policy
	clock   retry.Clock
	monitor *monitoring.MonitoringMiddleware
	log     *logrus.Entry
}

// NewRetrying creates the adapter
func NewRetrying(next Gateway, opts RetryingOptions) *Retrying {
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = retry.Fixed(3, 0)
	}
	clock := opts.Clock
	if clock == nil {
		clock = retry.RealClock{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Retrying{
		next:    next,
		policy:  opts.Policy,
		clock:   clock,
		monitor: opts.Monitor,
		log:     log.WithComponent("storage"),
	}
}

func permanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt) || types.KindOf(err) != ""
}

func (r *Retrying) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, r.policy, r.clock, func(ctx context.Context) error {
		err := r.monitor.StorageCall(ctx, op, fn)
		if err != nil && permanent(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error) {
		r.monitor.Metrics().RecordRetry("storage", op)
		r.log.WithError(err).WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt,
		}).Warn("Storage call failed, retrying")
	})
	if err == nil || permanent(err) {
		return err
	}
	return types.NewErrorWithCause(types.KindCollaboratorUnavailable, "storage is unavailable", err).
		WithDetail("operation", op)
}

func (r *Retrying) Upload(ctx context.Context, data []byte) (ContentAddress, error) {
	var addr ContentAddress
	err := r.call(ctx, "upload", func(ctx context.Context) error {
		var err error
		addr, err = r.next.Upload(ctx, data)
		return err
	})
	return addr, err
}

func (r *Retrying) Fetch(ctx context.Context, addr ContentAddress) ([]byte, error) {
	var data []byte
	err := r.call(ctx, "fetch", func(ctx context.Context) error {
		var err error
		data, err = r.next.Fetch(ctx, addr)
		return err
	})
	return data, err
}

func (r *Retrying) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

var (
	_ Gateway = (*Retrying)(nil)
	_ Gateway = (*LocalCAS)(nil)
	_ Gateway = (*HTTPGateway)(nil)
)
