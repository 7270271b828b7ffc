package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	coreerrors "escrowlink/core/errors"
	"escrowlink/core/types"
)

const (
	defaultMaxRounds      = 10
	defaultMaxRetries     = 4
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// Observer receives submission telemetry.
type Observer interface {
	ObserveSubmission(phase string, outcome OutcomeKind)
	ObserveConfirmation(phase string, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveSubmission(string, OutcomeKind) {}
func (noopObserver) ObserveConfirmation(string, time.Duration) {}

// Submitter is the only place transient ledger failures are retried. A group
// is always resubmitted byte for byte; it is never rebuilt.
type Submitter struct {
	client         Client
	maxRounds      uint64
	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
	observer       Observer
	logger         *slog.Logger
	tracer         trace.Tracer
	now            func() time.Time
}

// SubmitterOption customises the submitter.
type SubmitterOption func(*Submitter)

// WithMaxRounds bounds how many rounds AwaitConfirmation may wait.
func WithMaxRounds(rounds uint64) SubmitterOption {
	return func(s *Submitter) { s.maxRounds = rounds }
}

// WithRetry configures the transient retry policy.
func WithRetry(maxRetries uint64, initial, max time.Duration) SubmitterOption {
	return func(s *Submitter) {
		s.maxRetries = maxRetries
		s.initialBackoff = initial
		s.maxBackoff = max
	}
}

func WithObserver(o Observer) SubmitterOption {
	return func(s *Submitter) { s.observer = o }
}

func WithLogger(logger *slog.Logger) SubmitterOption {
	return func(s *Submitter) { s.logger = logger }
}

// WithClock sets the function used to measure confirmation latency.
func WithClock(clock func() time.Time) SubmitterOption {
	return func(s *Submitter) { s.now = clock }
}

// NewSubmitter wraps client with the retry and confirmation policy.
func NewSubmitter(client Client, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		client:         client,
		maxRounds:      defaultMaxRounds,
		maxRetries:     defaultMaxRetries,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		observer:       noopObserver{},
		logger:         slog.Default(),
		tracer:         otel.Tracer("escrowlink/core/ledger"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.observer == nil {
		s.observer = noopObserver{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.maxRounds == 0 {
		s.maxRounds = defaultMaxRounds
	}
	return s
}

// Client returns the wrapped ledger client.
func (s *Submitter) Client() Client { return s.client }

func (s *Submitter) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.initialBackoff
	exp.MaxInterval = s.maxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, s.maxRetries), ctx)
}

// Submit sends a fully signed group and blocks until it is confirmed. A group
// the ledger already holds resolves to the original transaction id. Rejections
// are returned as LedgerRejection errors and never retried; transient failures
// are retried with the identical group and surface as Transient errors once
// the retry budget is spent.
func (s *Submitter) Submit(ctx context.Context, phase string, group []types.SignedTransaction) (Confirmation, error) {
	if len(group) == 0 {
		return Confirmation{}, coreerrors.Validation("empty group")
	}
	anchor := group[0].ID()
	ctx, span := s.tracer.Start(ctx, "ledger.submit", trace.WithAttributes(
		attribute.String("escrow.phase", phase),
		attribute.String("escrow.tx_id", anchor.String()),
		attribute.Int("escrow.group_size", len(group)),
	))
	defer span.End()

	landed, err := s.send(ctx, phase, anchor, group)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Confirmation{}, err
	}
	conf, err := s.confirm(ctx, phase, landed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Confirmation{}, err
	}
	span.SetAttributes(attribute.Int64("escrow.round", int64(conf.Round)))
	return conf, nil
}

func (s *Submitter) send(ctx context.Context, phase string, anchor types.TxID, group []types.SignedTransaction) (types.TxID, error) {
	var landed types.TxID
	attempt := 0
	operation := func() error {
		attempt++
		outcome := s.client.Submit(ctx, group)
		s.observer.ObserveSubmission(phase, outcome.Kind)
		switch outcome.Kind {
		case OutcomeConfirmed:
			landed = outcome.TxID
			if landed.IsZero() {
				landed = anchor
			}
			return nil
		case OutcomeAlreadyLanded:
			landed = outcome.TxID
			if landed.IsZero() {
				landed = anchor
			}
			s.logger.Info("group already on ledger, re-confirming",
				slog.String("phase", phase),
				slog.String("txId", landed.String()))
			return nil
		case OutcomeRejected:
			return backoff.Permanent(coreerrors.LedgerRejection(anchor.String(), outcome.Reason, nil))
		default:
			s.logger.Warn("transient submission failure",
				slog.String("phase", phase),
				slog.Int("attempt", attempt),
				slog.String("reason", outcome.Reason))
			return coreerrors.Transient(anchor.String(), outcome.Reason, nil)
		}
	}
	if err := backoff.Retry(operation, s.newBackOff(ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && coreerrors.KindOf(err) != coreerrors.KindLedgerRejection {
			return types.TxID{}, coreerrors.Transient(anchor.String(), "submission interrupted", ctxErr)
		}
		return types.TxID{}, err
	}
	return landed, nil
}

func (s *Submitter) confirm(ctx context.Context, phase string, txID types.TxID) (Confirmation, error) {
	start := s.now()
	conf, err := s.client.AwaitConfirmation(ctx, txID, s.maxRounds)
	switch {
	case err == nil:
		s.observer.ObserveConfirmation(phase, s.now().Sub(start))
		return conf, nil
	case errors.Is(err, ErrTxDropped):
		return Confirmation{}, coreerrors.LedgerRejection(txID.String(), "transaction dropped by ledger", err)
	case errors.Is(err, ErrConfirmationTimeout):
		// The group may have landed after the wait ended; ask once more.
		status, found, qerr := s.client.TransactionStatus(ctx, txID)
		if qerr == nil && found {
			s.observer.ObserveConfirmation(phase, s.now().Sub(start))
			return status, nil
		}
		s.logger.Warn("confirmation timed out",
			slog.String("phase", phase),
			slog.String("txId", txID.String()),
			slog.Uint64("maxRounds", s.maxRounds))
		return Confirmation{}, coreerrors.Transient(txID.String(), "confirmation timed out; resubmit the same group to re-check", err)
	default:
		return Confirmation{}, coreerrors.Transient(txID.String(), "await confirmation", err)
	}
}
