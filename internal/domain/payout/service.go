package payout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
	"github.com/gamemarket/gamemarket-api/internal/pkg/dbtypes"
	"github.com/gamemarket/gamemarket-api/internal/pkg/events"
	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
	"github.com/gamemarket/gamemarket-api/internal/pkg/lock"
	"github.com/gamemarket/gamemarket-api/internal/pkg/metrics"
	"github.com/gamemarket/gamemarket-api/internal/pkg/ratelimit"
	"github.com/gamemarket/gamemarket-api/internal/pkg/settle"
	"github.com/gamemarket/gamemarket-api/internal/pkg/storage"
)

// Wallet is the slice of the ledger a payout moves through.
type Wallet interface {
	DebitHold(ctx context.Context, userID uuid.UUID, e ledger.Entry) (settle.Result, error)
	DebitCommit(ctx context.Context, reference string) (settle.Result, error)
	Reverse(ctx context.Context, holdReference, refundReference string, meta dbtypes.JSONMap) (settle.Result, error)
}

type Config struct {
	Provider        string
	Currency        string
	FeePercent      decimal.Decimal
	FeeFixed        decimal.Decimal
	MinAmount       decimal.Decimal
	PerMinute       int
	PerDay          int
	CallbackBaseURL string
}

type Deps struct {
	Repo      Repository
	Wallet    Wallet
	Providers *gateway.Registry
	Limiter   ratelimit.Limiter
	Archive   storage.Archive
	Notifier  jobqueue.Notifier
	Publisher events.Publisher
}

type Service struct {
	repo      Repository
	wallet    Wallet
	providers *gateway.Registry
	limiter   ratelimit.Limiter
	archive   storage.Archive
	notifier  jobqueue.Notifier
	publisher events.Publisher
	cfg       Config
	locks     *lock.Keyed
	now       func() time.Time
}

func NewService(d Deps, cfg Config) *Service {
	if d.Limiter == nil {
		d.Limiter = ratelimit.NewMemory()
	}
	if d.Archive == nil {
		d.Archive = storage.Nop{}
	}
	if d.Notifier == nil {
		d.Notifier = jobqueue.NopNotifier
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	return &Service{
		repo:      d.Repo,
		wallet:    d.Wallet,
		providers: d.Providers,
		limiter:   d.Limiter,
		archive:   d.Archive,
		notifier:  d.Notifier,
		publisher: d.Publisher,
		cfg:       cfg,
		locks:     lock.NewKeyed(),
		now:       time.Now,
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Payout, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Payout, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

// Request holds amount + fee on the wallet and queues the transfer.
// Repeating a request with the same idempotency key returns the original
// payout with AlreadyApplied.
func (s *Service) Request(ctx context.Context, userID uuid.UUID, in RequestInput) (*Payout, settle.Result, error) {
	if !in.Amount.IsPositive() || in.Amount.LessThan(s.cfg.MinAmount) {
		res, err := settle.Reject(fmt.Errorf("%w: minimum %s", ErrBelowMinimum, s.cfg.MinAmount.StringFixed(2)))
		return nil, res, err
	}
	if in.IdempotencyKey != "" {
		existing, err := s.repo.GetByKey(ctx, in.IdempotencyKey)
		switch {
		case err == nil:
			return s.replay(existing, userID, in)
		case !errors.Is(err, ErrPayoutNotFound):
			return nil, settle.Result{}, err
		}
	}

	if err := s.limiter.Allow(ctx, "payout", userID.String(),
		ratelimit.PerMinute(s.cfg.PerMinute), ratelimit.PerDay(s.cfg.PerDay)); err != nil {
		res, rerr := settle.Reject(err)
		return nil, res, rerr
	}

	key := in.IdempotencyKey
	if key == "" {
		key = ulid.Make().String()
	}
	fee := Fee(in.Amount, s.cfg.FeePercent, s.cfg.FeeFixed)
	p := &Payout{
		ID:             uuid.New(),
		UserID:         userID,
		Amount:         in.Amount,
		Fee:            fee,
		TotalDebit:     in.Amount.Add(fee),
		Currency:       s.cfg.Currency,
		Status:         StatusQueued,
		IdempotencyKey: key,
		Provider:       s.cfg.Provider,
		Destination:    in.Destination,
	}

	if res, err := s.wallet.DebitHold(ctx, userID, ledger.Entry{
		Reference: HoldReference(key),
		Amount:    p.TotalDebit,
		Meta:      dbtypes.JSONMap{"payout_id": p.ID.String(), "fee": fee.StringFixed(2)},
	}); err != nil {
		return nil, res, err
	}

	job, err := jobqueue.New(jobqueue.TypePayoutExecute, JobPayload{PayoutID: p.ID})
	if err != nil {
		return nil, settle.Result{}, err
	}
	err = s.repo.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertPayout(ctx, p); err != nil {
			return err
		}
		return tx.Enqueue(ctx, job)
	})
	if errors.Is(err, errDuplicateKey) {
		// a concurrent request with the same key won; its hold is ours
		existing, gerr := s.repo.GetByKey(ctx, key)
		if gerr != nil {
			return nil, settle.Result{}, gerr
		}
		return s.replay(existing, userID, in)
	}
	if err != nil {
		if _, rerr := s.wallet.Reverse(ctx, HoldReference(key), RefundReference(key), dbtypes.JSONMap{"reason": "payout_insert_failed"}); rerr != nil {
			log.Error().Err(rerr).Str("idempotency_key", key).Msg("failed to release payout hold")
		}
		return nil, settle.Result{}, err
	}

	s.notifier.Notify(ctx)
	metrics.PayoutTransitions.WithLabelValues(string(StatusQueued)).Inc()
	log.Info().
		Str("payout_id", p.ID.String()).
		Str("user_id", userID.String()).
		Str("amount", p.Amount.StringFixed(2)).
		Str("fee", fee.StringFixed(2)).
		Msg("payout queued")
	return p, settle.Apply(), nil
}

func (s *Service) replay(existing *Payout, userID uuid.UUID, in RequestInput) (*Payout, settle.Result, error) {
	if existing.UserID != userID || !existing.Amount.Equal(in.Amount) || existing.Destination != in.Destination {
		res, err := settle.Reject(ErrIdempotencyConflict)
		return nil, res, err
	}
	return existing, settle.Already(), nil
}

// Execute runs the transfer for a queued payout. The provider is called
// outside any lock. A definitive rejection fails the payout and refunds
// the hold; an unavailable provider leaves it processing until the
// transfer webhook or an operator settles it.
func (s *Service) Execute(ctx context.Context, payoutID uuid.UUID) (settle.Result, error) {
	var p *Payout
	res, err := s.transition(ctx, payoutID, func(cur *Payout) (bool, error) {
		p = cur
		switch {
		case cur.Status == StatusQueued:
			cur.Status = StatusProcessing
			return true, nil
		case cur.Status == StatusProcessing && !cur.ProviderRef.Valid:
			// retry after a crash between claim and transfer; the
			// provider dedups on the idempotency key
			return false, nil
		default:
			return false, errAlready
		}
	})
	if errors.Is(err, errAlready) {
		return settle.Already(), nil
	}
	if err != nil {
		return res, err
	}
	if res.IsApplied() {
		metrics.PayoutTransitions.WithLabelValues(string(StatusProcessing)).Inc()
	}

	provider, err := s.providers.Get(p.Provider)
	if err != nil {
		return s.fail(ctx, p.ID, StatusFailed, err.Error())
	}
	result, err := provider.Transfer(ctx, gateway.TransferRequest{
		IdempotencyKey: p.IdempotencyKey,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Destination:    p.Destination,
		CallbackURL:    s.cfg.CallbackBaseURL + "/webhooks/transfers/" + provider.Name(),
	})
	switch {
	case errors.Is(err, gateway.ErrProviderUnavailable):
		log.Warn().Err(err).Str("payout_id", p.ID.String()).Msg("payout transfer outcome unknown, awaiting callback")
		return settle.Apply(), nil
	case errors.Is(err, gateway.ErrProviderRejected), errors.Is(err, gateway.ErrUnsupported),
		errors.Is(err, gateway.ErrConfigurationMissing):
		return s.fail(ctx, p.ID, StatusFailed, err.Error())
	case err != nil:
		return settle.Result{}, err
	}

	switch result.Status {
	case gateway.StatusCompleted:
		return s.complete(ctx, p.ID, result.ProviderRef)
	case gateway.StatusFailed:
		return s.fail(ctx, p.ID, StatusFailed, "provider reported failure")
	default:
		return s.transition(ctx, p.ID, func(cur *Payout) (bool, error) {
			if cur.Status != StatusProcessing {
				return false, nil
			}
			cur.ProviderRef = sql.NullString{String: result.ProviderRef, Valid: result.ProviderRef != ""}
			return true, nil
		})
	}
}

// HandleTransferWebhook settles a payout from a signed provider callback.
// Pending callbacks change nothing.
func (s *Service) HandleTransferWebhook(ctx context.Context, providerName string, headers http.Header, body []byte) (res settle.Result, pending bool, err error) {
	start := s.now()
	defer func() {
		outcome := "error"
		switch {
		case err == nil && pending:
			outcome = "pending"
		case err == nil:
			outcome = string(res.Outcome)
		case errors.Is(err, gateway.ErrInvalidSignature):
			outcome = "invalid_signature"
		}
		metrics.WebhooksReceived.WithLabelValues(providerName, "transfer", outcome).Inc()
		metrics.WebhookDuration.WithLabelValues(providerName, "transfer").Observe(time.Since(start).Seconds())
	}()

	provider, err := s.providers.Get(providerName)
	if err != nil {
		return settle.Result{}, false, err
	}
	if err := provider.VerifySignature(headers, body); err != nil {
		log.Warn().Err(err).Str("provider", provider.Name()).Msg("transfer webhook rejected")
		return settle.Result{}, false, err
	}
	if err := s.archive.Put(ctx, storage.WebhookKey("transfers", provider.Name(), start), body, "application/octet-stream"); err != nil {
		log.Warn().Err(err).Str("provider", provider.Name()).Msg("failed to archive transfer webhook")
	}
	event, err := provider.ParseWebhook(headers, body)
	if err != nil {
		return settle.Result{}, false, err
	}

	p, err := s.lookup(ctx, provider.Name(), event)
	if err != nil {
		return settle.Result{}, false, err
	}

	switch event.Status {
	case gateway.StatusCompleted:
		res, err = s.complete(ctx, p.ID, event.TransactionID)
	case gateway.StatusFailed:
		res, err = s.fail(ctx, p.ID, StatusFailed, "provider callback: "+event.RawStatus)
	default:
		return settle.Result{}, true, nil
	}
	return res, false, err
}

func (s *Service) lookup(ctx context.Context, provider string, event *gateway.WebhookEvent) (*Payout, error) {
	if event.Reference != "" {
		p, err := s.repo.GetByKey(ctx, event.Reference)
		if !errors.Is(err, ErrPayoutNotFound) {
			return p, err
		}
	}
	if event.TransactionID != "" {
		return s.repo.GetByProviderRef(ctx, provider, event.TransactionID)
	}
	return nil, ErrPayoutNotFound
}

// Cancel withdraws a payout that has not reached the provider yet.
func (s *Service) Cancel(ctx context.Context, payoutID, adminID uuid.UUID) (settle.Result, error) {
	return s.fail(ctx, payoutID, StatusCancelled, "cancelled by "+adminID.String())
}

// Fail marks a stuck payout failed and refunds the hold.
func (s *Service) Fail(ctx context.Context, payoutID uuid.UUID, reason string) (settle.Result, error) {
	return s.fail(ctx, payoutID, StatusFailed, reason)
}

// complete claims the payout as sent under the row lock, then commits the
// hold. A replay on a sent payout re-runs the commit, which is idempotent.
func (s *Service) complete(ctx context.Context, payoutID uuid.UUID, providerRef string) (settle.Result, error) {
	var p *Payout
	res, err := s.transition(ctx, payoutID, func(cur *Payout) (bool, error) {
		p = cur
		switch cur.Status {
		case StatusSent:
			return false, errAlready
		case StatusFailed, StatusCancelled:
			return false, errSettled
		}
		cur.Status = StatusSent
		cur.SentAt = sql.NullTime{Time: s.now(), Valid: true}
		if providerRef != "" {
			cur.ProviderRef = sql.NullString{String: providerRef, Valid: true}
		}
		return true, nil
	})
	switch {
	case errors.Is(err, errSettled):
		log.Warn().Str("payout_id", p.ID.String()).Str("status", string(p.Status)).Msg("success reported for settled payout")
		return settle.Already(), nil
	case errors.Is(err, errAlready):
		res = settle.Already()
	case err != nil:
		return res, err
	}

	if _, err := s.wallet.DebitCommit(ctx, HoldReference(p.IdempotencyKey)); err != nil {
		return settle.Result{}, fmt.Errorf("commit payout hold: %w", err)
	}
	if !res.IsApplied() {
		return res, nil
	}

	metrics.PayoutTransitions.WithLabelValues(string(StatusSent)).Inc()
	s.publisher.Publish(ctx, events.PayoutSent, p.ID.String(), map[string]any{
		"user_id": p.UserID.String(),
		"amount":  p.Amount.StringFixed(2),
	})
	log.Info().Str("payout_id", p.ID.String()).Str("provider_ref", providerRef).Msg("payout sent")
	return res, nil
}

// fail claims status under the row lock, then refunds the hold. Cancel is
// only allowed from queued; failure from queued or processing. A replay on
// a failed or cancelled payout re-runs the refund, which is idempotent.
func (s *Service) fail(ctx context.Context, payoutID uuid.UUID, status Status, reason string) (settle.Result, error) {
	var p *Payout
	res, err := s.transition(ctx, payoutID, func(cur *Payout) (bool, error) {
		p = cur
		switch {
		case cur.Status == status:
			return false, errAlready
		case cur.Status == StatusSent:
			return false, fmt.Errorf("%w: payout already sent", ErrInvalidState)
		case cur.Status == StatusQueued:
		case cur.Status == StatusProcessing && status == StatusFailed:
		case cur.IsTerminal() && status == StatusFailed:
			return false, errAlready
		default:
			return false, fmt.Errorf("%w: %s", ErrInvalidState, cur.Status)
		}
		cur.Status = status
		cur.FailedAt = sql.NullTime{Time: s.now(), Valid: true}
		cur.FailureReason = sql.NullString{String: reason, Valid: reason != ""}
		return true, nil
	})
	switch {
	case errors.Is(err, ErrInvalidState):
		return settle.Reject(err)
	case errors.Is(err, errAlready):
		res = settle.Already()
	case err != nil:
		return res, err
	}

	_, err = s.wallet.Reverse(ctx, HoldReference(p.IdempotencyKey), RefundReference(p.IdempotencyKey), dbtypes.JSONMap{
		"payout_id": p.ID.String(),
		"reason":    reason,
	})
	if err != nil {
		return settle.Result{}, fmt.Errorf("refund payout hold: %w", err)
	}
	if !res.IsApplied() {
		return res, nil
	}

	metrics.PayoutTransitions.WithLabelValues(string(status)).Inc()
	s.publisher.Publish(ctx, events.PayoutFailed, p.ID.String(), map[string]any{
		"user_id": p.UserID.String(),
		"status":  string(status),
		"reason":  reason,
	})
	log.Warn().Str("payout_id", p.ID.String()).Str("status", string(status)).Str("reason", reason).Msg("payout refunded")
	return res, nil
}

var (
	errAlready = errors.New("already settled")
	errSettled = errors.New("settled the other way")
)

// transition runs fn on the row locked with FOR UPDATE, under the keyed
// lock; fn returns false to leave it unchanged.
func (s *Service) transition(ctx context.Context, payoutID uuid.UUID, fn func(p *Payout) (bool, error)) (settle.Result, error) {
	unlock := s.locks.Lock(payoutID.String())
	defer unlock()
	return s.save(ctx, payoutID, fn)
}

func (s *Service) save(ctx context.Context, payoutID uuid.UUID, fn func(p *Payout) (bool, error)) (settle.Result, error) {
	res := settle.Already()
	err := s.repo.WithTx(ctx, func(tx Tx) error {
		p, err := tx.LockPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		changed, err := fn(p)
		if err != nil || !changed {
			return err
		}
		if err := tx.SavePayout(ctx, p); err != nil {
			return err
		}
		res = settle.Apply()
		return nil
	})
	if err != nil {
		return settle.Result{}, err
	}
	return res, nil
}
