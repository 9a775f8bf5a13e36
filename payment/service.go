package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/lock"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store       ledger.Store
	gateway     Gateway
	locker      ledger.OrderLocker
	classifier  ledger.Classifier
	eligibility *ledger.Eligibility
	logger      *zap.Logger
	metrics     *Metrics

	enabledSubtypes []string
	maxRetries      uint64
	retryInterval   time.Duration
	now             func() time.Time
}

type Option func(*Service)

// WithLocker replaces the default in-process locker.
func WithLocker(l ledger.OrderLocker) Option {
	return func(s *Service) { s.locker = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClassifier(c ledger.Classifier) Option {
	return func(s *Service) {
		if c != nil {
			s.classifier = c
		}
	}
}

// WithEnabledSubtypes sets the wallet sub-types the merchant has enabled,
// e.g. "google_pay_authorize".
func WithEnabledSubtypes(subtypes ...string) Option {
	return func(s *Service) { s.enabledSubtypes = append([]string(nil), subtypes...) }
}

// WithRetry bounds how often a conflicting save is retried.
func WithRetry(maxRetries uint64, interval time.Duration) Option {
	return func(s *Service) {
		s.maxRetries = maxRetries
		if interval > 0 {
			s.retryInterval = interval
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store ledger.Store, gateway Gateway, opts ...Option) *Service {
	s := &Service{
		store:         store,
		gateway:       gateway,
		classifier:    ledger.DefaultClassifier(),
		logger:        zap.NewNop(),
		maxRetries:    3,
		retryInterval: 20 * time.Millisecond,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = lock.NewLocal(lock.DefaultWait)
	}
	s.eligibility = ledger.NewEligibility(s.classifier)
	return s
}

// Eligibility exposes the engine the service validates with.
func (s *Service) Eligibility() *ledger.Eligibility { return s.eligibility }

// EnabledSubtypes returns a copy of the configured wallet sub-types.
func (s *Service) EnabledSubtypes() []string {
	return append([]string(nil), s.enabledSubtypes...)
}

// =============================================================================
// MERCHANT ACTIONS
// =============================================================================

// ActionRequest targets one transaction of an order.
// Amount is ignored for voids. A positive OrderTotal additionally caps the
// order-wide captured amount.
type ActionRequest struct {
	OrderID       string
	TransactionID string
	Amount        decimal.Decimal
	OrderTotal    decimal.Decimal
}

// ActionResult is the gateway's record and the ledger after merging it.
// Version is the saved snapshot version, zero for unversioned stores.
type ActionResult struct {
	Record  ledger.TransactionRecord
	Ledger  *ledger.Ledger
	Version int64
}

// Approved reports whether the gateway approved the action.
func (r ActionResult) Approved() bool {
	return r.Record.Status == ledger.StatusApproved
}

func (s *Service) Capture(ctx context.Context, req ActionRequest) (ActionResult, error) {
	return s.execute(ctx, ledger.ActionCapture, req)
}

func (s *Service) Refund(ctx context.Context, req ActionRequest) (ActionResult, error) {
	return s.execute(ctx, ledger.ActionRefund, req)
}

func (s *Service) Void(ctx context.Context, req ActionRequest) (ActionResult, error) {
	return s.execute(ctx, ledger.ActionVoid, req)
}

func (s *Service) execute(ctx context.Context, action ledger.Action, req ActionRequest) (ActionResult, error) {
	start := time.Now()
	log := s.logger.With(
		zap.String("order_id", req.OrderID),
		zap.String("action", string(action)),
		zap.String("transaction_id", req.TransactionID),
	)
	log.Info("Processing action", zap.String("amount", req.Amount.String()))

	var result ActionResult
	err := s.locker.WithOrderLock(ctx, req.OrderID, func(ctx context.Context) error {
		snap, err := ledger.LoadSnapshot(ctx, s.store, req.OrderID)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		l := ledger.Rehydrate(s.classifier, snap)

		if err := s.validate(l, action, req); err != nil {
			return err
		}

		target, _ := l.Node(req.TransactionID)
		amount := req.Amount
		if action == ledger.ActionVoid {
			amount = target.Amount
		}
		rec, err := s.gateway.Execute(ctx, Request{
			OrderID:       req.OrderID,
			Action:        action,
			Reference:     target,
			Kind:          ResultKind(action, target.Kind),
			Amount:        amount,
			Currency:      target.Currency,
			TerminalToken: target.TerminalToken,
		})
		if err != nil {
			return &GatewayError{Action: action, TransactionID: req.TransactionID, Err: err}
		}

		if rec.ParentID == "" && rec.ReferenceID == "" {
			rec.ParentID = target.UniqueID
		}
		rec = rec.Normalize(s.now())
		if err := rec.Validate(); err != nil {
			return &GatewayError{Action: action, TransactionID: req.TransactionID, Err: err}
		}

		merged, version, err := s.persist(ctx, req.OrderID, &snap, []ledger.TransactionRecord{rec})
		if err != nil {
			return err
		}
		result = ActionResult{Record: rec, Ledger: merged, Version: version}
		return nil
	})

	outcome := "error"
	switch {
	case err == nil && result.Approved():
		outcome = "approved"
		log.Info("Action completed", zap.String("result_id", result.Record.UniqueID))
	case err == nil:
		outcome = "declined"
		log.Warn("Action declined by gateway",
			zap.String("result_id", result.Record.UniqueID),
			zap.String("status", string(result.Record.Status)),
			zap.String("message", result.Record.Message))
	case errors.Is(err, ErrGateway):
		log.Error("Gateway call failed, ledger unchanged", zap.Error(err))
	case ledger.IsClientError(err) || ledger.IsNotFound(err):
		outcome = "rejected"
		log.Info("Action rejected", zap.Error(err))
	case ledger.IsRetryable(err):
		outcome = "busy"
		log.Warn("Action not applied, order busy", zap.Error(err))
	default:
		log.Error("Action failed", zap.Error(err))
	}
	s.metrics.observeAction(string(action), outcome, time.Since(start).Seconds())

	if err != nil {
		return ActionResult{}, err
	}
	return result, nil
}

// validate runs every check that must pass before the gateway is called.
func (s *Service) validate(l *ledger.Ledger, action ledger.Action, req ActionRequest) error {
	err := s.eligibility.Check(l, action, req.TransactionID, req.Amount, s.enabledSubtypes)
	var nf *ledger.NotFoundError
	if errors.As(err, &nf) {
		nf.OrderID = req.OrderID
	}
	if err != nil {
		return err
	}

	switch action {
	case ledger.ActionCapture:
		if !req.OrderTotal.IsPositive() {
			return nil
		}
		available := req.OrderTotal.Sub(s.eligibility.TotalCaptured(l))
		if req.Amount.GreaterThan(available) {
			return &ledger.AmountExceededError{Action: action, Requested: req.Amount, Available: clamp(available)}
		}
	case ledger.ActionRefund:
		available := s.eligibility.TotalSettled(l).Sub(s.eligibility.TotalRefunded(l))
		if req.Amount.GreaterThan(available) {
			return &ledger.AmountExceededError{Action: action, Requested: req.Amount, Available: clamp(available)}
		}
	}
	return nil
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// ApplyNotification merges records decoded from a gateway notification.
// An empty orderID is resolved through the store when it implements
// ledger.OrderLocator. Re-delivered notifications are harmless.
func (s *Service) ApplyNotification(ctx context.Context, orderID string, records []ledger.TransactionRecord) (*ledger.Ledger, error) {
	if len(records) == 0 {
		return nil, ledger.ErrInvalidRecord
	}
	records = append([]ledger.TransactionRecord(nil), records...)
	now := s.now()
	for i := range records {
		records[i] = records[i].Normalize(now)
		if err := records[i].Validate(); err != nil {
			s.metrics.notification("invalid")
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}

	if orderID == "" {
		id, err := s.locate(ctx, records)
		if err != nil {
			s.metrics.notification("unknown_order")
			return nil, err
		}
		orderID = id
	}
	log := s.logger.With(zap.String("order_id", orderID))

	var merged *ledger.Ledger
	err := s.locker.WithOrderLock(ctx, orderID, func(ctx context.Context) error {
		snap, err := ledger.LoadSnapshot(ctx, s.store, orderID)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		before := ledger.Rehydrate(s.classifier, snap)
		s.checkRefundOverflow(log, before, records)

		merged, _, err = s.persist(ctx, orderID, &snap, records)
		return err
	})
	if err != nil {
		s.metrics.notification("error")
		log.Error("Notification not applied", zap.Error(err))
		return nil, err
	}

	s.metrics.notification("applied")
	log.Info("Notification applied", zap.Int("records", len(records)), zap.Int("ledger_size", merged.Len()))
	return merged, nil
}

// locate finds the order through any id a record mentions.
func (s *Service) locate(ctx context.Context, records []ledger.TransactionRecord) (string, error) {
	locator, ok := s.store.(ledger.OrderLocator)
	if !ok {
		return "", &ledger.NotFoundError{TransactionID: records[0].UniqueID}
	}
	for _, r := range records {
		for _, id := range []string{r.UniqueID, r.ParentID, r.ReferenceID} {
			if id == "" {
				continue
			}
			orderID, err := locator.FindOrder(ctx, id)
			if err == nil {
				return orderID, nil
			}
			if !ledger.IsNotFound(err) {
				return "", err
			}
		}
	}
	return "", &ledger.NotFoundError{TransactionID: records[0].UniqueID}
}

// checkRefundOverflow warns when a notified refund would take total refunds
// past what was settled. The record is merged regardless.
func (s *Service) checkRefundOverflow(log *zap.Logger, before *ledger.Ledger, records []ledger.TransactionRecord) {
	after := before.Merge(records...)
	settled := s.eligibility.TotalSettled(after)
	for _, r := range records {
		if !s.classifier.IsRefundLike(r.Kind) || r.Status != ledger.StatusApproved {
			continue
		}
		// the same refund may already be recorded from the merchant's own response
		refunded := s.eligibility.ExcludingAmount(before, r.UniqueID, ledger.ActionRefund, ledger.StatusApproved)
		if refunded.Add(r.Amount).GreaterThan(settled) {
			s.metrics.refundOverflow()
			log.Warn("Notified refund exceeds settled amount",
				zap.String("transaction_id", r.UniqueID),
				zap.String("refunded", refunded.Add(r.Amount).StringFixed(2)),
				zap.String("settled", settled.StringFixed(2)))
		}
	}
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// persist merges records into the order's ledger and saves it. The first
// attempt reuses first; after a version conflict the ledger is reloaded and
// the same records merged again.
func (s *Service) persist(ctx context.Context, orderID string, first *ledger.Snapshot, records []ledger.TransactionRecord) (*ledger.Ledger, int64, error) {
	versioned, isVersioned := s.store.(ledger.VersionedStore)

	var (
		saved   *ledger.Ledger
		version int64
	)
	attempt := 0
	op := func() error {
		attempt++
		snap := first
		if attempt > 1 || snap == nil {
			reloaded, err := ledger.LoadSnapshot(ctx, s.store, orderID)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("reload ledger: %w", err))
			}
			snap = &reloaded
		}
		l := ledger.Rehydrate(s.classifier, *snap).Merge(records...)

		if !isVersioned {
			if err := s.store.SaveLedger(ctx, orderID, l); err != nil {
				return backoff.Permanent(fmt.Errorf("save ledger: %w", err))
			}
			saved = l
			return nil
		}

		v, err := versioned.SaveSnapshot(ctx, orderID, l, snap.Version)
		if err != nil {
			if errors.Is(err, ledger.ErrConcurrentModification) {
				s.metrics.conflict()
				s.logger.Warn("Ledger changed underneath, retrying save",
					zap.String("order_id", orderID), zap.Int("attempt", attempt), zap.Error(err))
				return err
			}
			return backoff.Permanent(fmt.Errorf("save ledger: %w", err))
		}
		saved, version = l, v
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(s.backOff(), s.maxRetries), ctx)); err != nil {
		return nil, 0, err
	}
	s.metrics.merged(len(records))
	return saved, version, nil
}

func (s *Service) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval
	b.MaxInterval = 20 * s.retryInterval
	b.MaxElapsedTime = 0
	return b
}

// =============================================================================
// READ VIEW
// =============================================================================

// OrderView is the annotated ledger of one order.
type OrderView struct {
	OrderID       string                 `json:"order_id"`
	Version       int64                  `json:"version"`
	Transactions  []ledger.AnnotatedNode `json:"transactions"`
	TotalCaptured string                 `json:"total_captured"`
	TotalRefunded string                 `json:"total_refunded"`
	TotalSettled  string                 `json:"total_settled"`
}

// View loads the order without locking it. Orders without any record
// return *ledger.NotFoundError.
func (s *Service) View(ctx context.Context, orderID string) (OrderView, error) {
	snap, err := ledger.LoadSnapshot(ctx, s.store, orderID)
	if err != nil {
		return OrderView{}, fmt.Errorf("load ledger: %w", err)
	}
	if len(snap.Records) == 0 {
		return OrderView{}, &ledger.NotFoundError{OrderID: orderID}
	}
	return s.Render(orderID, snap.Version, ledger.Rehydrate(s.classifier, snap)), nil
}

// Render annotates l for display.
func (s *Service) Render(orderID string, version int64, l *ledger.Ledger) OrderView {
	return OrderView{
		OrderID:       orderID,
		Version:       version,
		Transactions:  s.eligibility.Flatten(l, s.enabledSubtypes),
		TotalCaptured: s.eligibility.TotalCaptured(l).StringFixed(2),
		TotalRefunded: s.eligibility.TotalRefunded(l).StringFixed(2),
		TotalSettled:  s.eligibility.TotalSettled(l).StringFixed(2),
	}
}

func clamp(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
