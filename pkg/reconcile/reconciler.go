package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/coveredcall/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrStaleStateView means the open trades view lags the open orders view. Callers
// must defer the decision instead of assuming there is no conflict.
var ErrStaleStateView = errors.New("broker trade view not stabilized")

// OrderViews is the part of the gateway the reconciler reads.
type OrderViews interface {
	OpenOrders(ctx context.Context) ([]models.OrderView, error)
	OpenTrades(ctx context.Context) ([]models.OrderView, error)
}

type PositionReader interface {
	Positions(ctx context.Context) ([]models.Holding, error)
}

type Config struct {
	ExpirationTolerance time.Duration
	StrikeTolerance     decimal.Decimal
	// SettlePause is slept before reading broker views. It only reduces staleness;
	// IsStabilized is the correctness gate.
	SettlePause time.Duration
}

func DefaultConfig() Config {
	return Config{
		ExpirationTolerance: 30 * 24 * time.Hour,
		StrikeTolerance:     decimal.NewFromInt(15),
		SettlePause:         time.Second,
	}
}

// Reconciler resolves the broker's eventually-consistent open trades and open
// orders views into one authoritative list for conflict checks.
type Reconciler struct {
	views  OrderViews
	cfg    Config
	sleep  func(context.Context, time.Duration) error
	logger *logrus.Logger
}

func New(views OrderViews, cfg Config, logger *logrus.Logger) *Reconciler {
	return &Reconciler{views: views, cfg: cfg, sleep: sleepCtx, logger: logger}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type snapshot struct {
	trades []models.OrderView
	orders []models.OrderView
}

type decisionKey struct{}

type decision struct {
	mu   sync.Mutex
	snap *snapshot
}

// WithDecision scopes ctx to one trading decision. Every check made with the
// returned context shares a single settled read of the broker views.
func WithDecision(ctx context.Context) context.Context {
	return context.WithValue(ctx, decisionKey{}, &decision{})
}

func (r *Reconciler) read(ctx context.Context) (snapshot, error) {
	d, _ := ctx.Value(decisionKey{}).(*decision)
	if d == nil {
		return r.readViews(ctx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snap != nil {
		return *d.snap, nil
	}
	s, err := r.readViews(ctx)
	if err != nil {
		return snapshot{}, err
	}
	d.snap = &s
	return s, nil
}

func (r *Reconciler) readViews(ctx context.Context) (snapshot, error) {
	if err := r.sleep(ctx, r.cfg.SettlePause); err != nil {
		return snapshot{}, err
	}
	trades, err := r.views.OpenTrades(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("failed to read open trades: %w", err)
	}
	orders, err := r.views.OpenOrders(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("failed to read open orders: %w", err)
	}
	return snapshot{trades: trades, orders: orders}, nil
}

func (s snapshot) stabilized() bool { return len(s.trades) >= len(s.orders) }

// reconciled drops trades whose order no longer appears in the orders view, which
// happens after an out-of-band cancel.
func (s snapshot) reconciled() []models.OrderView {
	if len(s.trades) <= len(s.orders) {
		return s.trades
	}
	ids := make(map[string]struct{}, len(s.orders))
	perms := make(map[int64]struct{}, len(s.orders))
	for _, o := range s.orders {
		ids[o.OrderID] = struct{}{}
		if o.PermID != 0 {
			perms[o.PermID] = struct{}{}
		}
	}
	out := make([]models.OrderView, 0, len(s.orders))
	for _, t := range s.trades {
		if _, ok := ids[t.OrderID]; ok {
			out = append(out, t)
			continue
		}
		if _, ok := perms[t.PermID]; ok && t.PermID != 0 {
			out = append(out, t)
		}
	}
	return out
}

// IsStabilized reports whether the trades view has caught up with the orders view.
func (r *Reconciler) IsStabilized(ctx context.Context) (bool, error) {
	s, err := r.read(ctx)
	if err != nil {
		return false, err
	}
	return s.stabilized(), nil
}

// Reconcile returns the authoritative open trades.
func (r *Reconciler) Reconcile(ctx context.Context) ([]models.OrderView, error) {
	s, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	return s.reconciled(), nil
}

// stableTrades reads both views and fails with ErrStaleStateView if they disagree
// in the unsafe direction.
func (r *Reconciler) stableTrades(ctx context.Context) ([]models.OrderView, error) {
	s, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	if !s.stabilized() {
		r.logger.WithFields(logrus.Fields{
			"open_trades": len(s.trades),
			"open_orders": len(s.orders),
		}).Info("Open trades view not stabilized, deferring")
		return nil, ErrStaleStateView
	}
	return s.reconciled(), nil
}

// FindConflict returns a pending trade that overlaps inst: same symbol and right,
// expiration and strike within tolerance.
func (r *Reconciler) FindConflict(ctx context.Context, inst models.Instrument) (*models.OrderView, error) {
	trades, err := r.stableTrades(ctx)
	if err != nil {
		return nil, err
	}
	for i := range trades {
		if r.overlaps(trades[i].Instrument, inst) {
			return &trades[i], nil
		}
	}
	return nil, nil
}

func (r *Reconciler) overlaps(open, want models.Instrument) bool {
	if open.Symbol != want.Symbol || open.Kind != want.Kind {
		return false
	}
	if !open.IsOption() {
		return true
	}
	if open.Right != want.Right {
		return false
	}
	gap := open.Expiration.Sub(want.Expiration)
	if gap < 0 {
		gap = -gap
	}
	if gap > r.cfg.ExpirationTolerance {
		return false
	}
	return open.Strike.Sub(want.Strike).Abs().LessThanOrEqual(r.cfg.StrikeTolerance)
}

// PendingInWindow reports whether any open option trade on symbol with the given
// right expires within [low, high] days of now.
func (r *Reconciler) PendingInWindow(ctx context.Context, symbol string, right models.Right, now time.Time, low, high int) (bool, error) {
	trades, err := r.stableTrades(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range trades {
		inst := t.Instrument
		if !inst.IsOption() || inst.Symbol != symbol || inst.Right != right {
			continue
		}
		if dte := inst.DTE(now); dte >= low && dte <= high {
			return true, nil
		}
	}
	return false, nil
}

// CallsToSell is how many more covered calls symbol can carry: one per 100 shares,
// less filled short calls and pending call sells. Pending orders are counted first
// so the estimate errs toward selling fewer.
func (r *Reconciler) CallsToSell(ctx context.Context, positions PositionReader, symbol string) (int64, error) {
	trades, err := r.stableTrades(ctx)
	if err != nil {
		return 0, err
	}
	holdings, err := positions.Positions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read positions: %w", err)
	}

	var pending, shares, calls int64
	for _, t := range trades {
		if t.Instrument.IsCall() && t.Instrument.Symbol == symbol && t.Side == models.SideSell {
			pending += t.Remaining
		}
	}
	for _, h := range holdings {
		if h.Instrument.Symbol != symbol {
			continue
		}
		switch h.Instrument.Kind {
		case models.KindEquity:
			shares += h.Quantity
		case models.KindOption:
			if h.Instrument.Right == models.RightCall {
				calls += h.Quantity
			}
		}
	}

	n := shares/100 + calls - pending
	if n < 0 {
		n = 0
	}
	return n, nil
}
