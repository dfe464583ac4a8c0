package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/coveredcall/pkg/account"
	"github.com/gregtusar/coveredcall/pkg/engine"
	"github.com/gregtusar/coveredcall/pkg/gateway"
	"github.com/gregtusar/coveredcall/pkg/metrics"
	"github.com/gregtusar/coveredcall/pkg/models"
	"github.com/gregtusar/coveredcall/pkg/pricing"
	"github.com/gregtusar/coveredcall/pkg/reconcile"
	"github.com/gregtusar/coveredcall/pkg/strategy"
	"github.com/sirupsen/logrus"
)

type Mode string

const (
	ModeIdle  Mode = "idle"
	ModeOpen  Mode = "open"
	ModeClose Mode = "close"
)

// Reconciler is the broker-state view the trader gates on.
type Reconciler interface {
	PendingInWindow(ctx context.Context, symbol string, right models.Right, now time.Time, low, high int) (bool, error)
	CallsToSell(ctx context.Context, positions reconcile.PositionReader, symbol string) (int64, error)
}

type Config struct {
	Symbol  string
	DTELow  int
	DTEHigh int
}

// CoveredCallTrader tracks one symbol's holdings, watches either candidate calls
// (nothing written yet) or the written short-term call, and hands trades to the
// sell and buy engines.
type CoveredCallTrader struct {
	gw         gateway.Gateway
	strategy   strategy.Strategy
	reconciler Reconciler
	sell       *engine.Engine
	buy        *engine.Engine
	account    *account.Manager
	cfg        Config
	now        func() time.Time
	logger     *logrus.Logger

	resubMu sync.Mutex

	mu             sync.Mutex
	ctx            context.Context
	position       models.Position
	shortCall      *models.Holding
	mode           Mode
	optionSubs     map[gateway.QuoteHandle]models.Instrument
	underlying     gateway.QuoteHandle
	needCandidates bool
	paused         bool
	unregister     []func()
}

func NewCoveredCallTrader(
	gw gateway.Gateway,
	strat strategy.Strategy,
	rec Reconciler,
	sell, buy *engine.Engine,
	acct *account.Manager,
	cfg Config,
	logger *logrus.Logger,
) (*CoveredCallTrader, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", engine.ErrInvalidInput)
	}
	if cfg.DTELow < 0 || cfg.DTEHigh < cfg.DTELow {
		return nil, fmt.Errorf("%w: DTE window [%d, %d]", engine.ErrInvalidInput, cfg.DTELow, cfg.DTEHigh)
	}
	if sell.Side() != models.SideSell || buy.Side() != models.SideBuy {
		return nil, fmt.Errorf("%w: engines must be sell and buy", engine.ErrInvalidInput)
	}
	if sell.Symbol() != cfg.Symbol || buy.Symbol() != cfg.Symbol {
		return nil, fmt.Errorf("%w: engines do not trade %s", engine.ErrInvalidInput, cfg.Symbol)
	}
	if acct == nil {
		acct = account.NewManager(account.DefaultMultiplier)
	}
	return &CoveredCallTrader{
		gw:         gw,
		strategy:   strat,
		reconciler: rec,
		sell:       sell,
		buy:        buy,
		account:    acct,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger,
		ctx:        context.Background(),
		position:   models.Position{Symbol: cfg.Symbol},
		mode:       ModeIdle,
		optionSubs: make(map[gateway.QuoteHandle]models.Instrument),
	}, nil
}

// SetClock overrides the time source used for DTE decisions.
func (t *CoveredCallTrader) SetClock(now func() time.Time) { t.now = now }

func (t *CoveredCallTrader) Start(ctx context.Context) error {
	t.logger.WithField("symbol", t.cfg.Symbol).Info("Starting covered call trader")

	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()

	handle, err := t.gw.SubscribeQuote(ctx, models.Equity(t.cfg.Symbol), t.onUnderlying)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", t.cfg.Symbol, err)
	}

	t.mu.Lock()
	t.underlying = handle
	t.unregister = append(t.unregister,
		t.gw.OnConnection(t.onConnection),
		t.gw.OnPositionChange(t.onPositionChange),
		t.sell.OnTerminate(t.onTerminate),
		t.buy.OnTerminate(t.onTerminate),
	)
	t.mu.Unlock()

	return t.Resubscribe(ctx)
}

func (t *CoveredCallTrader) Stop() {
	t.logger.WithField("symbol", t.cfg.Symbol).Info("Stopping covered call trader")

	t.mu.Lock()
	fns := t.unregister
	t.unregister = nil
	underlying := t.underlying
	t.underlying = ""
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	if underlying != "" {
		t.gw.CancelQuote(underlying)
	}
	t.dropOptionSubs()
}

func (t *CoveredCallTrader) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
	t.logger.WithField("symbol", t.cfg.Symbol).Info("Trading paused")
}

func (t *CoveredCallTrader) Resume() {
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
	t.logger.WithField("symbol", t.cfg.Symbol).Info("Trading resumed")
}

// RefreshPositions replaces holdings with the broker's report and picks the
// short-term call. The first written call inside the DTE window wins; broker order
// is not sorted by expiration, so it is not necessarily the nearest one.
func (t *CoveredCallTrader) RefreshPositions(ctx context.Context) error {
	holdings, err := t.gw.Positions(ctx)
	if err != nil {
		return fmt.Errorf("failed to get positions: %w", err)
	}
	t.account.Update(holdings)

	now := t.now()
	pos := models.Position{Symbol: t.cfg.Symbol, UpdatedAt: now}
	var short *models.Holding
	for _, h := range holdings {
		if h.Instrument.Symbol != t.cfg.Symbol {
			continue
		}
		switch h.Instrument.Kind {
		case models.KindEquity:
			pos.Shares += h.Quantity
		case models.KindOption:
			pos.Options = append(pos.Options, h)
			if short == nil && h.Instrument.IsCall() && h.Quantity < 0 && t.inWindow(h.Instrument, now) {
				h := h
				short = &h
			}
		}
	}

	t.mu.Lock()
	t.position = pos
	t.shortCall = short
	t.mu.Unlock()

	metrics.SetShares(t.cfg.Symbol, pos.Shares)
	return nil
}

func (t *CoveredCallTrader) inWindow(inst models.Instrument, now time.Time) bool {
	dte := inst.DTE(now)
	return dte >= t.cfg.DTELow && dte <= t.cfg.DTEHigh
}

// Resubscribe rebuilds option subscriptions from fresh positions: the short-term
// call alone when one is written, otherwise the strategy's candidates.
func (t *CoveredCallTrader) Resubscribe(ctx context.Context) error {
	t.resubMu.Lock()
	defer t.resubMu.Unlock()

	t.dropOptionSubs()
	if err := t.RefreshPositions(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	short := t.shortCall
	t.mu.Unlock()

	if short != nil {
		handle, err := t.gw.SubscribeQuote(ctx, short.Instrument, t.onCloseQuote(short.Instrument))
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", short.Instrument, err)
		}
		t.mu.Lock()
		t.mode = ModeClose
		t.needCandidates = false
		t.optionSubs[handle] = short.Instrument
		t.mu.Unlock()

		t.logger.WithFields(logrus.Fields{
			"symbol":   t.cfg.Symbol,
			"contract": short.Instrument.String(),
			"quantity": short.Quantity,
		}).Info("Short-term call found, watching for buy back")
		return nil
	}

	candidates, err := t.strategy.CandidateContracts(ctx)
	if errors.Is(err, strategy.ErrNoUnderlyingPrice) {
		t.mu.Lock()
		t.mode = ModeOpen
		t.needCandidates = true
		t.mu.Unlock()
		t.logger.WithField("symbol", t.cfg.Symbol).Debug("Waiting for underlying price before subscribing candidates")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get candidate contracts: %w", err)
	}

	subs := make(map[gateway.QuoteHandle]models.Instrument, len(candidates))
	for _, inst := range candidates {
		handle, err := t.gw.SubscribeQuote(ctx, inst, t.onOpenQuote(inst))
		if err != nil {
			t.logger.WithError(err).WithField("contract", inst.String()).Warn("Failed to subscribe to candidate")
			continue
		}
		subs[handle] = inst
	}

	t.mu.Lock()
	t.mode = ModeOpen
	t.needCandidates = false
	for h, inst := range subs {
		t.optionSubs[h] = inst
	}
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"symbol":     t.cfg.Symbol,
		"candidates": len(subs),
	}).Info("No short-term call, watching candidates to sell")
	return nil
}

func (t *CoveredCallTrader) dropOptionSubs() {
	t.mu.Lock()
	subs := t.optionSubs
	t.optionSubs = make(map[gateway.QuoteHandle]models.Instrument)
	t.mu.Unlock()

	for h := range subs {
		if err := t.gw.CancelQuote(h); err != nil && !errors.Is(err, gateway.ErrUnknownQuote) {
			t.logger.WithError(err).Debug("Failed to cancel option subscription")
		}
	}
}

func (t *CoveredCallTrader) baseContext() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}

func (t *CoveredCallTrader) resubscribe(reason string) {
	if err := t.Resubscribe(t.baseContext()); err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"symbol": t.cfg.Symbol,
			"reason": reason,
		}).Error("Failed to resubscribe")
	}
}

func (t *CoveredCallTrader) onConnection(ev models.ConnectionEvent) {
	switch ev {
	case models.Disconnected:
		t.logger.WithField("symbol", t.cfg.Symbol).Warn("Gateway disconnected, dropping option subscriptions")
		t.dropOptionSubs()
	case models.Connected:
		t.resubscribe("reconnect")
	}
}

func (t *CoveredCallTrader) onPositionChange() { t.resubscribe("position_change") }

func (t *CoveredCallTrader) onTerminate(out engine.Outcome) {
	t.logger.WithFields(logrus.Fields{
		"symbol":   t.cfg.Symbol,
		"trade_id": out.Trade.ID,
		"side":     out.Trade.Side,
		"outcome":  out.Kind,
	}).Info("Trade terminated, refreshing subscriptions")
	t.resubscribe("trade_" + string(out.Kind))
}

func (t *CoveredCallTrader) onUnderlying(q models.Quote) {
	if obs, ok := t.strategy.(strategy.UnderlyingObserver); ok {
		obs.ObserveUnderlying(q)
	}
	t.mu.Lock()
	need := t.needCandidates
	t.mu.Unlock()
	if need {
		t.resubscribe("underlying_price")
	}
}

func (t *CoveredCallTrader) onOpenQuote(inst models.Instrument) gateway.QuoteHandler {
	return func(q models.Quote) {
		t.mu.Lock()
		skip := t.paused || t.shortCall != nil
		t.mu.Unlock()
		if skip || t.sell.Busy() {
			return
		}

		cond, ok := t.strategy.MinimumSellingCondition(inst, q)
		if !ok {
			return
		}
		if !pricing.LadderFeasible(cond.MinPrice, q.Ask) {
			t.logger.WithFields(logrus.Fields{
				"contract": inst.String(),
				"min":      cond.MinPrice.String(),
				"ask":      q.Ask.String(),
			}).Debug("Price range too narrow to ladder")
			return
		}

		ctx := reconcile.WithDecision(t.baseContext())
		log := t.logger.WithFields(logrus.Fields{"symbol": t.cfg.Symbol, "contract": inst.String()})

		pending, err := t.reconciler.PendingInWindow(ctx, t.cfg.Symbol, models.RightCall, t.now(), t.cfg.DTELow, t.cfg.DTEHigh)
		if err != nil {
			log.WithError(err).Debug("Deferring sell, broker view unsettled")
			return
		}
		if pending {
			return
		}
		qty, err := t.reconciler.CallsToSell(ctx, t.gw, t.cfg.Symbol)
		if err != nil {
			log.WithError(err).Debug("Deferring sell, broker view unsettled")
			return
		}
		if qty <= 0 {
			return
		}

		t.execute(ctx, t.sell, engine.TradeRequest{
			Symbol:     t.cfg.Symbol,
			Instrument: inst,
			Side:       models.SideSell,
			Quantity:   qty,
			MinPrice:   cond.MinPrice,
			MaxPrice:   q.Ask,
		}, log.WithField("score", cond.Score.StringFixed(3)))
	}
}

func (t *CoveredCallTrader) onCloseQuote(inst models.Instrument) gateway.QuoteHandler {
	return func(q models.Quote) {
		t.mu.Lock()
		short := t.shortCall
		paused := t.paused
		t.mu.Unlock()
		if paused || short == nil || short.Instrument.Key() != inst.Key() || t.buy.Busy() {
			return
		}
		if !t.strategy.ShouldTriggerClosing(inst, q) {
			return
		}
		if !pricing.LadderFeasible(q.Bid, q.Ask) {
			return
		}

		ctx := reconcile.WithDecision(t.baseContext())
		log := t.logger.WithFields(logrus.Fields{"symbol": t.cfg.Symbol, "contract": inst.String()})

		pending, err := t.reconciler.PendingInWindow(ctx, t.cfg.Symbol, models.RightCall, t.now(), t.cfg.DTELow, t.cfg.DTEHigh)
		if err != nil {
			log.WithError(err).Debug("Deferring buy back, broker view unsettled")
			return
		}
		if pending {
			return
		}

		t.execute(ctx, t.buy, engine.TradeRequest{
			Symbol:     t.cfg.Symbol,
			Instrument: inst,
			Side:       models.SideBuy,
			Quantity:   -short.Quantity,
			MinPrice:   q.Bid,
			MaxPrice:   q.Ask,
		}, log)
	}
}

func (t *CoveredCallTrader) execute(ctx context.Context, e *engine.Engine, req engine.TradeRequest, log *logrus.Entry) {
	trade, err := e.ExecuteTrade(ctx, req)
	switch {
	case err == nil:
		log.WithFields(logrus.Fields{
			"trade_id": trade.ID,
			"side":     trade.Side,
			"quantity": trade.Quantity,
			"price":    trade.LimitPrice.String(),
		}).Info("Trade submitted")
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrDuplicate), errors.Is(err, engine.ErrStaleStateView):
		log.WithError(err).Debug("Trade deferred")
	case errors.Is(err, engine.ErrInvalidInput):
		log.WithError(err).Error("Invalid trade request")
	default:
		log.WithError(err).Warn("Trade failed")
	}
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	Symbol        string              `json:"symbol"`
	Mode          Mode                `json:"mode"`
	Paused        bool                `json:"paused"`
	Position      models.Position     `json:"position"`
	ShortCall     *models.Holding     `json:"short_call,omitempty"`
	NetPosition   int64               `json:"net_position"`
	Subscriptions []models.Instrument `json:"subscriptions"`
	Engines       []engine.Snapshot   `json:"engines"`
}

func (t *CoveredCallTrader) Snapshot() Snapshot {
	t.mu.Lock()
	s := Snapshot{
		Symbol:   t.cfg.Symbol,
		Mode:     t.mode,
		Paused:   t.paused,
		Position: t.position,
	}
	if t.shortCall != nil {
		h := *t.shortCall
		s.ShortCall = &h
	}
	for _, inst := range t.optionSubs {
		s.Subscriptions = append(s.Subscriptions, inst)
	}
	t.mu.Unlock()

	s.NetPosition = t.account.NetPosition(t.cfg.Symbol)
	s.Engines = []engine.Snapshot{t.sell.Snapshot(), t.buy.Snapshot()}
	return s
}
