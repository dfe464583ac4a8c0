package account

import (
	"sync"

	"github.com/gregtusar/coveredcall/pkg/models"
)

const DefaultMultiplier = 100

// Manager keeps the latest broker holdings per symbol and answers exposure queries.
type Manager struct {
	multiplier int64

	mu       sync.RWMutex
	holdings map[string][]models.Holding
}

func NewManager(multiplier int64) *Manager {
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}
	return &Manager{multiplier: multiplier, holdings: make(map[string][]models.Holding)}
}

// Update replaces all holdings with the broker's latest report.
func (m *Manager) Update(holdings []models.Holding) {
	next := make(map[string][]models.Holding)
	for _, h := range holdings {
		if h.Quantity == 0 {
			continue
		}
		next[h.Instrument.Symbol] = append(next[h.Instrument.Symbol], h)
	}

	m.mu.Lock()
	m.holdings = next
	m.mu.Unlock()
}

func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.holdings))
	for s := range m.holdings {
		out = append(out, s)
	}
	return out
}

func (m *Manager) StockPosition(symbol string) int64 {
	return m.sum(symbol, func(inst models.Instrument) bool { return inst.Kind == models.KindEquity })
}

// CallPosition is the signed number of call contracts held.
func (m *Manager) CallPosition(symbol string) int64 {
	return m.sum(symbol, func(inst models.Instrument) bool { return inst.IsCall() })
}

func (m *Manager) PutPosition(symbol string) int64 {
	return m.sum(symbol, func(inst models.Instrument) bool {
		return inst.IsOption() && inst.Right == models.RightPut
	})
}

// NetPosition is share-equivalent delta assuming calls at +1 and puts at -1 per share.
func (m *Manager) NetPosition(symbol string) int64 {
	return m.StockPosition(symbol) + m.multiplier*m.CallPosition(symbol) - m.multiplier*m.PutPosition(symbol)
}

func (m *Manager) sum(symbol string, match func(models.Instrument) bool) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, h := range m.holdings[symbol] {
		if match(h.Instrument) {
			n += h.Quantity
		}
	}
	return n
}
