// Package ledger accumulates token and cost usage per session, model,
// provider and worker role. A single Ledger may be shared by several engines
// running in the same process.
package ledger

import (
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/steward/pkg/models"
)

// DefaultRecentCap is the number of call records kept in the recent ring.
const DefaultRecentCap = 100

// Entry is one successful model call.
type Entry struct {
	Timestamp    time.Time
	Session      string
	Model        string
	Provider     string
	Role         string
	InputTokens  int64
	OutputTokens int64
	InputCost    float64
	OutputCost   float64
	LatencyMs    int64
}

// Usage returns the entry as a models.Usage.
func (e Entry) Usage() models.Usage {
	return models.Usage{
		InputTokens:  e.InputTokens,
		OutputTokens: e.OutputTokens,
		TotalTokens:  e.InputTokens + e.OutputTokens,
		Cost:         e.InputCost + e.OutputCost,
	}
}

// Sink receives every recorded entry, e.g. for durable usage history.
type Sink interface {
	RecordUsage(e Entry) error
}

// aggregate holds the running totals for one scope.
type aggregate struct {
	total      models.Usage
	calls      int
	byModel    map[string]models.Usage
	byProvider map[string]models.Usage
	byRole     map[string]models.Usage
}

func newAggregate() *aggregate {
	return &aggregate{
		byModel:    make(map[string]models.Usage),
		byProvider: make(map[string]models.Usage),
		byRole:     make(map[string]models.Usage),
	}
}

func (a *aggregate) add(e Entry) {
	u := e.Usage()
	a.total = a.total.Add(u)
	a.calls++
	a.byModel[e.Model] = a.byModel[e.Model].Add(u)
	a.byProvider[e.Provider] = a.byProvider[e.Provider].Add(u)
	a.byRole[e.Role] = a.byRole[e.Role].Add(u)
}

// subtract removes another aggregate's totals from this one.
func (a *aggregate) subtract(o *aggregate) {
	a.total = sub(a.total, o.total)
	a.calls -= o.calls
	subMap(a.byModel, o.byModel)
	subMap(a.byProvider, o.byProvider)
	subMap(a.byRole, o.byRole)
}

func sub(a, b models.Usage) models.Usage {
	return models.Usage{
		InputTokens:  a.InputTokens - b.InputTokens,
		OutputTokens: a.OutputTokens - b.OutputTokens,
		TotalTokens:  a.TotalTokens - b.TotalTokens,
		Cost:         a.Cost - b.Cost,
	}
}

func subMap(dst, src map[string]models.Usage) {
	for k, v := range src {
		left := sub(dst[k], v)
		if left.TotalTokens <= 0 && left.Cost <= 0 {
			delete(dst, k)
			continue
		}
		dst[k] = left
	}
}

// Ledger is the process-wide usage accumulator.
type Ledger struct {
	mu       sync.Mutex
	pricing  Pricing
	global   *aggregate
	sessions map[string]*aggregate
	// recent is a ring buffer of the last recentCap entries.
	recent    []Entry
	next      int
	recentCap int
	sink      Sink
	// resets counts clears; a session's epoch is resets plus its own.
	resets        uint64
	sessionResets map[string]uint64
}

// New creates a Ledger that prices calls with the given table.
// A nil table uses DefaultPricing.
func New(pricing Pricing) *Ledger {
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &Ledger{
		pricing:   pricing,
		global:    newAggregate(),
		sessions:  make(map[string]*aggregate),
		recentCap: DefaultRecentCap,

		sessionResets: make(map[string]uint64),
	}
}

// Epoch changes whenever the session's usage is cleared by Reset or
// ResetSession. Callers holding a baseline can compare epochs to tell a
// reset from ordinary growth.
func (l *Ledger) Epoch(session string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resets + l.sessionResets[session]
}

// SetSink attaches a sink that receives every recorded entry.
func (l *Ledger) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

// SetRecentCap resizes the recent-calls ring, dropping its contents.
func (l *Ledger) SetRecentCap(n int) {
	if n <= 0 {
		n = DefaultRecentCap
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recentCap = n
	l.recent = nil
	l.next = 0
	l.resets++
}

// Pricing returns the ledger's pricing table.
func (l *Ledger) Pricing() Pricing {
	return l.pricing
}

// Record adds a call to the ledger. Costs left at zero are computed from the
// pricing table. Returns the entry as stored.
func (l *Ledger) Record(e Entry) Entry {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.InputCost == 0 && e.OutputCost == 0 {
		e.InputCost, e.OutputCost = l.pricing.Cost(e.Model, e.InputTokens, e.OutputTokens)
	}

	l.mu.Lock()
	l.global.add(e)
	agg, ok := l.sessions[e.Session]
	if !ok {
		agg = newAggregate()
		l.sessions[e.Session] = agg
	}
	agg.add(e)

	if len(l.recent) < l.recentCap {
		l.recent = append(l.recent, e)
	} else {
		l.recent[l.next] = e
	}
	l.next = (l.next + 1) % l.recentCap
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		if err := sink.RecordUsage(e); err != nil {
			log.Printf("[ledger] failed to persist usage for %s: %v", e.Model, err)
		}
	}
	return e
}

// scope returns the aggregate for a session, or the global one when session
// is empty. Must be called with lock held.
func (l *Ledger) scope(session string) *aggregate {
	if session == "" {
		return l.global
	}
	return l.sessions[session]
}

// Totals returns usage for a session, or for everything when session is empty.
func (l *Ledger) Totals(session string) models.Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if agg := l.scope(session); agg != nil {
		return agg.total
	}
	return models.Usage{}
}

// Calls returns the number of recorded calls for a session (or globally).
func (l *Ledger) Calls(session string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if agg := l.scope(session); agg != nil {
		return agg.calls
	}
	return 0
}

// ByModel breaks usage down by model ID.
func (l *Ledger) ByModel(session string) map[string]models.Usage {
	return l.breakdown(session, func(a *aggregate) map[string]models.Usage { return a.byModel })
}

// ByProvider breaks usage down by provider name.
func (l *Ledger) ByProvider(session string) map[string]models.Usage {
	return l.breakdown(session, func(a *aggregate) map[string]models.Usage { return a.byProvider })
}

// ByRole breaks usage down by worker role.
func (l *Ledger) ByRole(session string) map[string]models.Usage {
	return l.breakdown(session, func(a *aggregate) map[string]models.Usage { return a.byRole })
}

func (l *Ledger) breakdown(session string, pick func(*aggregate) map[string]models.Usage) map[string]models.Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]models.Usage)
	agg := l.scope(session)
	if agg == nil {
		return out
	}
	for k, v := range pick(agg) {
		out[k] = v
	}
	return out
}

// Recent returns up to n of the most recent entries, oldest first.
// n <= 0 returns the whole ring.
func (l *Ledger) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ordered []Entry
	if len(l.recent) < l.recentCap {
		ordered = append(ordered, l.recent...)
	} else {
		ordered = append(ordered, l.recent[l.next:]...)
		ordered = append(ordered, l.recent[:l.next]...)
	}
	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Reset clears all usage.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.global = newAggregate()
	l.sessions = make(map[string]*aggregate)
	l.recent = nil
	l.next = 0
}

// ResetSession clears one session's usage and removes it from the global totals.
func (l *Ledger) ResetSession(session string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	agg, ok := l.sessions[session]
	if !ok {
		return
	}
	l.global.subtract(agg)
	delete(l.sessions, session)
	l.sessionResets[session]++

	ordered := make([]Entry, 0, len(l.recent))
	if len(l.recent) < l.recentCap {
		ordered = append(ordered, l.recent...)
	} else {
		ordered = append(ordered, l.recent[l.next:]...)
		ordered = append(ordered, l.recent[:l.next]...)
	}
	kept := ordered[:0]
	for _, e := range ordered {
		if e.Session != session {
			kept = append(kept, e)
		}
	}
	l.recent = kept
	l.next = len(kept) % l.recentCap
}
