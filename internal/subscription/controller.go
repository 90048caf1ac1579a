package subscription

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tradeflow/logger"
)

// Controller decides which symbols may occupy the bounded set of live data
// feed slots. Every occupant carries a priority; when the set is full a new
// request wins a slot only by strictly exceeding the lowest priority present.
//
// A single mutex guards all state. Subscription churn is low-frequency
// relative to quote ingestion, so the coarse lock favors correctness over
// parallel throughput.
type Controller struct {
	mu         sync.Mutex
	maxSymbols int
	priorities map[string]float64
	order      []string // insertion order, used as the eviction tie-break

	evictions  int64
	admissions int64
	rejected   int64

	now func() time.Time
	log *logger.Entry
}

// NewController creates a Controller with a hard capacity limit.
func NewController(maxSymbols int) (*Controller, error) {
	if maxSymbols <= 0 {
		return nil, fmt.Errorf("max symbols must be greater than 0, got %d", maxSymbols)
	}
	return &Controller{
		maxSymbols: maxSymbols,
		priorities: make(map[string]float64),
		now:        time.Now,
		log:        logger.GetLogger().WithComponent("subscription"),
	}, nil
}

// Normalize upper-cases and trims symbols, dropping empty entries and
// preserving input order.
func Normalize(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func normalizeOne(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// defaultPriority biases ties toward the most recently requested symbol.
func (c *Controller) defaultPriority() float64 {
	return float64(c.now().UnixNano()) / float64(time.Second)
}

// Subscribe requests a feed slot for symbol. The returned needsRestart is
// true when the subscription set changed structurally; added is true when the
// symbol now occupies a slot it did not occupy before. When admission
// displaced an occupant, evicted names it so the caller can release its feed
// subscription and stored data.
func (c *Controller) Subscribe(symbol string, priority ...float64) (needsRestart, added bool, evicted string) {
	symbol = normalizeOne(symbol)
	if symbol == "" {
		return false, false, ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.defaultPriority()
	if len(priority) > 0 {
		p = priority[0]
	}

	if existing, ok := c.priorities[symbol]; ok {
		// Monotonic max merge so a losing race cannot regress priority.
		if p > existing {
			c.priorities[symbol] = p
		}
		return false, false, ""
	}

	if len(c.priorities) < c.maxSymbols {
		c.admit(symbol, p)
		return true, true, ""
	}

	victim, minPriority, ok := c.lowestPriority()
	if !ok || p <= minPriority {
		c.rejected++
		c.log.WithFields(logger.Fields{
			"symbol":       symbol,
			"priority":     p,
			"min_priority": minPriority,
		}).Debug("subscription rejected at capacity")
		return false, false, ""
	}

	c.evict(victim)
	c.admit(symbol, p)
	return true, true, victim
}

// Unsubscribe releases the slot held by symbol, reporting whether anything
// was removed. It is idempotent.
func (c *Controller) Unsubscribe(symbol string) bool {
	symbol = normalizeOne(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.priorities[symbol]; !ok {
		return false
	}
	c.remove(symbol)
	return true
}

// CanAdmit reports whether a Subscribe call with the given priority would
// leave symbol subscribed, without changing any state.
func (c *Controller) CanAdmit(symbol string, priority float64) bool {
	symbol = normalizeOne(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.priorities[symbol]; ok {
		return true
	}
	if len(c.priorities) < c.maxSymbols {
		return true
	}
	_, minPriority, ok := c.lowestPriority()
	return ok && priority > minPriority
}

// IsSubscribed reports whether symbol currently holds a slot.
func (c *Controller) IsSubscribed(symbol string) bool {
	symbol = normalizeOne(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.priorities[symbol]
	return ok
}

// Priority returns the stored priority for symbol.
func (c *Controller) Priority(symbol string) (float64, bool) {
	symbol = normalizeOne(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.priorities[symbol]
	return p, ok
}

// Symbols returns the subscribed symbols in insertion order.
func (c *Controller) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Plan is the result of a bulk admission computation. Results maps each
// requested symbol to whether it ended up (or will end up) subscribed.
type Plan struct {
	Results           map[string]bool
	ToAdd             []string
	ToReplace         []string
	AvailableSlots    int
	SuccessfullyAdded int
}

// PlanBulk computes how a batch of symbols at a shared priority would be
// admitted. Already-subscribed symbols have their priority bumped to the max
// of old and new immediately and are marked satisfied; everything else is a
// pure computation that Execute applies later.
func (c *Controller) PlanBulk(symbols []string, priority float64) *Plan {
	symbols = Normalize(symbols)

	c.mu.Lock()
	defer c.mu.Unlock()

	plan := &Plan{Results: make(map[string]bool, len(symbols))}

	pending := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}

		if existing, ok := c.priorities[s]; ok {
			if priority > existing {
				c.priorities[s] = priority
			}
			plan.Results[s] = true
			continue
		}
		pending = append(pending, s)
	}

	free := c.maxSymbols - len(c.priorities)
	if len(pending) <= free {
		plan.ToAdd = pending
		plan.AvailableSlots = free
		return plan
	}

	// Not enough room: pick replacement victims ascending by priority among
	// occupants strictly below the requested priority.
	type occupant struct {
		symbol   string
		priority float64
		index    int
	}
	candidates := make([]occupant, 0, len(c.order))
	for i, s := range c.order {
		if c.priorities[s] < priority {
			candidates = append(candidates, occupant{symbol: s, priority: c.priorities[s], index: i})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].index < candidates[j].index
	})

	needed := len(pending) - free
	if needed > len(candidates) {
		needed = len(candidates)
	}
	for _, victim := range candidates[:needed] {
		plan.ToReplace = append(plan.ToReplace, victim.symbol)
	}

	plan.ToAdd = pending
	plan.AvailableSlots = free + len(plan.ToReplace)
	return plan
}

// Execute applies a plan: evictions first, then admissions up to the
// now-available capacity. Overflow beyond capacity is rejected and logged.
func (c *Controller) Execute(plan *Plan, priority float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, victim := range plan.ToReplace {
		if _, ok := c.priorities[victim]; !ok {
			continue
		}
		c.evict(victim)
	}

	for _, s := range plan.ToAdd {
		if len(c.priorities) >= c.maxSymbols {
			plan.Results[s] = false
			c.rejected++
			c.log.WithFields(logger.Fields{
				"symbol":   s,
				"capacity": c.maxSymbols,
			}).Warn("bulk admission overflow rejected")
			continue
		}
		c.admit(s, priority)
		plan.Results[s] = true
		plan.SuccessfullyAdded++
	}
}

// Stats reports admission-control counters.
type Stats struct {
	Subscribed int   `json:"subscribed"`
	MaxSymbols int   `json:"max_symbols"`
	Admissions int64 `json:"admissions"`
	Evictions  int64 `json:"evictions"`
	Rejected   int64 `json:"rejected"`
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Subscribed: len(c.priorities),
		MaxSymbols: c.maxSymbols,
		Admissions: c.admissions,
		Evictions:  c.evictions,
		Rejected:   c.rejected,
	}
}

// SetClock overrides the controller's time source. Tests only.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// admit, evict and remove assume the caller holds the mutex.

func (c *Controller) admit(symbol string, priority float64) {
	c.priorities[symbol] = priority
	c.order = append(c.order, symbol)
	c.admissions++
}

func (c *Controller) evict(symbol string) {
	c.remove(symbol)
	c.evictions++
	c.log.WithField("symbol", symbol).Info("evicted lowest-priority subscription")
}

func (c *Controller) remove(symbol string) {
	delete(c.priorities, symbol)
	for i, s := range c.order {
		if s == symbol {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// lowestPriority returns the subscribed symbol with the minimum priority.
// Ties keep the earliest-inserted symbol.
func (c *Controller) lowestPriority() (string, float64, bool) {
	if len(c.order) == 0 {
		return "", 0, false
	}
	victim := c.order[0]
	min := c.priorities[victim]
	for _, s := range c.order[1:] {
		if c.priorities[s] < min {
			victim = s
			min = c.priorities[s]
		}
	}
	return victim, min, true
}
