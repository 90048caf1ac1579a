package subscription

import (
	"reflect"
	"testing"
)

func mustController(t *testing.T, max int) *Controller {
	t.Helper()
	c, err := NewController(max)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	return c
}

func TestNewControllerRejectsNonPositiveCapacity(t *testing.T) {
	for _, max := range []int{0, -1} {
		if _, err := NewController(max); err == nil {
			t.Fatalf("expected error for capacity %d", max)
		}
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize([]string{" aapl ", "MSFT", "", "  ", "tsla"})
	want := []string{"AAPL", "MSFT", "TSLA"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Normalize mismatch: got %v want %v", got, want)
	}
}

func TestSubscribeWithinCapacity(t *testing.T) {
	c := mustController(t, 2)

	restart, added, _ := c.Subscribe("aapl", 1)
	if !restart || !added {
		t.Fatalf("first subscribe: restart=%v added=%v", restart, added)
	}
	if !c.IsSubscribed("AAPL") {
		t.Fatalf("symbol not normalized on subscribe")
	}

	restart, added, _ = c.Subscribe("AAPL", 5)
	if restart || added {
		t.Fatalf("re-subscribe reported structural change")
	}
	if p, _ := c.Priority("AAPL"); p != 5 {
		t.Fatalf("priority not raised: %v", p)
	}
}

func TestPriorityIsMonotonic(t *testing.T) {
	c := mustController(t, 2)

	c.Subscribe("AAPL", 10)
	c.Subscribe("AAPL", 3)
	if p, _ := c.Priority("AAPL"); p != 10 {
		t.Fatalf("priority regressed to %v", p)
	}
}

func TestEvictionRequiresStrictlyGreaterPriority(t *testing.T) {
	c := mustController(t, 2)
	c.Subscribe("AAPL", 5)
	c.Subscribe("MSFT", 7)

	// equal to minimum: rejected, no state change
	restart, added, evicted := c.Subscribe("TSLA", 5)
	if restart || added || evicted != "" {
		t.Fatalf("equal priority displaced an occupant")
	}
	if !c.IsSubscribed("AAPL") || c.IsSubscribed("TSLA") {
		t.Fatalf("state changed on rejected subscribe: %v", c.Symbols())
	}

	// strictly greater: exactly one eviction
	restart, added, evicted = c.Subscribe("TSLA", 6)
	if !restart || !added {
		t.Fatalf("higher priority request rejected")
	}
	if evicted != "AAPL" {
		t.Fatalf("evicted = %q, want AAPL", evicted)
	}
	if c.IsSubscribed("AAPL") {
		t.Fatalf("minimum-priority occupant not evicted")
	}
	if !c.IsSubscribed("MSFT") || !c.IsSubscribed("TSLA") {
		t.Fatalf("unexpected occupants: %v", c.Symbols())
	}

	stats := c.Stats()
	if stats.Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", stats.Evictions)
	}
}

func TestEvictionTieBreakIsInsertionOrder(t *testing.T) {
	c := mustController(t, 2)
	c.Subscribe("AAPL", 5)
	c.Subscribe("MSFT", 5)

	if _, added, _ := c.Subscribe("TSLA", 6); !added {
		t.Fatalf("admission failed")
	}
	if c.IsSubscribed("AAPL") {
		t.Fatalf("tie-break should evict the oldest occupant")
	}
	if !c.IsSubscribed("MSFT") {
		t.Fatalf("newer occupant evicted on tie")
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	c := mustController(t, 2)
	c.Subscribe("AAPL", 1)

	if !c.Unsubscribe("aapl") {
		t.Fatalf("unsubscribe reported nothing removed")
	}
	if c.Unsubscribe("AAPL") {
		t.Fatalf("second unsubscribe reported a removal")
	}
}

func TestCanAdmit(t *testing.T) {
	c := mustController(t, 1)
	c.Subscribe("AAPL", 5)

	if !c.CanAdmit("AAPL", 0) {
		t.Fatalf("already-subscribed symbol not admittable")
	}
	if c.CanAdmit("MSFT", 5) {
		t.Fatalf("equal priority admitted at capacity")
	}
	if !c.CanAdmit("MSFT", 6) {
		t.Fatalf("higher priority not admittable")
	}
}

func TestPlanBulkWithinCapacity(t *testing.T) {
	c := mustController(t, 4)
	c.Subscribe("AAPL", 1)

	plan := c.PlanBulk([]string{"aapl", "msft", "tsla"}, 10)

	if !plan.Results["AAPL"] {
		t.Fatalf("already-subscribed symbol not satisfied in plan")
	}
	if p, _ := c.Priority("AAPL"); p != 10 {
		t.Fatalf("plan did not bump existing priority: %v", p)
	}
	if !reflect.DeepEqual(plan.ToAdd, []string{"MSFT", "TSLA"}) {
		t.Fatalf("unexpected ToAdd: %v", plan.ToAdd)
	}
	if len(plan.ToReplace) != 0 {
		t.Fatalf("unexpected replacements: %v", plan.ToReplace)
	}
	if plan.AvailableSlots != 3 {
		t.Fatalf("unexpected available slots: %d", plan.AvailableSlots)
	}
}

func TestPlanBulkSelectsVictimsAscendingByPriority(t *testing.T) {
	c := mustController(t, 3)
	c.Subscribe("AAPL", 3)
	c.Subscribe("MSFT", 1)
	c.Subscribe("NVDA", 2)

	plan := c.PlanBulk([]string{"TSLA", "AMZN"}, 5)

	if !reflect.DeepEqual(plan.ToReplace, []string{"MSFT", "NVDA"}) {
		t.Fatalf("victims not ascending by priority: %v", plan.ToReplace)
	}
	if plan.AvailableSlots != 2 {
		t.Fatalf("unexpected available slots: %d", plan.AvailableSlots)
	}
}

func TestPlanBulkDoesNotReplaceEqualOrHigherPriority(t *testing.T) {
	c := mustController(t, 2)
	c.Subscribe("AAPL", 5)
	c.Subscribe("MSFT", 9)

	plan := c.PlanBulk([]string{"TSLA", "AMZN"}, 5)

	if len(plan.ToReplace) != 0 {
		t.Fatalf("replaced occupants at equal or higher priority: %v", plan.ToReplace)
	}
	if plan.AvailableSlots != 0 {
		t.Fatalf("unexpected available slots: %d", plan.AvailableSlots)
	}
}

func TestExecuteAppliesPlanAndRejectsOverflow(t *testing.T) {
	c := mustController(t, 2)
	c.Subscribe("AAPL", 1)
	c.Subscribe("MSFT", 2)

	plan := c.PlanBulk([]string{"TSLA", "AMZN", "NFLX"}, 3)
	c.Execute(plan, 3)

	stats := c.Stats()
	if stats.Subscribed != 2 {
		t.Fatalf("capacity violated: %d subscribed", stats.Subscribed)
	}
	if plan.SuccessfullyAdded != 2 {
		t.Fatalf("expected 2 additions, got %d", plan.SuccessfullyAdded)
	}

	rejected := 0
	for _, s := range []string{"TSLA", "AMZN", "NFLX"} {
		if !plan.Results[s] {
			rejected++
		}
	}
	if rejected != 1 {
		t.Fatalf("expected exactly one overflow rejection, got %d (%v)", rejected, plan.Results)
	}
	if stats.Evictions != 2 {
		t.Fatalf("expected 2 capacity-pressure evictions, got %d", stats.Evictions)
	}
}

func TestDefaultPriorityFavorsRecency(t *testing.T) {
	c := mustController(t, 1)

	c.Subscribe("AAPL")
	_, p1ok := c.Priority("AAPL")
	if !p1ok {
		t.Fatalf("missing priority after subscribe")
	}

	// a later wall-clock request carries a strictly higher default priority
	restart, added, _ := c.Subscribe("MSFT")
	if !restart || !added {
		t.Fatalf("recent request did not displace older default-priority occupant")
	}
	if c.IsSubscribed("AAPL") {
		t.Fatalf("older occupant retained slot")
	}
}
