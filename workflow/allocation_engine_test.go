package workflow

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
)

func TestFifoAllocationSpansLayers(t *testing.T) {
	db := newTestDB(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l1 := mustReceiveLayer(t, db, "SKU-A", "10", "1.00", t0, "SI-1")
	l2 := mustReceiveLayer(t, db, "SKU-A", "10", "2.00", t0.Add(24*time.Hour), "SI-2")

	res := mustAllocate(t, db, "ORD-1", "SKU-A", "15", models.CostingMethodFifo)
	if res.Status != models.AllocationStatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if len(res.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(res.Lines))
	}
	if got := res.Lines[0].Qty; !got.Equal(dec("10")) {
		t.Errorf("first line qty = %s, want 10", got)
	}
	if got := res.Lines[0].UnitCostUsed; !got.Equal(dec("1.00")) {
		t.Errorf("first line unit cost = %s, want 1.00", got)
	}
	if got := res.Lines[1].Qty; !got.Equal(dec("5")) {
		t.Errorf("second line qty = %s, want 5", got)
	}
	if got := res.Lines[1].UnitCostUsed; !got.Equal(dec("2.00")) {
		t.Errorf("second line unit cost = %s, want 2.00", got)
	}
	if got := netLedgerAmount(t, db, "ORD-1", "SKU-A"); !got.Equal(dec("20")) {
		t.Errorf("total COGS = %s, want 20", got)
	}

	if got := reloadLayer(t, db, l1.ID).QtyRemaining; !got.Equal(decimal.Zero) {
		t.Errorf("layer 1 remaining = %s, want 0", got)
	}
	if got := reloadLayer(t, db, l2.ID).QtyRemaining; !got.Equal(dec("5")) {
		t.Errorf("layer 2 remaining = %s, want 5", got)
	}
}

func TestAvgAllocationUsesWeightedCost(t *testing.T) {
	db := newTestDB(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l1 := mustReceiveLayer(t, db, "SKU-A", "10", "1.00", t0, "SI-1")
	mustReceiveLayer(t, db, "SKU-A", "10", "2.00", t0.Add(time.Hour), "SI-2")

	res := mustAllocate(t, db, "ORD-1", "SKU-A", "5", models.CostingMethodAvg)
	if res.Status != models.AllocationStatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	// (10*1 + 10*2) / 20 = 1.5
	if len(res.Lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(res.Lines))
	}
	if got := res.Lines[0].UnitCostUsed; !got.Equal(dec("1.5")) {
		t.Errorf("unit cost = %s, want 1.5", got)
	}
	if got := res.Lines[0].Amount; !got.Equal(dec("7.5")) {
		t.Errorf("amount = %s, want 7.5", got)
	}
	// Physical depletion still comes off the oldest layer.
	if res.Lines[0].LayerId == nil || *res.Lines[0].LayerId != l1.ID {
		t.Errorf("line layer = %v, want %d", res.Lines[0].LayerId, l1.ID)
	}
	if got := reloadLayer(t, db, l1.ID).QtyRemaining; !got.Equal(dec("5")) {
		t.Errorf("layer 1 remaining = %s, want 5", got)
	}
}

func TestAllocationIsIdempotentPerOrderSku(t *testing.T) {
	db := newTestDB(t)
	mustReceiveLayer(t, db, "SKU-A", "10", "1.00", time.Now().UTC(), "SI-1")

	first := mustAllocate(t, db, "ORD-1", "SKU-A", "4", models.CostingMethodFifo)
	if first.Status != models.AllocationStatusSuccess {
		t.Fatalf("first status = %s, want success", first.Status)
	}
	second := mustAllocate(t, db, "ORD-1", "SKU-A", "4", models.CostingMethodFifo)
	if second.Status != models.AllocationStatusAlreadyAllocated {
		t.Fatalf("second status = %s, want already_allocated", second.Status)
	}
	if lines := ledgerLines(t, db, "ORD-1", "SKU-A"); len(lines) != 1 {
		t.Errorf("ledger lines = %d, want 1", len(lines))
	}
	if got := netLedgerAmount(t, db, "ORD-1", "SKU-A"); !got.Equal(dec("4")) {
		t.Errorf("total COGS = %s, want 4", got)
	}
}

func TestAllocationWithNoStockReleasesGuard(t *testing.T) {
	db := newTestDB(t)

	res := mustAllocate(t, db, "ORD-1", "SKU-A", "3", models.CostingMethodFifo)
	if res.Status != models.AllocationStatusFailed || res.Reason != models.ReasonInsufficientStock {
		t.Fatalf("result = %s/%s, want failed/insufficient_stock", res.Status, res.Reason)
	}
	if n := countGuards(t, db, "ORD-1", "SKU-A"); n != 0 {
		t.Fatalf("guards = %d, want 0 (key must stay unallocated)", n)
	}

	// Restock and retry: the same key now allocates normally.
	mustReceiveLayer(t, db, "SKU-A", "10", "2.00", time.Now().UTC(), "SI-1")
	retry := mustAllocate(t, db, "ORD-1", "SKU-A", "3", models.CostingMethodFifo)
	if retry.Status != models.AllocationStatusSuccess {
		t.Fatalf("retry status = %s, want success", retry.Status)
	}
	if got := netLedgerAmount(t, db, "ORD-1", "SKU-A"); !got.Equal(dec("6")) {
		t.Errorf("total COGS = %s, want 6", got)
	}
}

func TestAllocationShortfallRetainsPartialConsumption(t *testing.T) {
	db := newTestDB(t)
	layer := mustReceiveLayer(t, db, "SKU-A", "100", "10.00", time.Now().UTC(), "SI-1")

	first := mustAllocate(t, db, "ORD-1", "SKU-A", "30", models.CostingMethodFifo)
	if first.Status != models.AllocationStatusSuccess {
		t.Fatalf("first status = %s, want success", first.Status)
	}

	second := mustAllocate(t, db, "ORD-2", "SKU-A", "80", models.CostingMethodFifo)
	if second.Status != models.AllocationStatusFailed || second.Reason != models.ReasonInsufficientStock {
		t.Fatalf("second result = %s/%s, want failed/insufficient_stock", second.Status, second.Reason)
	}
	// The 70 on hand did ship; its cost is recorded and the guard stays
	// so a blind retry cannot double-charge.
	if len(second.Lines) != 1 || !second.Lines[0].Qty.Equal(dec("70")) {
		t.Fatalf("partial lines = %+v, want one line of qty 70", second.Lines)
	}
	if n := countGuards(t, db, "ORD-2", "SKU-A"); n != 1 {
		t.Errorf("guards = %d, want 1", n)
	}
	if got := reloadLayer(t, db, layer.ID).QtyRemaining; !got.Equal(decimal.Zero) {
		t.Errorf("layer remaining = %s, want 0", got)
	}

	retry := mustAllocate(t, db, "ORD-2", "SKU-A", "80", models.CostingMethodFifo)
	if retry.Status != models.AllocationStatusAlreadyAllocated {
		t.Errorf("retry status = %s, want already_allocated", retry.Status)
	}
}

func TestAllocationValidation(t *testing.T) {
	db := newTestDB(t)
	logger := newTestLogger()

	cases := []*AllocateCOGSInput{
		nil,
		{BusinessId: "", OrderId: "O", Sku: "S", Qty: dec("1"), Method: models.CostingMethodFifo},
		{BusinessId: testBusinessId, OrderId: "O", Sku: "S", Qty: decimal.Zero, Method: models.CostingMethodFifo},
		{BusinessId: testBusinessId, OrderId: "O", Sku: "S", Qty: dec("-1"), Method: models.CostingMethodFifo},
		{BusinessId: testBusinessId, OrderId: "O", Sku: "S", Qty: dec("1"), Method: models.CostingMethod("LIFO")},
	}
	for i, input := range cases {
		if _, err := ApplyCOGSForOrderShipped(db, logger, input); !errors.Is(err, utils.ErrValidation) {
			t.Errorf("case %d: err = %v, want ErrValidation", i, err)
		}
	}
}
