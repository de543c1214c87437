package workflow

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func mustReturnReverse(t *testing.T, db *gorm.DB, orderId string, sku string, qty string, returnId string) *ReversalResult {
	t.Helper()
	res, err := ApplyReturnReverseCOGS(db, newTestLogger(), &ReturnReverseCOGSInput{
		BusinessId: testBusinessId,
		OrderId:    orderId,
		Sku:        sku,
		Qty:        dec(qty),
		ReturnId:   returnId,
		ReturnedAt: time.Now().UTC(),
		Reason:     "customer return",
		CreatedBy:  "test",
	})
	if err != nil {
		t.Fatalf("return reverse %s: %v", returnId, err)
	}
	return res
}

func TestReturnCreditsWeightedAverageCost(t *testing.T) {
	db := newTestDB(t)
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mustReceiveLayer(t, db, "SKU-A", "10", "1.00", t0, "SI-1")
	mustReceiveLayer(t, db, "SKU-A", "10", "2.00", t0.Add(time.Hour), "SI-2")
	mustAllocate(t, db, "ORD-1", "SKU-A", "15", models.CostingMethodFifo)

	res := mustReturnReverse(t, db, "ORD-1", "SKU-A", "3", "RET-1")
	if res.Status != models.AllocationStatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	// Allocation was 20.00 over 15 units: weighted 1.3333/unit.
	if len(res.Lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(res.Lines))
	}
	line := res.Lines[0]
	if !line.IsReversal || !line.Qty.Equal(dec("-3")) {
		t.Errorf("line qty = %s is_reversal = %v, want -3/true", line.Qty, line.IsReversal)
	}
	if !line.UnitCostUsed.Equal(dec("1.3333")) {
		t.Errorf("unit cost = %s, want 1.3333", line.UnitCostUsed)
	}
	if !line.Amount.Equal(dec("-3.9999")) {
		t.Errorf("amount = %s, want -3.9999", line.Amount)
	}

	if line.LayerId == nil || *line.LayerId != res.RestockLayerId {
		t.Errorf("credit line layer = %v, want restock layer %d", line.LayerId, res.RestockLayerId)
	}

	// Restocked goods come back as a fresh layer at the same cost.
	restock := reloadLayer(t, db, res.RestockLayerId)
	if restock.ReferenceType != models.LayerReferenceTypeReturn {
		t.Errorf("restock layer type = %s, want RT", restock.ReferenceType)
	}
	if !restock.QtyRemaining.Equal(dec("3")) || !restock.UnitCost.Equal(dec("1.3333")) {
		t.Errorf("restock layer = %s @ %s, want 3 @ 1.3333", restock.QtyRemaining, restock.UnitCost)
	}

	// Originals stay active: partial returns never stamp them.
	actives, err := models.GetActiveAllocations(db, testBusinessId, "ORD-1", "SKU-A")
	if err != nil {
		t.Fatalf("loading actives: %v", err)
	}
	if len(actives) != 2 {
		t.Errorf("active originals = %d, want 2", len(actives))
	}
}

func TestReturnIsIdempotentPerReturnId(t *testing.T) {
	db := newTestDB(t)
	mustReceiveLayer(t, db, "SKU-A", "10", "2.00", time.Now().UTC(), "SI-1")
	mustAllocate(t, db, "ORD-1", "SKU-A", "5", models.CostingMethodFifo)

	first := mustReturnReverse(t, db, "ORD-1", "SKU-A", "2", "RET-1")
	if first.Status != models.AllocationStatusSuccess {
		t.Fatalf("first status = %s, want success", first.Status)
	}
	second := mustReturnReverse(t, db, "ORD-1", "SKU-A", "2", "RET-1")
	if second.Status != models.AllocationStatusAlreadyAllocated || second.Reason != models.ReasonAlreadyReversed {
		t.Fatalf("second = %s/%s, want already_allocated/already_reversed", second.Status, second.Reason)
	}
	if second.RestockLayerId != first.RestockLayerId {
		t.Errorf("restock layer changed between calls: %d vs %d", first.RestockLayerId, second.RestockLayerId)
	}
	// Exactly one reversal line exists.
	reversals := 0
	for _, l := range ledgerLines(t, db, "ORD-1", "SKU-A") {
		if l.IsReversal {
			reversals++
		}
	}
	if reversals != 1 {
		t.Errorf("reversal lines = %d, want 1", reversals)
	}
}

func TestCumulativeReturnsCannotExceedAllocation(t *testing.T) {
	db := newTestDB(t)
	mustReceiveLayer(t, db, "SKU-A", "10", "2.00", time.Now().UTC(), "SI-1")
	mustAllocate(t, db, "ORD-1", "SKU-A", "5", models.CostingMethodFifo)

	mustReturnReverse(t, db, "ORD-1", "SKU-A", "3", "RET-1")
	_, err := ApplyReturnReverseCOGS(db, newTestLogger(), &ReturnReverseCOGSInput{
		BusinessId: testBusinessId,
		OrderId:    "ORD-1",
		Sku:        "SKU-A",
		Qty:        dec("3"),
		ReturnId:   "RET-2",
		Reason:     "customer return",
		CreatedBy:  "test",
	})
	if !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation (3 returned + 3 > 5 allocated)", err)
	}
}

func TestReverseOrderKeyRestoresEverything(t *testing.T) {
	db := newTestDB(t)
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	l1 := mustReceiveLayer(t, db, "SKU-A", "10", "1.00", t0, "SI-1")
	l2 := mustReceiveLayer(t, db, "SKU-A", "10", "2.00", t0.Add(time.Hour), "SI-2")
	mustAllocate(t, db, "ORD-1", "SKU-A", "15", models.CostingMethodFifo)

	res, err := ReverseOrderKey(db, newTestLogger(), testBusinessId, "ORD-1", "SKU-A", "order voided", "admin", "cid-1")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if res.Status != models.AllocationStatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}

	// Conservation: offsets exactly cancel the originals.
	if got := netLedgerAmount(t, db, "ORD-1", "SKU-A"); !got.Equal(decimal.Zero) {
		t.Errorf("net ledger amount = %s, want 0", got)
	}
	// Quantities return to the exact layers they came from.
	if got := reloadLayer(t, db, l1.ID).QtyRemaining; !got.Equal(dec("10")) {
		t.Errorf("layer 1 remaining = %s, want 10", got)
	}
	if got := reloadLayer(t, db, l2.ID).QtyRemaining; !got.Equal(dec("10")) {
		t.Errorf("layer 2 remaining = %s, want 10", got)
	}
	// Originals are stamped and the key is unallocated again.
	actives, err := models.GetActiveAllocations(db, testBusinessId, "ORD-1", "SKU-A")
	if err != nil {
		t.Fatalf("loading actives: %v", err)
	}
	if len(actives) != 0 {
		t.Errorf("active lines = %d, want 0", len(actives))
	}
	if n := countGuards(t, db, "ORD-1", "SKU-A"); n != 0 {
		t.Errorf("guards = %d, want 0", n)
	}

	// A fresh allocation for the key works afterwards.
	retry := mustAllocate(t, db, "ORD-1", "SKU-A", "2", models.CostingMethodFifo)
	if retry.Status != models.AllocationStatusSuccess {
		t.Errorf("retry status = %s, want success", retry.Status)
	}
}

func TestReverseOrderKeyIdempotent(t *testing.T) {
	db := newTestDB(t)
	mustReceiveLayer(t, db, "SKU-A", "10", "1.00", time.Now().UTC(), "SI-1")
	mustAllocate(t, db, "ORD-1", "SKU-A", "5", models.CostingMethodFifo)

	if _, err := ReverseOrderKey(db, newTestLogger(), testBusinessId, "ORD-1", "SKU-A", "void", "admin", "cid-1"); err != nil {
		t.Fatalf("first reverse: %v", err)
	}
	res, err := ReverseOrderKey(db, newTestLogger(), testBusinessId, "ORD-1", "SKU-A", "void", "admin", "cid-2")
	if err != nil {
		t.Fatalf("second reverse: %v", err)
	}
	if res.Status != models.AllocationStatusAlreadyAllocated || res.Reason != models.ReasonAlreadyReversed {
		t.Fatalf("second = %s/%s, want already_allocated/already_reversed", res.Status, res.Reason)
	}
	// The ledger holds exactly one original and one offset.
	if lines := ledgerLines(t, db, "ORD-1", "SKU-A"); len(lines) != 2 {
		t.Errorf("ledger lines = %d, want 2", len(lines))
	}
}

func TestReturnAcceptedAfterReverseAndReallocate(t *testing.T) {
	db := newTestDB(t)
	mustReceiveLayer(t, db, "SKU-A", "10", "2.00", time.Now().UTC(), "SI-1")
	mustAllocate(t, db, "ORD-1", "SKU-A", "5", models.CostingMethodFifo)
	if _, err := ReverseOrderKey(db, newTestLogger(), testBusinessId, "ORD-1", "SKU-A", "address change", "admin", "cid-1"); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	retry := mustAllocate(t, db, "ORD-1", "SKU-A", "5", models.CostingMethodFifo)
	if retry.Status != models.AllocationStatusSuccess {
		t.Fatalf("re-allocate status = %s, want success", retry.Status)
	}

	// Offsets from the earlier reversal are not return credits; the fresh
	// allocation's full quantity is still returnable.
	res := mustReturnReverse(t, db, "ORD-1", "SKU-A", "2", "RET-1")
	if res.Status != models.AllocationStatusSuccess {
		t.Fatalf("return status = %s/%s, want success", res.Status, res.Reason)
	}
	if !res.ReversedQty.Equal(dec("2")) {
		t.Errorf("reversed qty = %s, want 2", res.ReversedQty)
	}
}

func TestReverseOrderKeyRejectsPartiallyReturnedKeys(t *testing.T) {
	db := newTestDB(t)
	mustReceiveLayer(t, db, "SKU-A", "10", "1.00", time.Now().UTC(), "SI-1")
	mustAllocate(t, db, "ORD-1", "SKU-A", "5", models.CostingMethodFifo)
	mustReturnReverse(t, db, "ORD-1", "SKU-A", "2", "RET-1")

	_, err := ReverseOrderKey(db, newTestLogger(), testBusinessId, "ORD-1", "SKU-A", "void", "admin", "cid-1")
	if !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation (partial returns need admin clear)", err)
	}
}

func TestClearOrderAllocationsCoversAllSkus(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	mustReceiveLayer(t, db, "SKU-A", "10", "1.00", now, "SI-A")
	mustReceiveLayer(t, db, "SKU-B", "10", "2.00", now, "SI-B")
	mustAllocate(t, db, "ORD-1", "SKU-A", "4", models.CostingMethodFifo)
	mustAllocate(t, db, "ORD-1", "SKU-B", "2", models.CostingMethodFifo)

	results, err := ClearOrderAllocations(db, newTestLogger(), testBusinessId, "ORD-1", "admin clear", "admin", "cid-1")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("cleared keys = %d, want 2", len(results))
	}
	if got := netLedgerAmount(t, db, "ORD-1", ""); !got.Equal(decimal.Zero) {
		t.Errorf("net ledger amount = %s, want 0", got)
	}
	if n := countGuards(t, db, "ORD-1", ""); n != 0 {
		t.Errorf("guards = %d, want 0", n)
	}
}
