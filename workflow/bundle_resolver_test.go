package workflow

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/models"
	"gorm.io/gorm"
)

func mustCreateRecipe(t *testing.T, db *gorm.DB, bundleSku string, components map[string]string) {
	t.Helper()
	comps := make([]models.BundleComponent, 0, len(components))
	// Deterministic order for the test: A before B before C.
	for _, sku := range []string{"COMP-A", "COMP-B", "COMP-C"} {
		qty, ok := components[sku]
		if !ok {
			continue
		}
		comps = append(comps, models.BundleComponent{ComponentSku: sku, QtyPerSet: dec(qty)})
	}
	bundle := &models.ProductBundle{
		BusinessId: testBusinessId,
		BundleSku:  bundleSku,
		Name:       "test kit",
		CreatedBy:  "test",
		Components: comps,
	}
	if err := models.UpsertBundleRecipe(context.Background(), db, bundle); err != nil {
		t.Fatalf("creating recipe: %v", err)
	}
}

func TestBundleExplodesIntoComponents(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	mustCreateRecipe(t, db, "KIT-1", map[string]string{"COMP-A": "2", "COMP-B": "1"})
	mustReceiveLayer(t, db, "COMP-A", "10", "1.00", now, "SI-A")
	mustReceiveLayer(t, db, "COMP-B", "10", "2.00", now, "SI-B")

	res := mustAllocate(t, db, "ORD-1", "KIT-1", "2", models.CostingMethodFifo)
	if res.Status != models.AllocationStatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if len(res.AllocatedSkus) != 2 {
		t.Fatalf("allocated skus = %v, want both components", res.AllocatedSkus)
	}

	// 2 sets: 4x COMP-A at 1.00 and 2x COMP-B at 2.00.
	if got := netLedgerAmount(t, db, "ORD-1", "COMP-A"); !got.Equal(dec("4")) {
		t.Errorf("COMP-A amount = %s, want 4", got)
	}
	if got := netLedgerAmount(t, db, "ORD-1", "COMP-B"); !got.Equal(dec("4")) {
		t.Errorf("COMP-B amount = %s, want 4", got)
	}
	// The kit itself never gets a guard or ledger lines.
	if n := countGuards(t, db, "ORD-1", "KIT-1"); n != 0 {
		t.Errorf("kit guards = %d, want 0", n)
	}
	if lines := ledgerLines(t, db, "ORD-1", "KIT-1"); len(lines) != 0 {
		t.Errorf("kit ledger lines = %d, want 0", len(lines))
	}
}

func TestBundlePartialThenRetryAfterRestock(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	mustCreateRecipe(t, db, "KIT-1", map[string]string{"COMP-A": "1", "COMP-B": "1"})
	mustReceiveLayer(t, db, "COMP-A", "10", "1.00", now, "SI-A")
	// COMP-B has no stock at all.

	first := mustAllocate(t, db, "ORD-1", "KIT-1", "3", models.CostingMethodFifo)
	if first.Status != models.AllocationStatusPartial {
		t.Fatalf("first status = %s, want partial", first.Status)
	}
	if len(first.MissingSkus) != 1 || first.MissingSkus[0] != "COMP-B" {
		t.Fatalf("missing = %v, want [COMP-B]", first.MissingSkus)
	}
	// COMP-B consumed nothing, so its key stays open for retry.
	if n := countGuards(t, db, "ORD-1", "COMP-B"); n != 0 {
		t.Fatalf("COMP-B guards = %d, want 0", n)
	}

	mustReceiveLayer(t, db, "COMP-B", "10", "2.00", now.Add(time.Minute), "SI-B")
	second := mustAllocate(t, db, "ORD-1", "KIT-1", "3", models.CostingMethodFifo)
	if second.Status != models.AllocationStatusSuccess {
		t.Fatalf("second status = %s, want success", second.Status)
	}
	// COMP-A must not be double-charged by the retry.
	if got := netLedgerAmount(t, db, "ORD-1", "COMP-A"); !got.Equal(dec("3")) {
		t.Errorf("COMP-A amount = %s, want 3", got)
	}
	if got := netLedgerAmount(t, db, "ORD-1", "COMP-B"); !got.Equal(dec("6")) {
		t.Errorf("COMP-B amount = %s, want 6", got)
	}
}

func TestBundleFullyAllocatedReportsAlready(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	mustCreateRecipe(t, db, "KIT-1", map[string]string{"COMP-A": "1", "COMP-B": "2"})
	mustReceiveLayer(t, db, "COMP-A", "10", "1.00", now, "SI-A")
	mustReceiveLayer(t, db, "COMP-B", "10", "1.00", now, "SI-B")

	if res := mustAllocate(t, db, "ORD-1", "KIT-1", "2", models.CostingMethodFifo); res.Status != models.AllocationStatusSuccess {
		t.Fatalf("first status = %s, want success", res.Status)
	}
	res := mustAllocate(t, db, "ORD-1", "KIT-1", "2", models.CostingMethodFifo)
	if res.Status != models.AllocationStatusAlreadyAllocated {
		t.Fatalf("second status = %s, want already_allocated", res.Status)
	}
}
