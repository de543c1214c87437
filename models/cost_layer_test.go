package models

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
)

func makeLayer(ref string, qtyReceived string, qtyRemaining string) *CostLayer {
	return &CostLayer{
		BusinessId:    testBusinessId,
		Sku:           "SKU-A",
		ReceivedAt:    time.Now().UTC(),
		QtyReceived:   dec(qtyReceived),
		QtyRemaining:  dec(qtyRemaining),
		UnitCost:      dec("1.25"),
		ReferenceType: LayerReferenceTypeStockIn,
		ReferenceId:   ref,
		IsVoided:      utils.NewFalse(),
		CreatedBy:     "test",
	}
}

func TestCostLayerRejectsNegativeRemaining(t *testing.T) {
	db := newTestDB(t)
	if err := db.Create(makeLayer("SI-1", "10", "-1")).Error; err == nil {
		t.Fatal("negative qty_remaining must be rejected")
	}
}

func TestCostLayerRejectsRemainingAboveReceived(t *testing.T) {
	db := newTestDB(t)
	if err := db.Create(makeLayer("SI-1", "10", "11")).Error; err == nil {
		t.Fatal("qty_remaining above qty_received must be rejected")
	}
}

func TestCostLayerDefaultsVoidFlag(t *testing.T) {
	db := newTestDB(t)
	layer := makeLayer("SI-1", "10", "10")
	layer.IsVoided = nil
	if err := db.Create(layer).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if layer.IsVoided == nil || *layer.IsVoided {
		t.Error("is_voided must default to false")
	}
}

func TestCostLayerUniqueReference(t *testing.T) {
	db := newTestDB(t)
	if err := db.Create(makeLayer("SI-1", "10", "10")).Error; err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := db.Create(makeLayer("SI-1", "4", "4")).Error; err == nil {
		t.Fatal("duplicate (sku, reference) must be rejected by the unique index")
	}
	// Same reference id under a different document type is a new layer.
	other := makeLayer("SI-1", "4", "4")
	other.ReferenceType = LayerReferenceTypeReturn
	if err := db.Create(other).Error; err != nil {
		t.Fatalf("different reference type: %v", err)
	}
}

func TestGetSkuOnHandExcludesVoidedAndEmptyLayers(t *testing.T) {
	db := newTestDB(t)
	if err := db.Create(makeLayer("SI-1", "10", "10")).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.Create(makeLayer("SI-2", "5", "0")).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	voided := makeLayer("SI-3", "7", "7")
	voided.IsVoided = utils.NewTrue()
	if err := db.Create(voided).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	onHand, err := GetSkuOnHand(db, testBusinessId, "SKU-A")
	if err != nil {
		t.Fatalf("on hand: %v", err)
	}
	if !onHand.OnHand.Equal(dec("10")) {
		t.Errorf("on hand = %s, want 10", onHand.OnHand)
	}
	if onHand.LayerCount != 1 {
		t.Errorf("layer count = %d, want 1", onHand.LayerCount)
	}
	if !onHand.AssetValue.Equal(dec("12.5")) {
		t.Errorf("asset value = %s, want 12.5", onHand.AssetValue)
	}
}

func TestGetSkuOnHandEmpty(t *testing.T) {
	db := newTestDB(t)
	onHand, err := GetSkuOnHand(db, testBusinessId, "NOPE")
	if err != nil {
		t.Fatalf("on hand: %v", err)
	}
	if !onHand.OnHand.Equal(decimal.Zero) || onHand.LayerCount != 0 {
		t.Errorf("on hand = %s in %d layers, want empty", onHand.OnHand, onHand.LayerCount)
	}
}
