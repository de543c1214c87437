package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CostLayer is one batch (lot) of inventory received at a known unit cost.
// Allocation decrements QtyRemaining; reversal/restore increments it back.
// Layers are never deleted: voiding is a soft terminal state.
//
// Unique reference index makes layer creation idempotent per source document:
// re-receiving the same (sku, reference_type, reference_id) is a no-op.
type CostLayer struct {
	ID            int                `gorm:"primary_key" json:"id"`
	BusinessId    string             `gorm:"size:64;not null;index;index:uniq_layer_ref,unique;index:idx_layer_fifo,priority:1" json:"business_id"`
	Sku           string             `gorm:"size:100;not null;index:uniq_layer_ref,unique;index:idx_layer_fifo,priority:2" json:"sku"`
	ReceivedAt    time.Time          `gorm:"not null;index:idx_layer_fifo,priority:3" json:"received_at"`
	QtyReceived   decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"qty_received"`
	QtyRemaining  decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"qty_remaining"`
	UnitCost      decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"unit_cost"`
	ReferenceType LayerReferenceType `gorm:"size:10;not null;index:uniq_layer_ref,unique" json:"reference_type"`
	ReferenceId   string             `gorm:"size:100;not null;index:uniq_layer_ref,unique" json:"reference_id"`
	IsVoided      *bool              `gorm:"not null;default:false;index" json:"is_voided"`
	VoidReason    *string            `gorm:"type:text" json:"void_reason"`
	VoidedBy      *string            `gorm:"size:100" json:"voided_by"`
	VoidedAt      *time.Time         `gorm:"index" json:"voided_at"`
	CreatedBy     string             `gorm:"size:100" json:"created_by"`
	CreatedAt     time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave enforces internal invariants for the cost-layer table.
//
// CRITICAL: FIFO depletion relies on 0 <= qty_remaining <= qty_received.
// A row outside that range would make the allocator either invent stock
// or report phantom shortages, so we reject it at the lowest level.
func (l *CostLayer) BeforeSave(tx *gorm.DB) error {
	_ = tx // signature required by gorm; tx may be nil in tests
	if l == nil {
		return nil
	}
	if l.IsVoided == nil {
		b := false
		l.IsVoided = &b
	}
	if l.QtyRemaining.IsNegative() {
		return fmt.Errorf("cost layer %d: qty_remaining %s is negative", l.ID, l.QtyRemaining)
	}
	if l.QtyRemaining.GreaterThan(l.QtyReceived) {
		return fmt.Errorf("cost layer %d: qty_remaining %s exceeds qty_received %s", l.ID, l.QtyRemaining, l.QtyReceived)
	}
	return nil
}

// SkuOnHand is the per-SKU aggregate external readers use for
// on-hand/available computations.
type SkuOnHand struct {
	Sku        string          `json:"sku"`
	OnHand     decimal.Decimal `json:"on_hand"`
	LayerCount int             `json:"layer_count"`
	AssetValue decimal.Decimal `json:"asset_value"`
}

// GetSkuOnHand sums qty_remaining over active layers of one SKU.
func GetSkuOnHand(tx *gorm.DB, businessId string, sku string) (*SkuOnHand, error) {
	var layers []*CostLayer
	if err := tx.
		Where("business_id = ? AND sku = ? AND is_voided = ?", businessId, sku, false).
		Find(&layers).Error; err != nil {
		return nil, err
	}
	out := &SkuOnHand{Sku: sku, OnHand: decimal.Zero, AssetValue: decimal.Zero}
	for _, l := range layers {
		if l.QtyRemaining.IsZero() {
			continue
		}
		out.OnHand = out.OnHand.Add(l.QtyRemaining)
		out.AssetValue = out.AssetValue.Add(l.QtyRemaining.Mul(l.UnitCost))
		out.LayerCount++
	}
	return out, nil
}
