package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CogsAllocation is one row of the append-only COGS ledger.
// Positive qty = consumption on shipment, negative qty = reversal.
// Rows are never mutated except to stamp reversal metadata on the
// original row when it is offset later.
type CogsAllocation struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"size:64;not null;index;index:idx_alloc_key,priority:1" json:"business_id"`
	OrderId      string          `gorm:"size:100;not null;index:idx_alloc_key,priority:2" json:"order_id"`
	Sku          string          `gorm:"size:100;not null;index;index:idx_alloc_key,priority:3" json:"sku"`
	ShippedAt    time.Time       `gorm:"not null;index" json:"shipped_at"`
	Method       CostingMethod   `gorm:"size:10;not null" json:"method"`
	Qty          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitCostUsed decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_cost_used"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	LayerId      *int            `gorm:"index" json:"layer_id"`
	IsReversal   bool            `gorm:"not null;default:false;index" json:"is_reversal"`
	// Reversal metadata. On an original row, stamped when it is offset;
	// ReversedByAllocationId then holds the offset's id. On a mirror
	// offset row it holds the original's id, which is how offsets are
	// told apart from return-credit rows (those keep it NULL).
	ReversedAt             *time.Time `gorm:"index" json:"reversed_at"`
	ReversedBy             *string    `gorm:"size:100" json:"reversed_by"`
	ReversedReason         *string    `gorm:"type:text" json:"reversed_reason"`
	ReversedByAllocationId *int       `gorm:"index" json:"reversed_by_allocation_id"`
	CreatedBy              string     `gorm:"size:100" json:"created_by"`
	CorrelationId          string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// IsActive reports whether the row still contributes to the key's COGS:
// an original consumption line that has not been offset.
func (a *CogsAllocation) IsActive() bool {
	return a != nil && !a.IsReversal && a.ReversedAt == nil
}

// AllocationGuard is the authoritative at-most-once record for an
// (order, sku) allocation key. The unique index is the deduplication
// mechanism: an insert conflict means "already allocated", not an error.
// The row exists exactly while the key has unreversed consumption lines;
// full reversal / admin clear / void cascade deletes it, returning the
// key to the UNALLOCATED state.
type AllocationGuard struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index:uniq_alloc_guard,unique" json:"business_id"`
	OrderId    string    `gorm:"size:100;not null;index:uniq_alloc_guard,unique" json:"order_id"`
	Sku        string    `gorm:"size:100;not null;index:uniq_alloc_guard,unique" json:"sku"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// GetActiveAllocations returns unreversed consumption lines for one
// (order, sku) key, in insertion order.
func GetActiveAllocations(tx *gorm.DB, businessId string, orderId string, sku string) ([]*CogsAllocation, error) {
	var rows []*CogsAllocation
	err := tx.
		Where("business_id = ? AND order_id = ? AND sku = ? AND is_reversal = ? AND reversed_at IS NULL",
			businessId, orderId, sku, false).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// GetActiveAllocationsByLayer returns unreversed consumption lines that
// consumed the given layer (used by forced layer void).
func GetActiveAllocationsByLayer(tx *gorm.DB, businessId string, layerId int) ([]*CogsAllocation, error) {
	var rows []*CogsAllocation
	err := tx.
		Where("business_id = ? AND layer_id = ? AND is_reversal = ? AND reversed_at IS NULL",
			businessId, layerId, false).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// AllocationResult is the tagged outcome of an allocation attempt.
// Not persisted; returned to batch drivers so they can aggregate
// success/skip/fail counts without control flow via errors.
type AllocationResult struct {
	Status        AllocationStatus `json:"status"`
	AllocatedSkus []string         `json:"allocated_skus"`
	MissingSkus   []string         `json:"missing_skus"`
	Reason        string           `json:"reason"`
	// Lines posted by this call (empty for already_allocated).
	Lines []*CogsAllocation `json:"lines,omitempty"`
}

func SuccessResult(skus ...string) *AllocationResult {
	return &AllocationResult{Status: AllocationStatusSuccess, AllocatedSkus: skus}
}

func AlreadyAllocatedResult(skus ...string) *AllocationResult {
	return &AllocationResult{Status: AllocationStatusAlreadyAllocated, AllocatedSkus: skus}
}

func FailedResult(reason string, missing ...string) *AllocationResult {
	return &AllocationResult{Status: AllocationStatusFailed, Reason: reason, MissingSkus: missing}
}
