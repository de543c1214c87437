package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReversalResult reports what a reversal call actually did.
type ReversalResult struct {
	Status         models.AllocationStatus  `json:"status"`
	Reason         string                   `json:"reason"`
	ReversedQty    decimal.Decimal          `json:"reversed_qty"`
	ReversedAmount decimal.Decimal          `json:"reversed_amount"`
	Lines          []*models.CogsAllocation `json:"lines,omitempty"`
	RestockLayerId int                      `json:"restock_layer_id,omitempty"`
}

// ReturnReverseCOGSInput describes a customer return against a shipped
// order line. ReturnId is the return document id and doubles as the
// idempotency token: the restock layer it creates is unique per
// (sku, RT, return id).
type ReturnReverseCOGSInput struct {
	BusinessId    string
	OrderId       string
	Sku           string
	Qty           decimal.Decimal
	ReturnId      string
	ReturnedAt    time.Time
	Reason        string
	CreatedBy     string
	CorrelationId string
}

// ApplyReturnReverseCOGS credits COGS for a (possibly partial) return.
//
// The credit uses the weighted average unit cost of the key's active
// consumption lines, not the specific layers they came from: partial
// returns cannot be attributed to particular units, so the whole
// allocation is treated as one pool. Original lines are NOT stamped;
// they stay active and cap how much can still be returned.
//
// Restocked goods come back as a fresh RT cost layer at that same
// weighted cost, so a later shipment consumes them like any other batch.
func ApplyReturnReverseCOGS(tx *gorm.DB, logger *logrus.Logger, input *ReturnReverseCOGSInput) (*ReversalResult, error) {
	if input == nil {
		return nil, utils.ErrValidation
	}
	if input.BusinessId == "" || input.OrderId == "" || input.Sku == "" || input.ReturnId == "" {
		config.LogError(logger, "ReversalEngine.go", "ApplyReturnReverseCOGS", "Missing identifier", input, utils.ErrValidation)
		return nil, utils.ErrValidation
	}
	if !input.Qty.IsPositive() {
		config.LogError(logger, "ReversalEngine.go", "ApplyReturnReverseCOGS", "Qty must be positive", input, utils.ErrValidation)
		return nil, utils.ErrValidation
	}
	if input.ReturnedAt.IsZero() {
		input.ReturnedAt = time.Now().UTC()
	}

	isBundle, err := models.IsBundleSku(context.Background(), tx, input.BusinessId, input.Sku)
	if err != nil {
		config.LogError(logger, "ReversalEngine.go", "ApplyReturnReverseCOGS", "Checking bundle recipe", input, err)
		return nil, err
	}
	if isBundle {
		return returnReverseBundle(tx, logger, input)
	}
	return returnReverseSingleSku(tx, logger, input, input.Sku, input.Qty)
}

func returnReverseSingleSku(tx *gorm.DB, logger *logrus.Logger, input *ReturnReverseCOGSInput, sku string, qty decimal.Decimal) (*ReversalResult, error) {
	activeLines, err := models.GetActiveAllocations(tx, input.BusinessId, input.OrderId, sku)
	if err != nil {
		config.LogError(logger, "ReversalEngine.go", "returnReverseSingleSku", "Loading active lines", input, err)
		return nil, err
	}

	activeQty := decimal.Zero
	activeAmount := decimal.Zero
	for _, l := range activeLines {
		activeQty = activeQty.Add(l.Qty)
		activeAmount = activeAmount.Add(l.Amount)
	}

	returnedQty, err := cumulativeReturnedQty(tx, input.BusinessId, input.OrderId, sku)
	if err != nil {
		config.LogError(logger, "ReversalEngine.go", "returnReverseSingleSku", "Summing prior returns", input, err)
		return nil, err
	}
	netQty := activeQty.Sub(returnedQty)
	if qty.GreaterThan(netQty) {
		config.LogError(logger, "ReversalEngine.go", "returnReverseSingleSku",
			"Return exceeds remaining allocated qty", input, utils.ErrValidation)
		return &ReversalResult{Status: models.AllocationStatusFailed, Reason: models.ReasonValidationError}, utils.ErrValidation
	}

	unitCost := decimal.Zero
	if activeQty.IsPositive() {
		unitCost = activeAmount.Div(activeQty).Round(moneyScale)
	} else {
		// Nothing allocated to derive a cost from; credit at zero rather
		// than block the return.
		config.LogWarn(logger, "ReversalEngine.go", "returnReverseSingleSku", "No active allocation for return",
			"order "+input.OrderId+" sku "+sku+", crediting at zero cost")
	}

	// The RT layer is the idempotency token: a duplicate return document
	// hits its unique reference index and the whole call becomes a no-op.
	restockLayer, created, err := ReceiveCostLayer(tx, logger, &ReceiveCostLayerInput{
		BusinessId:    input.BusinessId,
		Sku:           sku,
		Qty:           qty,
		UnitCost:      unitCost,
		ReceivedAt:    input.ReturnedAt,
		ReferenceType: models.LayerReferenceTypeReturn,
		ReferenceId:   input.ReturnId,
		CreatedBy:     input.CreatedBy,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return &ReversalResult{
			Status:         models.AllocationStatusAlreadyAllocated,
			Reason:         models.ReasonAlreadyReversed,
			RestockLayerId: restockLayer.ID,
		}, nil
	}

	amount := qty.Mul(unitCost).Round(moneyScale)
	line := &models.CogsAllocation{
		BusinessId:     input.BusinessId,
		OrderId:        input.OrderId,
		Sku:            sku,
		ShippedAt:      input.ReturnedAt,
		Method:         methodOfLines(activeLines),
		Qty:            qty.Neg(),
		UnitCostUsed:   unitCost,
		Amount:         amount.Neg(),
		LayerId:        &restockLayer.ID,
		IsReversal:     true,
		ReversedReason: utils.NewString(input.Reason),
		CreatedBy:      input.CreatedBy,
		CorrelationId:  input.CorrelationId,
	}
	if err := tx.Create(line).Error; err != nil {
		config.LogError(logger, "ReversalEngine.go", "returnReverseSingleSku", "Creating reversal line", line, err)
		return nil, err
	}

	return &ReversalResult{
		Status:         models.AllocationStatusSuccess,
		ReversedQty:    qty,
		ReversedAmount: amount,
		Lines:          []*models.CogsAllocation{line},
		RestockLayerId: restockLayer.ID,
	}, nil
}

func returnReverseBundle(tx *gorm.DB, logger *logrus.Logger, input *ReturnReverseCOGSInput) (*ReversalResult, error) {
	bundle, err := models.GetBundleBySku(context.Background(), tx, input.BusinessId, input.Sku)
	if err != nil {
		config.LogError(logger, "ReversalEngine.go", "returnReverseBundle", "Loading bundle recipe", input, err)
		return nil, err
	}
	out := &ReversalResult{Status: models.AllocationStatusSuccess}
	anyApplied := false
	for _, comp := range bundle.Components {
		res, err := returnReverseSingleSku(tx, logger, input, comp.ComponentSku, input.Qty.Mul(comp.QtyPerSet))
		if err != nil {
			return nil, err
		}
		if res.Status == models.AllocationStatusSuccess {
			anyApplied = true
			out.ReversedQty = out.ReversedQty.Add(res.ReversedQty)
			out.ReversedAmount = out.ReversedAmount.Add(res.ReversedAmount)
			out.Lines = append(out.Lines, res.Lines...)
		}
	}
	if !anyApplied {
		out.Status = models.AllocationStatusAlreadyAllocated
		out.Reason = models.ReasonAlreadyReversed
	}
	return out, nil
}

// cumulativeReturnedQty sums prior return credits for a key as a
// positive quantity. Only genuine return-credit rows count: mirror
// offsets carry reversed_by_allocation_id and are excluded, so a fully
// reversed and re-allocated key starts its return budget from zero.
func cumulativeReturnedQty(tx *gorm.DB, businessId string, orderId string, sku string) (decimal.Decimal, error) {
	var rows []*models.CogsAllocation
	err := tx.
		Where("business_id = ? AND order_id = ? AND sku = ? AND is_reversal = ? AND reversed_by_allocation_id IS NULL",
			businessId, orderId, sku, true).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Qty.Neg())
	}
	return total, nil
}

func methodOfLines(lines []*models.CogsAllocation) models.CostingMethod {
	if len(lines) > 0 {
		return lines[0].Method
	}
	return models.CostingMethodFifo
}

// ReverseOrderKey fully reverses one (order, sku) allocation: every
// active line gets a mirror-image offset row, the consumed quantities
// go back on the exact layers they came from, originals are stamped,
// and the guard is deleted so the key returns to the unallocated state.
//
// Idempotent: a second call finds no active lines and no guard and
// reports already_reversed. Keys with prior partial returns are
// rejected; untangling those is the admin clear's job.
func ReverseOrderKey(tx *gorm.DB, logger *logrus.Logger, businessId string, orderId string, sku string, reason string, actor string, correlationId string) (*ReversalResult, error) {
	if businessId == "" || orderId == "" || sku == "" {
		return nil, utils.ErrValidation
	}

	returnedQty, err := cumulativeReturnedQty(tx, businessId, orderId, sku)
	if err != nil {
		config.LogError(logger, "ReversalEngine.go", "ReverseOrderKey", "Summing prior returns", orderId, err)
		return nil, err
	}
	if returnedQty.IsPositive() {
		config.LogError(logger, "ReversalEngine.go", "ReverseOrderKey",
			"Key has partial returns; use admin clear", orderId, utils.ErrValidation)
		return &ReversalResult{Status: models.AllocationStatusFailed, Reason: models.ReasonValidationError}, utils.ErrValidation
	}

	return offsetActiveLines(tx, logger, businessId, orderId, sku, reason, actor, correlationId, true)
}

// ClearOrderKey is the admin escape hatch: it offsets whatever active
// lines the key still has, restores layers, and releases the guard,
// regardless of prior partial returns. Return history is left intact.
func ClearOrderKey(tx *gorm.DB, logger *logrus.Logger, businessId string, orderId string, sku string, reason string, actor string, correlationId string) (*ReversalResult, error) {
	if businessId == "" || orderId == "" || sku == "" {
		return nil, utils.ErrValidation
	}
	return offsetActiveLines(tx, logger, businessId, orderId, sku, reason, actor, correlationId, true)
}

// ClearOrderAllocations clears every allocated sku of an order. Used by
// order-void cascades and the admin clear tool.
func ClearOrderAllocations(tx *gorm.DB, logger *logrus.Logger, businessId string, orderId string, reason string, actor string, correlationId string) ([]*ReversalResult, error) {
	if businessId == "" || orderId == "" {
		return nil, utils.ErrValidation
	}
	var guards []*models.AllocationGuard
	if err := tx.
		Where("business_id = ? AND order_id = ?", businessId, orderId).
		Order("id ASC").
		Find(&guards).Error; err != nil {
		config.LogError(logger, "ReversalEngine.go", "ClearOrderAllocations", "Loading guards", orderId, err)
		return nil, err
	}

	results := make([]*ReversalResult, 0, len(guards))
	for _, g := range guards {
		res, err := ClearOrderKey(tx, logger, businessId, orderId, g.Sku, reason, actor, correlationId)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// offsetActiveLines posts mirror offsets for a key's active lines,
// restores layer quantities, stamps the originals and optionally
// releases the guard.
func offsetActiveLines(tx *gorm.DB, logger *logrus.Logger, businessId string, orderId string, sku string, reason string, actor string, correlationId string, releaseGuard bool) (*ReversalResult, error) {
	activeLines, err := models.GetActiveAllocations(tx, businessId, orderId, sku)
	if err != nil {
		config.LogError(logger, "ReversalEngine.go", "offsetActiveLines", "Loading active lines", orderId, err)
		return nil, err
	}
	if len(activeLines) == 0 {
		res := tx.Where("business_id = ? AND order_id = ? AND sku = ?", businessId, orderId, sku).
			Delete(&models.AllocationGuard{})
		if res.Error != nil {
			config.LogError(logger, "ReversalEngine.go", "offsetActiveLines", "Releasing orphan guard", orderId, res.Error)
			return nil, res.Error
		}
		return &ReversalResult{
			Status: models.AllocationStatusAlreadyAllocated,
			Reason: models.ReasonAlreadyReversed,
		}, nil
	}

	now := time.Now().UTC()
	out := &ReversalResult{Status: models.AllocationStatusSuccess}
	for _, original := range activeLines {
		offset, err := offsetOneLine(tx, logger, original, reason, actor, correlationId, now)
		if err != nil {
			return nil, err
		}
		out.ReversedQty = out.ReversedQty.Add(original.Qty)
		out.ReversedAmount = out.ReversedAmount.Add(original.Amount)
		out.Lines = append(out.Lines, offset)
	}

	if releaseGuard {
		if err := tx.Where("business_id = ? AND order_id = ? AND sku = ?", businessId, orderId, sku).
			Delete(&models.AllocationGuard{}).Error; err != nil {
			config.LogError(logger, "ReversalEngine.go", "offsetActiveLines", "Releasing guard", orderId, err)
			return nil, err
		}
	}
	return out, nil
}

// offsetOneLine appends the mirror row for one consumption line, puts
// the quantity back on its layer and stamps the original.
func offsetOneLine(tx *gorm.DB, logger *logrus.Logger, original *models.CogsAllocation, reason string, actor string, correlationId string, now time.Time) (*models.CogsAllocation, error) {
	reasonCopy := reason
	offset := &models.CogsAllocation{
		BusinessId:     original.BusinessId,
		OrderId:        original.OrderId,
		Sku:            original.Sku,
		ShippedAt:      original.ShippedAt,
		Method:         original.Method,
		Qty:            original.Qty.Neg(),
		UnitCostUsed:   original.UnitCostUsed,
		Amount:         original.Amount.Neg(),
		LayerId:        original.LayerId,
		IsReversal:     true,
		ReversedReason: &reasonCopy,
		// Marks this row as a mirror offset, not a return credit.
		ReversedByAllocationId: &original.ID,
		CreatedBy:              actor,
		CorrelationId:          correlationId,
	}
	if err := tx.Create(offset).Error; err != nil {
		config.LogError(logger, "ReversalEngine.go", "offsetOneLine", "Creating offset line", original.ID, err)
		return nil, err
	}

	if original.LayerId != nil {
		restored, err := restoreToLayer(tx, *original.LayerId, original.Qty)
		if err != nil {
			config.LogError(logger, "ReversalEngine.go", "offsetOneLine", "Restoring layer qty", *original.LayerId, err)
			return nil, err
		}
		if !restored {
			// Layer cannot take the quantity back (voided or already full).
			// The ledger offset stands either way.
			config.LogWarn(logger, "ReversalEngine.go", "offsetOneLine", "Layer restore skipped",
				"layer did not accept restored quantity")
		}
	}

	if err := tx.Model(&models.CogsAllocation{}).
		Where("id = ?", original.ID).
		Updates(map[string]interface{}{
			"reversed_at":               &now,
			"reversed_by":               &actor,
			"reversed_reason":           &reasonCopy,
			"reversed_by_allocation_id": offset.ID,
		}).Error; err != nil {
		config.LogError(logger, "ReversalEngine.go", "offsetOneLine", "Stamping original line", original.ID, err)
		return nil, err
	}
	return offset, nil
}
