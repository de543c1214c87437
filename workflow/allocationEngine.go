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

// Bounded retries for the optimistic layer decrement. A miss means a
// concurrent allocator drained the layer between our read and our update;
// we reload the layer list and walk again.
const maxLayerReloads = 5

// Monetary amounts are stored at 4 decimal places.
const moneyScale = 4

// AllocateCOGSInput is one shipment event for one order line.
type AllocateCOGSInput struct {
	BusinessId    string
	OrderId       string
	Sku           string
	Qty           decimal.Decimal
	ShippedAt     time.Time
	Method        models.CostingMethod
	CreatedBy     string
	CorrelationId string
}

// ApplyCOGSForOrderShipped is the entry point for shipment costing.
// Bundle SKUs are exploded into their recipe components; plain SKUs
// allocate directly. At-most-once per (order, sku) is enforced by the
// AllocationGuard unique index, so redelivered shipment events are
// absorbed as already_allocated.
//
// Runs inside the caller's transaction. A returned error means the
// caller must roll back; an AllocationResult with a failed status is a
// business outcome and commits (partial consumption is retained).
func ApplyCOGSForOrderShipped(tx *gorm.DB, logger *logrus.Logger, input *AllocateCOGSInput) (*models.AllocationResult, error) {
	if input == nil {
		return nil, utils.ErrValidation
	}
	if input.BusinessId == "" || input.OrderId == "" || input.Sku == "" {
		config.LogError(logger, "AllocationEngine.go", "ApplyCOGSForOrderShipped", "Missing identifier", input, utils.ErrValidation)
		return nil, utils.ErrValidation
	}
	if !input.Qty.IsPositive() {
		config.LogError(logger, "AllocationEngine.go", "ApplyCOGSForOrderShipped", "Qty must be positive", input, utils.ErrValidation)
		return nil, utils.ErrValidation
	}
	if !input.Method.Valid() {
		config.LogError(logger, "AllocationEngine.go", "ApplyCOGSForOrderShipped", "Unknown costing method", input, utils.ErrValidation)
		return nil, utils.ErrValidation
	}
	if input.ShippedAt.IsZero() {
		input.ShippedAt = time.Now().UTC()
	}

	isBundle, err := models.IsBundleSku(context.Background(), tx, input.BusinessId, input.Sku)
	if err != nil {
		config.LogError(logger, "AllocationEngine.go", "ApplyCOGSForOrderShipped", "Checking bundle recipe", input, err)
		return nil, err
	}
	if isBundle {
		return AllocateBundle(tx, logger, input)
	}
	return allocateSingleSku(tx, logger, input, input.Sku, input.Qty)
}

// allocateSingleSku allocates COGS for one component SKU.
//
// Depletion is physically FIFO for both methods; AVG differs only in the
// unit cost stamped on the lines (weighted average over active layers at
// allocation time). Each line records the layer it consumed so reversals
// can restore the exact quantities.
func allocateSingleSku(tx *gorm.DB, logger *logrus.Logger, input *AllocateCOGSInput, sku string, qty decimal.Decimal) (*models.AllocationResult, error) {
	guard := &models.AllocationGuard{
		BusinessId: input.BusinessId,
		OrderId:    input.OrderId,
		Sku:        sku,
	}
	if err := tx.Create(guard).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return models.AlreadyAllocatedResult(sku), nil
		}
		config.LogError(logger, "AllocationEngine.go", "allocateSingleSku", "Creating allocation guard", input, err)
		return nil, err
	}

	layers, err := GetActiveLayersFIFO(tx, input.BusinessId, sku)
	if err != nil {
		config.LogError(logger, "AllocationEngine.go", "allocateSingleSku", "Loading layers", input, err)
		return nil, err
	}

	// AVG stamps the weighted average cost of everything on hand at the
	// moment of allocation; the physical walk below is identical to FIFO.
	var avgCost decimal.Decimal
	if input.Method == models.CostingMethodAvg {
		avgCost = weightedAverageCost(layers)
	}

	remaining := qty
	consumed := decimal.Zero
	lines := make([]*models.CogsAllocation, 0, len(layers))
	reloads := 0

	for remaining.IsPositive() {
		progressed := false
		for _, layer := range layers {
			if !remaining.IsPositive() {
				break
			}
			if !layer.QtyRemaining.IsPositive() {
				continue
			}
			take := remaining
			if layer.QtyRemaining.LessThan(take) {
				take = layer.QtyRemaining
			}
			ok, err := consumeFromLayer(tx, layer.ID, take)
			if err != nil {
				config.LogError(logger, "AllocationEngine.go", "allocateSingleSku", "Consuming layer", layer.ID, err)
				return nil, err
			}
			if !ok {
				// Lost the race on this layer; force a reload below.
				continue
			}
			unitCost := layer.UnitCost
			if input.Method == models.CostingMethodAvg {
				unitCost = avgCost
			}
			layerId := layer.ID
			line := &models.CogsAllocation{
				BusinessId:    input.BusinessId,
				OrderId:       input.OrderId,
				Sku:           sku,
				ShippedAt:     input.ShippedAt,
				Method:        input.Method,
				Qty:           take,
				UnitCostUsed:  unitCost,
				Amount:        take.Mul(unitCost).Round(moneyScale),
				LayerId:       &layerId,
				CreatedBy:     input.CreatedBy,
				CorrelationId: input.CorrelationId,
			}
			if err := tx.Create(line).Error; err != nil {
				config.LogError(logger, "AllocationEngine.go", "allocateSingleSku", "Creating allocation line", line, err)
				return nil, err
			}
			lines = append(lines, line)
			remaining = remaining.Sub(take)
			consumed = consumed.Add(take)
			layer.QtyRemaining = layer.QtyRemaining.Sub(take)
			progressed = true
		}
		if !remaining.IsPositive() {
			break
		}
		reloads++
		if reloads > maxLayerReloads {
			if progressed {
				continue
			}
			config.LogError(logger, "AllocationEngine.go", "allocateSingleSku", "Layer contention exhausted retries", input, utils.ErrConcurrentModification)
			return nil, utils.ErrConcurrentModification
		}
		layers, err = GetActiveLayersFIFO(tx, input.BusinessId, sku)
		if err != nil {
			config.LogError(logger, "AllocationEngine.go", "allocateSingleSku", "Reloading layers", input, err)
			return nil, err
		}
		if len(layers) == 0 {
			break
		}
	}

	if remaining.IsPositive() {
		if consumed.IsZero() {
			// Nothing consumed: release the guard so a retry after restock
			// starts clean.
			if err := tx.Where("id = ?", guard.ID).Delete(&models.AllocationGuard{}).Error; err != nil {
				config.LogError(logger, "AllocationEngine.go", "allocateSingleSku", "Releasing guard after shortage", guard, err)
				return nil, err
			}
			return models.FailedResult(models.ReasonInsufficientStock, sku), nil
		}
		// Partial consumption is retained: the shipped goods did leave at
		// these costs. The guard stays so a blind retry cannot double-charge;
		// resolving the shortfall is an explicit clear-and-reallocate.
		config.LogWarn(logger, "AllocationEngine.go", "allocateSingleSku", "Insufficient stock",
			"sku "+sku+" short by "+remaining.String())
		res := models.FailedResult(models.ReasonInsufficientStock, sku)
		res.Lines = lines
		return res, nil
	}

	res := models.SuccessResult(sku)
	res.Lines = lines
	return res, nil
}

// weightedAverageCost returns sum(qty*cost)/sum(qty) over the given
// layers, rounded to the money scale. Zero when nothing is on hand.
func weightedAverageCost(layers []*models.CostLayer) decimal.Decimal {
	totalQty := decimal.Zero
	totalValue := decimal.Zero
	for _, l := range layers {
		if !l.QtyRemaining.IsPositive() {
			continue
		}
		totalQty = totalQty.Add(l.QtyRemaining)
		totalValue = totalValue.Add(l.QtyRemaining.Mul(l.UnitCost))
	}
	if totalQty.IsZero() {
		return decimal.Zero
	}
	return totalValue.Div(totalQty).Round(moneyScale)
}
