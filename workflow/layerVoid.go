package workflow

import (
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LayerVoidResult reports a void and any forced reversals it triggered.
type LayerVoidResult struct {
	Layer          *models.CostLayer        `json:"layer"`
	AlreadyVoided  bool                     `json:"already_voided"`
	ReversedLines  []*models.CogsAllocation `json:"reversed_lines,omitempty"`
	ReleasedGuards int                      `json:"released_guards"`
}

// VoidCostLayer soft-deletes a layer that no shipment has touched.
// A layer with active consumption lines is refused with ErrLayerInUse;
// the caller either reverses those orders first or uses the cascade.
// Voiding an already-voided layer is a no-op.
func VoidCostLayer(tx *gorm.DB, logger *logrus.Logger, businessId string, layerId int, reason string, actor string) (*LayerVoidResult, error) {
	layer, err := loadLayer(tx, logger, businessId, layerId)
	if err != nil {
		return nil, err
	}
	if layer.IsVoided != nil && *layer.IsVoided {
		return &LayerVoidResult{Layer: layer, AlreadyVoided: true}, nil
	}

	if !layer.QtyRemaining.Equal(layer.QtyReceived) {
		config.LogError(logger, "LayerVoid.go", "VoidCostLayer", "Layer partially consumed", layerId, utils.ErrLayerInUse)
		return nil, utils.ErrLayerInUse
	}
	activeLines, err := models.GetActiveAllocationsByLayer(tx, businessId, layer.ID)
	if err != nil {
		config.LogError(logger, "LayerVoid.go", "VoidCostLayer", "Checking consumption", layerId, err)
		return nil, err
	}
	if len(activeLines) > 0 {
		config.LogError(logger, "LayerVoid.go", "VoidCostLayer", "Layer has active consumption", layerId, utils.ErrLayerInUse)
		return nil, utils.ErrLayerInUse
	}

	if err := stampLayerVoided(tx, logger, layer, reason, actor); err != nil {
		return nil, err
	}
	return &LayerVoidResult{Layer: layer}, nil
}

// VoidCostLayerWithReversal force-voids a layer even if shipments have
// consumed from it. Every active consumption line on the layer gets a
// mirror offset (restoring its quantity to the layer first), affected
// originals are stamped, and guards whose key no longer has active
// lines are released. The layer is then voided, so the restored
// quantity never re-enters on-hand.
//
// Affected orders lose part of their COGS; a snapshot rebuild request
// is queued for the SKU so downstream reporting catches up. Idempotent:
// re-voiding a voided layer does nothing.
func VoidCostLayerWithReversal(tx *gorm.DB, logger *logrus.Logger, businessId string, layerId int, reason string, actor string, correlationId string) (*LayerVoidResult, error) {
	layer, err := loadLayer(tx, logger, businessId, layerId)
	if err != nil {
		return nil, err
	}
	if layer.IsVoided != nil && *layer.IsVoided {
		return &LayerVoidResult{Layer: layer, AlreadyVoided: true}, nil
	}

	activeLines, err := models.GetActiveAllocationsByLayer(tx, businessId, layer.ID)
	if err != nil {
		config.LogError(logger, "LayerVoid.go", "VoidCostLayerWithReversal", "Loading consumption", layerId, err)
		return nil, err
	}

	now := time.Now().UTC()
	out := &LayerVoidResult{Layer: layer}
	type keyPair struct{ orderId, sku string }
	touchedKeys := make(map[keyPair]bool)

	// The rebuild window starts at the earliest shipment we touch.
	var minShippedAt *time.Time
	for _, original := range activeLines {
		offset, err := offsetOneLine(tx, logger, original, reason, actor, correlationId, now)
		if err != nil {
			return nil, err
		}
		out.ReversedLines = append(out.ReversedLines, offset)
		touchedKeys[keyPair{original.OrderId, original.Sku}] = true
		if minShippedAt == nil || original.ShippedAt.Before(*minShippedAt) {
			minShippedAt = utils.NewTime(original.ShippedAt)
		}
	}

	// Release guards only for keys left with no active lines; an order
	// that also consumed other layers keeps its guard and its other lines.
	for key := range touchedKeys {
		remaining, err := models.GetActiveAllocations(tx, businessId, key.orderId, key.sku)
		if err != nil {
			config.LogError(logger, "LayerVoid.go", "VoidCostLayerWithReversal", "Checking remaining lines", key.orderId, err)
			return nil, err
		}
		if len(remaining) > 0 {
			continue
		}
		if err := tx.Where("business_id = ? AND order_id = ? AND sku = ?", businessId, key.orderId, key.sku).
			Delete(&models.AllocationGuard{}).Error; err != nil {
			config.LogError(logger, "LayerVoid.go", "VoidCostLayerWithReversal", "Releasing guard", key.orderId, err)
			return nil, err
		}
		out.ReleasedGuards++
	}

	if err := stampLayerVoided(tx, logger, layer, reason, actor); err != nil {
		return nil, err
	}

	if len(activeLines) > 0 {
		if err := EnqueueRebuild(tx, logger, businessId, layer.Sku, minShippedAt, &now, "layer_void_cascade", actor, correlationId); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func loadLayer(tx *gorm.DB, logger *logrus.Logger, businessId string, layerId int) (*models.CostLayer, error) {
	var layer models.CostLayer
	err := tx.Where("business_id = ? AND id = ?", businessId, layerId).First(&layer).Error
	if err == gorm.ErrRecordNotFound {
		return nil, utils.ErrorRecordNotFound
	} else if err != nil {
		config.LogError(logger, "LayerVoid.go", "loadLayer", "Loading layer", layerId, err)
		return nil, err
	}
	return &layer, nil
}

func stampLayerVoided(tx *gorm.DB, logger *logrus.Logger, layer *models.CostLayer, reason string, actor string) error {
	voidedAt := utils.NewTime(time.Now().UTC())
	voidReason := utils.NewString(reason)
	voidedBy := utils.NewString(actor)
	if err := tx.Model(&models.CostLayer{}).
		Where("id = ?", layer.ID).
		Updates(map[string]interface{}{
			"is_voided":   true,
			"void_reason": voidReason,
			"voided_by":   voidedBy,
			"voided_at":   voidedAt,
		}).Error; err != nil {
		config.LogError(logger, "LayerVoid.go", "stampLayerVoided", "Stamping layer", layer.ID, err)
		return err
	}
	layer.IsVoided = utils.NewTrue()
	layer.VoidReason = voidReason
	layer.VoidedBy = voidedBy
	layer.VoidedAt = voidedAt
	return nil
}
