package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AllocateBundle explodes a kit SKU into its recipe components and
// allocates each component independently, in recipe order.
//
// Each component carries its own (order, component-sku) guard, so a
// redelivered or retried bundle shipment only touches the components
// that have not been allocated yet. A component that fails on stock
// does not undo the components that succeeded: the result reports
// partial and names the missing SKUs, and a retry after restock
// completes just the gap.
func AllocateBundle(tx *gorm.DB, logger *logrus.Logger, input *AllocateCOGSInput) (*models.AllocationResult, error) {
	bundle, err := models.GetBundleBySku(context.Background(), tx, input.BusinessId, input.Sku)
	if err == gorm.ErrRecordNotFound {
		return models.FailedResult(models.ReasonNoBundleRecipe, input.Sku), nil
	} else if err != nil {
		config.LogError(logger, "BundleResolver.go", "AllocateBundle", "Loading bundle recipe", input, err)
		return nil, err
	}
	if len(bundle.Components) == 0 {
		return models.FailedResult(models.ReasonNoBundleRecipe, input.Sku), nil
	}

	successCount := 0
	alreadyCount := 0
	failedCount := 0
	allocated := make([]string, 0, len(bundle.Components))
	missing := make([]string, 0)
	lines := make([]*models.CogsAllocation, 0)
	reason := ""

	for _, comp := range bundle.Components {
		componentQty := input.Qty.Mul(comp.QtyPerSet)
		res, err := allocateSingleSku(tx, logger, input, comp.ComponentSku, componentQty)
		if err != nil {
			return nil, err
		}
		switch res.Status {
		case models.AllocationStatusSuccess:
			successCount++
			allocated = append(allocated, comp.ComponentSku)
			lines = append(lines, res.Lines...)
		case models.AllocationStatusAlreadyAllocated:
			alreadyCount++
			allocated = append(allocated, comp.ComponentSku)
		default:
			failedCount++
			missing = append(missing, comp.ComponentSku)
			lines = append(lines, res.Lines...)
			if reason == "" {
				reason = res.Reason
			}
		}
	}

	out := &models.AllocationResult{
		AllocatedSkus: allocated,
		MissingSkus:   missing,
		Reason:        reason,
		Lines:         lines,
	}
	switch {
	case failedCount == 0 && successCount == 0:
		out.Status = models.AllocationStatusAlreadyAllocated
	case failedCount == 0:
		out.Status = models.AllocationStatusSuccess
	case successCount == 0 && alreadyCount == 0:
		out.Status = models.AllocationStatusFailed
	default:
		out.Status = models.AllocationStatusPartial
	}
	return out, nil
}
