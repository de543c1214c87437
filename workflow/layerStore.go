package workflow

import (
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// sqlite (tests) reports unique violations as a plain error string.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ReceiveCostLayerInput describes one incoming batch of stock.
type ReceiveCostLayerInput struct {
	BusinessId    string
	Sku           string
	Qty           decimal.Decimal
	UnitCost      decimal.Decimal
	ReceivedAt    time.Time
	ReferenceType models.LayerReferenceType
	ReferenceId   string
	CreatedBy     string
}

// ReceiveCostLayer creates one cost layer for a receiving document.
//
// Idempotent per source document: a second call with the same
// (sku, reference_type, reference_id) hits the unique index and returns
// the existing layer untouched. Partial consumption on the existing
// layer is therefore never clobbered by a redelivered message.
func ReceiveCostLayer(tx *gorm.DB, logger *logrus.Logger, input *ReceiveCostLayerInput) (*models.CostLayer, bool, error) {
	if input == nil {
		return nil, false, utils.ErrValidation
	}
	if input.BusinessId == "" || input.Sku == "" || input.ReferenceId == "" {
		config.LogError(logger, "LayerStore.go", "ReceiveCostLayer", "Missing identifier", input, utils.ErrValidation)
		return nil, false, utils.ErrValidation
	}
	if !input.Qty.IsPositive() {
		config.LogError(logger, "LayerStore.go", "ReceiveCostLayer", "Qty must be positive", input, utils.ErrValidation)
		return nil, false, utils.ErrValidation
	}
	if input.UnitCost.IsNegative() {
		config.LogError(logger, "LayerStore.go", "ReceiveCostLayer", "Unit cost must not be negative", input, utils.ErrValidation)
		return nil, false, utils.ErrValidation
	}
	if !input.ReferenceType.Valid() {
		config.LogError(logger, "LayerStore.go", "ReceiveCostLayer", "Unknown reference type", input, utils.ErrValidation)
		return nil, false, utils.ErrValidation
	}
	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	layer := &models.CostLayer{
		BusinessId:    input.BusinessId,
		Sku:           input.Sku,
		ReceivedAt:    receivedAt,
		QtyReceived:   input.Qty,
		QtyRemaining:  input.Qty,
		UnitCost:      input.UnitCost,
		ReferenceType: input.ReferenceType,
		ReferenceId:   input.ReferenceId,
		IsVoided:      utils.NewFalse(),
		CreatedBy:     input.CreatedBy,
	}
	err := tx.Create(layer).Error
	if err == nil {
		return layer, true, nil
	}
	if !isDuplicateKeyErr(err) {
		config.LogError(logger, "LayerStore.go", "ReceiveCostLayer", "Creating cost layer", input, err)
		return nil, false, err
	}

	var existing models.CostLayer
	if err := tx.
		Where("business_id = ? AND sku = ? AND reference_type = ? AND reference_id = ?",
			input.BusinessId, input.Sku, input.ReferenceType, input.ReferenceId).
		First(&existing).Error; err != nil {
		config.LogError(logger, "LayerStore.go", "ReceiveCostLayer", "Loading existing layer after duplicate", input, err)
		return nil, false, err
	}
	return &existing, false, nil
}

// GetActiveLayersFIFO loads unvoided layers with stock left, oldest first.
// Ties on received_at break by id so depletion order is deterministic.
func GetActiveLayersFIFO(tx *gorm.DB, businessId string, sku string) ([]*models.CostLayer, error) {
	var layers []*models.CostLayer
	err := tx.
		Where("business_id = ? AND sku = ? AND is_voided = ? AND qty_remaining > 0",
			businessId, sku, false).
		Order("received_at ASC, id ASC").
		Find(&layers).Error
	return layers, err
}

// consumeFromLayer decrements one layer's qty_remaining if and only if it
// still holds at least take. Returns false when a concurrent writer got
// there first; the caller reloads and retries.
func consumeFromLayer(tx *gorm.DB, layerId int, take decimal.Decimal) (bool, error) {
	res := tx.Model(&models.CostLayer{}).
		Where("id = ? AND is_voided = ? AND qty_remaining >= ?", layerId, false, take).
		Update("qty_remaining", gorm.Expr("qty_remaining - ?", take))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// restoreToLayer puts qty back on a layer, refusing to exceed qty_received.
func restoreToLayer(tx *gorm.DB, layerId int, qty decimal.Decimal) (bool, error) {
	res := tx.Model(&models.CostLayer{}).
		Where("id = ? AND qty_remaining + ? <= qty_received", layerId, qty).
		Update("qty_remaining", gorm.Expr("qty_remaining + ?", qty))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
