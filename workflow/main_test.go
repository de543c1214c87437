package workflow

import (
	"fmt"
	"io"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testBusinessId = "11111111-2222-3333-4444-555555555555"

// newTestDB opens a private in-memory database per test. The shared
// cache keeps all pooled connections on the same database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := models.MigrateTableOn(db); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func mustReceiveLayer(t *testing.T, db *gorm.DB, sku string, qty string, unitCost string, receivedAt time.Time, refId string) *models.CostLayer {
	t.Helper()
	layer, created, err := ReceiveCostLayer(db, newTestLogger(), &ReceiveCostLayerInput{
		BusinessId:    testBusinessId,
		Sku:           sku,
		Qty:           dec(qty),
		UnitCost:      dec(unitCost),
		ReceivedAt:    receivedAt,
		ReferenceType: models.LayerReferenceTypeStockIn,
		ReferenceId:   refId,
		CreatedBy:     "test",
	})
	if err != nil {
		t.Fatalf("receiving layer %s: %v", refId, err)
	}
	if !created {
		t.Fatalf("layer %s already existed", refId)
	}
	return layer
}

func mustAllocate(t *testing.T, db *gorm.DB, orderId string, sku string, qty string, method models.CostingMethod) *models.AllocationResult {
	t.Helper()
	res, err := ApplyCOGSForOrderShipped(db, newTestLogger(), &AllocateCOGSInput{
		BusinessId: testBusinessId,
		OrderId:    orderId,
		Sku:        sku,
		Qty:        dec(qty),
		ShippedAt:  time.Now().UTC(),
		Method:     method,
		CreatedBy:  "test",
	})
	if err != nil {
		t.Fatalf("allocating %s/%s: %v", orderId, sku, err)
	}
	return res
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func reloadLayer(t *testing.T, db *gorm.DB, id int) *models.CostLayer {
	t.Helper()
	var layer models.CostLayer
	if err := db.First(&layer, id).Error; err != nil {
		t.Fatalf("reloading layer %d: %v", id, err)
	}
	return &layer
}

func countGuards(t *testing.T, db *gorm.DB, orderId string, sku string) int64 {
	t.Helper()
	var n int64
	q := db.Model(&models.AllocationGuard{}).Where("business_id = ? AND order_id = ?", testBusinessId, orderId)
	if sku != "" {
		q = q.Where("sku = ?", sku)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("counting guards: %v", err)
	}
	return n
}

func ledgerLines(t *testing.T, db *gorm.DB, orderId string, sku string) []*models.CogsAllocation {
	t.Helper()
	var lines []*models.CogsAllocation
	q := db.Where("business_id = ? AND order_id = ?", testBusinessId, orderId).Order("id ASC")
	if sku != "" {
		q = q.Where("sku = ?", sku)
	}
	if err := q.Find(&lines).Error; err != nil {
		t.Fatalf("loading ledger: %v", err)
	}
	return lines
}

func netLedgerAmount(t *testing.T, db *gorm.DB, orderId string, sku string) decimal.Decimal {
	t.Helper()
	total := decimal.Zero
	for _, l := range ledgerLines(t, db, orderId, sku) {
		total = total.Add(l.Amount)
	}
	return total
}
