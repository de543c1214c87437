package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/workflow"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	orderID := flag.String("order-id", "", "Required: order to clear")
	sku := flag.String("sku", "", "Optional: clear only this sku of the order")
	reason := flag.String("reason", "Manual allocation clear", "Clear reason")
	actor := flag.String("actor", "ops-cli", "Recorded as created_by on offset rows")
	dryRun := flag.Bool("dry-run", true, "Show active allocations only (no writes)")
	confirm := flag.String("confirm", "", "Type CLEAR to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" || strings.TrimSpace(*orderID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id and --order-id are required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "CLEAR" {
		fmt.Fprintln(os.Stderr, "set --confirm=CLEAR to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	if *dryRun {
		printActiveAllocations(db, *businessID, *orderID, *sku)
		return
	}

	logger := logrus.New()
	cid := uuid.NewString()
	var results []*workflow.ReversalResult
	if err := db.Transaction(func(tx *gorm.DB) error {
		if *sku != "" {
			res, err := workflow.ClearOrderKey(tx, logger, *businessID, *orderID, *sku, *reason, *actor, cid)
			if err != nil {
				return err
			}
			results = []*workflow.ReversalResult{res}
			return nil
		}
		var err error
		results, err = workflow.ClearOrderAllocations(tx, logger, *businessID, *orderID, *reason, *actor, cid)
		return err
	}); err != nil {
		fmt.Fprintf(os.Stderr, "clear failed: %v\n", err)
		os.Exit(1)
	}

	totalQty := decimal.Zero
	totalAmount := decimal.Zero
	for _, res := range results {
		totalQty = totalQty.Add(res.ReversedQty)
		totalAmount = totalAmount.Add(res.ReversedAmount)
	}
	fmt.Printf("cleared %d key(s): reversed_qty=%s reversed_amount=%s correlation_id=%s\n",
		len(results), totalQty.String(), totalAmount.String(), cid)
}

func printActiveAllocations(db *gorm.DB, businessID string, orderID string, sku string) {
	q := db.
		Where("business_id = ? AND order_id = ? AND is_reversal = ? AND reversed_at IS NULL", businessID, orderID, false).
		Order("id ASC")
	if sku != "" {
		q = q.Where("sku = ?", sku)
	}
	var lines []*models.CogsAllocation
	if err := q.Find(&lines).Error; err != nil {
		fmt.Fprintf(os.Stderr, "loading allocations: %v\n", err)
		os.Exit(1)
	}
	if len(lines) == 0 {
		fmt.Println("no active allocations for this order")
		return
	}
	total := decimal.Zero
	for _, l := range lines {
		layerID := 0
		if l.LayerId != nil {
			layerID = *l.LayerId
		}
		fmt.Printf("id=%d sku=%s qty=%s unit_cost=%s amount=%s layer_id=%d method=%s shipped_at=%s\n",
			l.ID, l.Sku, l.Qty.String(), l.UnitCostUsed.String(), l.Amount.String(), layerID, l.Method,
			l.ShippedAt.Format("2006-01-02 15:04:05"))
		total = total.Add(l.Amount)
	}
	fmt.Printf("total active amount: %s\n", total.String())
}
