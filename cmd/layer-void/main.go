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
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	layerID := flag.Int("layer-id", 0, "Required: cost_layers.id to void")
	reason := flag.String("reason", "Manual layer void", "Void reason")
	cascade := flag.Bool("cascade", false, "Force-reverse consumption lines on the layer")
	actor := flag.String("actor", "ops-cli", "Recorded as voided_by / created_by")
	dryRun := flag.Bool("dry-run", true, "Show record only (no writes)")
	confirm := flag.String("confirm", "", "Type VOID to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" || *layerID <= 0 {
		fmt.Fprintln(os.Stderr, "--business-id and --layer-id are required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "VOID" {
		fmt.Fprintln(os.Stderr, "set --confirm=VOID to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	if *dryRun {
		printLayer(db, *businessID, *layerID)
		return
	}

	logger := logrus.New()
	cid := uuid.NewString()
	var result *workflow.LayerVoidResult
	if err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		if *cascade {
			result, err = workflow.VoidCostLayerWithReversal(tx, logger, *businessID, *layerID, *reason, *actor, cid)
		} else {
			result, err = workflow.VoidCostLayer(tx, logger, *businessID, *layerID, *reason, *actor)
		}
		return err
	}); err != nil {
		fmt.Fprintf(os.Stderr, "void failed: %v\n", err)
		os.Exit(1)
	}

	if result.AlreadyVoided {
		fmt.Println("layer already voided; nothing to do")
		return
	}
	fmt.Printf("layer voided: id=%d sku=%s reversed_lines=%d released_guards=%d correlation_id=%s\n",
		result.Layer.ID, result.Layer.Sku, len(result.ReversedLines), result.ReleasedGuards, cid)
}

func printLayer(db *gorm.DB, businessID string, layerID int) {
	var layer models.CostLayer
	if err := db.
		Where("business_id = ? AND id = ?", businessID, layerID).
		First(&layer).Error; err != nil {
		fmt.Fprintf(os.Stderr, "not found: %v\n", err)
		os.Exit(1)
	}
	voided := layer.IsVoided != nil && *layer.IsVoided
	fmt.Printf("id=%d business_id=%s sku=%s qty_received=%s qty_remaining=%s unit_cost=%s reference=%s:%s received_at=%s is_voided=%v\n",
		layer.ID, layer.BusinessId, layer.Sku, layer.QtyReceived.String(), layer.QtyRemaining.String(),
		layer.UnitCost.String(), layer.ReferenceType, layer.ReferenceId,
		layer.ReceivedAt.Format("2006-01-02 15:04:05"), voided)

	lines, err := models.GetActiveAllocationsByLayer(db, businessID, layerID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading consumption: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("active consumption lines: %d\n", len(lines))
	for _, l := range lines {
		fmt.Printf("  allocation id=%d order_id=%s sku=%s qty=%s amount=%s\n",
			l.ID, l.OrderId, l.Sku, l.Qty.String(), l.Amount.String())
	}
}
