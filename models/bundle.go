package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProductBundle marks a SKU as a kit that explodes into component SKUs
// at allocation time. Bundles never own cost layers themselves.
type ProductBundle struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index:uniq_bundle_sku,unique" json:"business_id"`
	BundleSku  string    `gorm:"size:100;not null;index:uniq_bundle_sku,unique" json:"bundle_sku"`
	Name       string    `gorm:"size:255" json:"name"`
	CreatedBy  string    `gorm:"size:100" json:"created_by"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Components []BundleComponent `gorm:"foreignKey:BundleId" json:"components"`
}

// BundleComponent is one line of a bundle recipe. Position preserves the
// author's component order so allocation walks components deterministically.
type BundleComponent struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BundleId     int             `gorm:"not null;index:uniq_bundle_component,unique" json:"bundle_id"`
	ComponentSku string          `gorm:"size:100;not null;index:uniq_bundle_component,unique" json:"component_sku"`
	QtyPerSet    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_per_set"`
	Position     int             `gorm:"not null;default:0" json:"position"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// GetBundleBySku loads a bundle and its recipe in component order.
// Returns gorm.ErrRecordNotFound when the SKU is not a bundle.
func GetBundleBySku(ctx context.Context, tx *gorm.DB, businessId string, bundleSku string) (*ProductBundle, error) {
	var bundle ProductBundle
	err := tx.WithContext(ctx).
		Preload("Components", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC, id ASC")
		}).
		Where("business_id = ? AND bundle_sku = ?", businessId, bundleSku).
		First(&bundle).Error
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

// IsBundleSku reports whether the SKU has a recipe, without loading it.
func IsBundleSku(ctx context.Context, tx *gorm.DB, businessId string, sku string) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&ProductBundle{}).
		Where("business_id = ? AND bundle_sku = ?", businessId, sku).
		Count(&count).Error
	return count > 0, err
}

// UpsertBundleRecipe replaces the recipe of a bundle SKU atomically:
// the header row is created or kept, old components are dropped and the
// new ordered set inserted. Caller wraps this in a transaction.
func UpsertBundleRecipe(ctx context.Context, tx *gorm.DB, bundle *ProductBundle) error {
	var existing ProductBundle
	err := tx.WithContext(ctx).
		Where("business_id = ? AND bundle_sku = ?", bundle.BusinessId, bundle.BundleSku).
		First(&existing).Error
	if err == nil {
		bundle.ID = existing.ID
		updates := map[string]interface{}{
			"name": bundle.Name,
		}
		if err := tx.WithContext(ctx).Model(&ProductBundle{}).
			Where("id = ?", existing.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).
			Where("bundle_id = ?", existing.ID).
			Delete(&BundleComponent{}).Error; err != nil {
			return err
		}
	} else if err == gorm.ErrRecordNotFound {
		components := bundle.Components
		bundle.Components = nil
		if err := tx.WithContext(ctx).Create(bundle).Error; err != nil {
			return err
		}
		bundle.Components = components
	} else {
		return err
	}

	for i := range bundle.Components {
		bundle.Components[i].ID = 0
		bundle.Components[i].BundleId = bundle.ID
		bundle.Components[i].Position = i
	}
	if len(bundle.Components) > 0 {
		if err := tx.WithContext(ctx).Create(&bundle.Components).Error; err != nil {
			return err
		}
	}
	return nil
}
