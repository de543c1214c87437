package models

import (
	"log"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	db := config.GetDB()

	if err := MigrateTableOn(db); err != nil {
		log.Fatal(err)
	}
}

// MigrateTableOn runs the migrations against an explicit handle.
// Admin tools and tests use this instead of the global connection.
func MigrateTableOn(db *gorm.DB) error {
	return db.AutoMigrate(
		&CostLayer{},
		&CogsAllocation{}, &AllocationGuard{},
		&ProductBundle{}, &BundleComponent{},
		&RebuildOutboxRecord{},
	)
}
