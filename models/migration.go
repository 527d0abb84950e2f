package models

import (
	"log"

	"github.com/mmdatafocus/medstock_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&ItemCategory{}, &TrackedItem{},
		&BalancePeriod{},
		&LedgerEntry{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
