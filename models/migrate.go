package models

import (
	"log"

	"bitbucket.org/mmdatafocus/billing_jobs/config"
)

// MigrateTable runs AutoMigrate for every table this service owns.
// AutoMigrate can run DDL that blocks tables; callers may skip it on startup
// via SKIP_MIGRATIONS and run it as a separate job instead.
func MigrateTable() {
	db := config.GetDB()
	if db == nil {
		log.Panic("MigrateTable called before database connection")
	}
	err := db.AutoMigrate(
		&IdempotencyRecord{},
		&DeadLetterEntry{},
		&Invoice{},
		&Contract{},
	)
	if err != nil {
		log.Panicf("auto migrate failed: %v", err)
	}
}
