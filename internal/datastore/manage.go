package datastore

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/chavi-india/draw-agent/internal/errors"
	"github.com/chavi-india/draw-agent/internal/logging"
)

// performAutoMigration creates or updates the schema for every model.
func performAutoMigration(db *gorm.DB, debug bool) error {
	log := logging.ForService("datastore")
	if debug {
		log.Debug("running schema migration")
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return errors.New(fmt.Errorf("schema migration failed: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	return nil
}
