package models

import (
	"log"

	"github.com/cocoatrack/GeoParcel/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var DB *gorm.DB

func InitDB() {
	var err error
	DB, err = gorm.Open(postgres.Open(config.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	DB.NamingStrategy = schema.NamingStrategy{
		SingularTable: true,
	}

	if err := MigrateAllTables(DB); err != nil {
		log.Printf("Failed to migrate tables: %v", err)
	}
}

// MigrateAllTables creates or updates every table the import pipeline owns.
func MigrateAllTables(db *gorm.DB) error {
	tables := []interface{}{
		&ImportFile{},
		&Parcelle{},
		&Producteur{},
	}

	return db.AutoMigrate(tables...)
}
