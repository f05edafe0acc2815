package database

import (
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AutoMigrate создаёт и дополняет таблицы. Выполняется на старте процесса.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&User{},
		&Master{},
		&Order{},
		&StatusHistory{},
		&AuditLog{},
		&EntityHistory{},
		&SpecializationRate{},
	); err != nil {
		return err
	}
	return seedDefaultRate(db)
}

// seedDefaultRate гарантирует дефолтную ставку 50/50, по которой
// считается прибыль для специализаций без собственной ставки.
func seedDefaultRate(db *gorm.DB) error {
	var rate SpecializationRate
	err := db.Where("is_default = ?", true).First(&rate).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	half := decimal.NewFromInt(50)
	return db.Create(&SpecializationRate{
		Name:              "default",
		MasterPercentage:  half,
		CompanyPercentage: half,
		IsDefault:         true,
	}).Error
}
