package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"remontbot/database"
)

type RateRepository struct {
	db *gorm.DB
}

func NewRateRepository(db *gorm.DB) *RateRepository {
	return &RateRepository{db: db}
}

// GetBySpecialization возвращает ставку специализации, а при её
// отсутствии — дефолтную 50/50.
func (r *RateRepository) GetBySpecialization(ctx context.Context, name string) (*database.SpecializationRate, error) {
	var rate database.SpecializationRate
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&rate).Error
	if err == nil {
		return &rate, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return r.GetDefault(ctx)
}

func (r *RateRepository) GetDefault(ctx context.Context) (*database.SpecializationRate, error) {
	var rate database.SpecializationRate
	err := r.db.WithContext(ctx).Where("is_default = ?", true).First(&rate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// сид миграции не отработал — считаем 50/50
		half := decimal.NewFromInt(50)
		return &database.SpecializationRate{
			Name:              "default",
			MasterPercentage:  half,
			CompanyPercentage: half,
			IsDefault:         true,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &rate, nil
}

// Upsert создаёт или обновляет ставку. Доли должны давать в сумме 100
// с точностью 0.01.
func (r *RateRepository) Upsert(ctx context.Context, name string, masterPct, companyPct decimal.Decimal) error {
	sum := masterPct.Add(companyPct)
	if sum.Sub(decimal.NewFromInt(100)).Abs().GreaterThan(decimal.NewFromFloat(0.01)) {
		return fmt.Errorf("доли %s и %s не дают 100", masterPct, companyPct)
	}
	hundred := decimal.NewFromInt(100)
	zero := decimal.Zero
	if masterPct.LessThan(zero) || masterPct.GreaterThan(hundred) ||
		companyPct.LessThan(zero) || companyPct.GreaterThan(hundred) {
		return errors.New("доли должны быть в пределах [0,100]")
	}

	db := r.db.WithContext(ctx)
	var rate database.SpecializationRate
	err := db.Where("name = ?", name).First(&rate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Create(&database.SpecializationRate{
			Name:              name,
			MasterPercentage:  masterPct,
			CompanyPercentage: companyPct,
		}).Error
	}
	if err != nil {
		return err
	}
	return db.Model(&rate).Updates(map[string]any{
		"master_percentage":  masterPct,
		"company_percentage": companyPct,
	}).Error
}

func (r *RateRepository) List(ctx context.Context) ([]database.SpecializationRate, error) {
	var rates []database.SpecializationRate
	if err := r.db.WithContext(ctx).Order("name").Find(&rates).Error; err != nil {
		return nil, err
	}
	return rates, nil
}
