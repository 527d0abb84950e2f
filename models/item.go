package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/medstock_backend/config"
	"github.com/mmdatafocus/medstock_backend/utils"
	"gorm.io/gorm"
)

type ItemCategory struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:255;uniqueIndex;not null" json:"name"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TrackedItem is one medicine or supply whose stock is tracked per month.
// Route/Strength/Manufacturer are display-only and never feed arithmetic.
type TrackedItem struct {
	ID           int           `gorm:"primary_key" json:"id"`
	Name         string        `gorm:"size:255;uniqueIndex;not null" json:"name"`
	CategoryId   int           `gorm:"index" json:"category_id"`
	Category     *ItemCategory `gorm:"foreignKey:CategoryId" json:"category,omitempty"`
	Unit         string        `gorm:"size:50" json:"unit"`
	Route        string        `gorm:"size:100" json:"route"`
	Strength     string        `gorm:"size:100" json:"strength"`
	Manufacturer string        `gorm:"size:255" json:"manufacturer"`
	IsActive     *bool         `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewTrackedItem struct {
	Name         string `json:"name" validate:"required"`
	CategoryName string `json:"category_name"`
	Unit         string `json:"unit" validate:"required"`
	Route        string `json:"route"`
	Strength     string `json:"strength"`
	Manufacturer string `json:"manufacturer"`
}

var validate = validator.New()

func CreateTrackedItem(ctx context.Context, input *NewTrackedItem) (*TrackedItem, error) {

	if err := validate.Struct(input); err != nil {
		return nil, utils.NewValidationError("invalid item input: %v", utils.ProcessValidationErrors(err))
	}

	db := config.GetDB()
	var item *TrackedItem
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		item, txErr = findOrCreateTrackedItem(ctx, tx, input)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// findOrCreateTrackedItem resolves an item by name, creating it (and its
// category) on first reference. Must run inside the caller's transaction.
func findOrCreateTrackedItem(ctx context.Context, tx *gorm.DB, input *NewTrackedItem) (*TrackedItem, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, utils.NewValidationError("item name is required")
	}

	var item TrackedItem
	err := tx.WithContext(ctx).Where("name = ?", name).First(&item).Error
	if err == nil {
		return &item, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("error finding item: %v", err)
	}

	categoryId := 0
	if strings.TrimSpace(input.CategoryName) != "" {
		category, err := FindOrCreateItemCategory(ctx, tx, input.CategoryName)
		if err != nil {
			return nil, err
		}
		categoryId = category.ID
	}

	item = TrackedItem{
		Name:         name,
		CategoryId:   categoryId,
		Unit:         strings.TrimSpace(input.Unit),
		Route:        input.Route,
		Strength:     input.Strength,
		Manufacturer: input.Manufacturer,
		IsActive:     utils.NewTrue(),
	}
	if err := tx.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, fmt.Errorf("could not create item: %v", err)
	}
	return &item, nil
}

func FindOrCreateItemCategory(ctx context.Context, tx *gorm.DB, categoryName string) (*ItemCategory, error) {
	categoryName = strings.TrimSpace(categoryName)
	var category ItemCategory
	err := tx.WithContext(ctx).Where("name = ?", categoryName).First(&category).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("error finding category: %v", err)
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		category = ItemCategory{
			Name:     categoryName,
			IsActive: utils.NewTrue(),
		}
		if err := tx.WithContext(ctx).Create(&category).Error; err != nil {
			return nil, fmt.Errorf("could not create category: %v", err)
		}
	}

	return &category, nil
}

func GetTrackedItem(ctx context.Context, id int) (*TrackedItem, error) {
	return utils.FetchModel[TrackedItem](ctx, id, "Category")
}

func GetItemCategories(ctx context.Context) ([]*ItemCategory, error) {
	return utils.FetchAllModels[ItemCategory](ctx)
}

func GetTrackedItems(ctx context.Context, name *string) ([]*TrackedItem, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Preload("Category")
	if name != nil && *name != "" {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%").Limit(config.SearchLimit)
	}
	var items []*TrackedItem
	if err := dbCtx.Order("name").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// ToggleActiveTrackedItem soft-deactivates (or reactivates) an item.
// Items are never hard-deleted; their balance history must survive.
func ToggleActiveTrackedItem(ctx context.Context, id int, isActive bool) (*TrackedItem, error) {
	item, err := utils.FetchModel[TrackedItem](ctx, id)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(item).Update("is_active", isActive).Error; err != nil {
		return nil, err
	}
	return item, nil
}
