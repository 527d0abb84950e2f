package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/medstock_backend/config"
	"github.com/mmdatafocus/medstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BalancePeriod is the stock position of one item in one calendar month.
// One row per (item_id, month, year); closing figures are always derived by
// the balance engine, never written directly by callers.
type BalancePeriod struct {
	ID     int `gorm:"primary_key" json:"id"`
	ItemId int `gorm:"not null;uniqueIndex:idx_item_period" json:"item_id"`
	Month  int `gorm:"not null;uniqueIndex:idx_item_period" json:"month"`
	Year   int `gorm:"not null;uniqueIndex:idx_item_period" json:"year"`

	OpeningQty       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"opening_qty"`
	OpeningUnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"opening_unit_price"`

	InboundQty       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"inbound_qty"`
	InboundUnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"inbound_unit_price"`
	InboundAmount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"inbound_amount"`

	OutboundQty       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"outbound_qty"`
	OutboundUnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"outbound_unit_price"`
	OutboundAmount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"outbound_amount"`

	ClosingQty       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"closing_qty"`
	ClosingUnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"closing_unit_price"`
	ClosingAmount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"closing_amount"`

	YtdInboundQty        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"ytd_inbound_qty"`
	YtdInboundUnitPrice  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"ytd_inbound_unit_price"`
	YtdInboundAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"ytd_inbound_amount"`
	YtdOutboundQty       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"ytd_outbound_qty"`
	YtdOutboundUnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"ytd_outbound_unit_price"`
	YtdOutboundAmount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"ytd_outbound_amount"`

	// advisory only, never feeds the balance equations
	SuggestedQty       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"suggested_qty"`
	SuggestedUnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"suggested_unit_price"`
	SuggestedAmount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"suggested_amount"`

	ExpiryDate *time.Time `json:"expiry_date"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *BalancePeriod) PeriodKey() string {
	return fmt.Sprintf("%d:%d-%02d", p.ItemId, p.Year, p.Month)
}

func validatePeriod(month int, year int) error {
	if month < 1 || month > 12 {
		return utils.NewValidationError("invalid month %d", month)
	}
	if year < 1900 || year > 9999 {
		return utils.NewValidationError("invalid year %d", year)
	}
	return nil
}

func GetBalancePeriod(ctx context.Context, itemId int, month int, year int) (*BalancePeriod, error) {
	if err := validatePeriod(month, year); err != nil {
		return nil, err
	}
	db := config.GetDB()
	var period BalancePeriod
	err := db.WithContext(ctx).
		Where("item_id = ? AND month = ? AND year = ?", itemId, month, year).
		First(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &period, nil
}

// latestPriorPeriod returns the most recent period strictly before
// (month, year) for the item, or nil when none exists.
func latestPriorPeriod(ctx context.Context, tx *gorm.DB, itemId int, month int, year int) (*BalancePeriod, error) {
	var prior BalancePeriod
	err := tx.WithContext(ctx).
		Where("item_id = ? AND (year < ? OR (year = ? AND month < ?))", itemId, year, year, month).
		Order("year DESC, month DESC").
		First(&prior).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &prior, nil
}

// getOrCreateBalancePeriodTx loads the period row under a FOR UPDATE lock,
// creating it by carry-forward when absent. Two writers racing on the same
// (item, month, year) are serialized: the loser of a duplicate-key insert
// retries the locked read, so both end up read-modify-writing the same row.
func getOrCreateBalancePeriodTx(ctx context.Context, tx *gorm.DB, itemId int, month int, year int) (*BalancePeriod, error) {
	if err := validatePeriod(month, year); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		var period BalancePeriod
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("item_id = ? AND month = ? AND year = ?", itemId, month, year).
			First(&period).Error
		if err == nil {
			return &period, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}

		period = BalancePeriod{ItemId: itemId, Month: month, Year: year}
		prior, err := latestPriorPeriod(ctx, tx, itemId, month, year)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			period.OpeningQty = prior.ClosingQty
			period.OpeningUnitPrice = prior.ClosingUnitPrice
			// Year-to-date figures carry only within the same calendar year.
			if prior.Year == year {
				period.YtdInboundQty = prior.YtdInboundQty
				period.YtdInboundUnitPrice = prior.YtdInboundUnitPrice
				period.YtdInboundAmount = prior.YtdInboundAmount
				period.YtdOutboundQty = prior.YtdOutboundQty
				period.YtdOutboundUnitPrice = prior.YtdOutboundUnitPrice
				period.YtdOutboundAmount = prior.YtdOutboundAmount
			}
		}
		period = RecomputeClosing(period)

		if err := tx.WithContext(ctx).Create(&period).Error; err != nil {
			if isDuplicateKeyError(err) {
				// a concurrent writer created the row first; re-read it locked
				continue
			}
			return nil, err
		}
		return &period, nil
	}

	return nil, &utils.ConflictError{
		Key: fmt.Sprintf("%d:%d-%02d", itemId, year, month),
		Err: errors.New("could not acquire period row after insert conflict"),
	}
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// mysql error 1062
	return err != nil && strings.Contains(err.Error(), "Duplicate entry")
}

// GetOrCreateBalancePeriod is the standalone form for callers that are not
// already inside a transaction.
func GetOrCreateBalancePeriod(ctx context.Context, itemId int, month int, year int) (*BalancePeriod, error) {
	db := config.GetDB()
	var period *BalancePeriod
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		period, txErr = getOrCreateBalancePeriodTx(ctx, tx, itemId, month, year)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return period, nil
}

func saveBalancePeriodTx(ctx context.Context, tx *gorm.DB, period *BalancePeriod) error {
	return tx.WithContext(ctx).Save(period).Error
}

// invalidateStockCache drops the cached current-stock view for the item.
// Must run after the owning transaction commits: deleting the key earlier
// lets a concurrent read re-cache the pre-commit row, and a cache failure
// must never roll back a correct period write.
func invalidateStockCache(itemId int) {
	if err := config.RemoveRedisKey(currentStockCacheKey(itemId)); err != nil {
		config.LogError(config.GetLogger(), "models/balancePeriod.go", "invalidateStockCache",
			"cache invalidation failed", itemId, err)
	}
}
