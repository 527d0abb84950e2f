package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/medstock_backend/config"
	"github.com/mmdatafocus/medstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BalanceTotals is the rollup shape shared by category subtotals and the
// grand total. Rollups are sums of the constituent rows' stored decimals,
// never re-derived from movements.
type BalanceTotals struct {
	OpeningQty     decimal.Decimal `json:"opening_qty"`
	OpeningAmount  decimal.Decimal `json:"opening_amount"`
	InboundQty     decimal.Decimal `json:"inbound_qty"`
	InboundAmount  decimal.Decimal `json:"inbound_amount"`
	OutboundQty    decimal.Decimal `json:"outbound_qty"`
	OutboundAmount decimal.Decimal `json:"outbound_amount"`
	ClosingQty     decimal.Decimal `json:"closing_qty"`
	ClosingAmount  decimal.Decimal `json:"closing_amount"`
}

func (t *BalanceTotals) addPeriod(p *BalancePeriod) {
	t.OpeningQty = t.OpeningQty.Add(p.OpeningQty)
	t.OpeningAmount = t.OpeningAmount.Add(p.OpeningQty.Mul(p.OpeningUnitPrice))
	t.InboundQty = t.InboundQty.Add(p.InboundQty)
	t.InboundAmount = t.InboundAmount.Add(p.InboundAmount)
	t.OutboundQty = t.OutboundQty.Add(p.OutboundQty)
	t.OutboundAmount = t.OutboundAmount.Add(p.OutboundAmount)
	t.ClosingQty = t.ClosingQty.Add(p.ClosingQty)
	t.ClosingAmount = t.ClosingAmount.Add(p.ClosingAmount)
}

type MonthlyBalanceRow struct {
	Item   *TrackedItem   `json:"item"`
	Period *BalancePeriod `json:"period"`
}

type CategoryBalanceGroup struct {
	CategoryId   int                 `json:"category_id"`
	CategoryName string              `json:"category_name"`
	Rows         []MonthlyBalanceRow `json:"rows"`
	Subtotal     BalanceTotals       `json:"subtotal"`
}

type MonthlyBalanceReport struct {
	Month      int                     `json:"month"`
	Year       int                     `json:"year"`
	Groups     []*CategoryBalanceGroup `json:"groups"`
	GrandTotal BalanceTotals           `json:"grand_total"`
}

// GetMonthlyBalanceReport aggregates every balance period of a month,
// grouped by item category with decimal subtotal and grand-total rollups.
func GetMonthlyBalanceReport(ctx context.Context, month int, year int) (*MonthlyBalanceReport, error) {
	if err := validatePeriod(month, year); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var periods []*BalancePeriod
	if err := db.WithContext(ctx).
		Where("month = ? AND year = ?", month, year).
		Find(&periods).Error; err != nil {
		return nil, err
	}

	report := &MonthlyBalanceReport{Month: month, Year: year}
	if len(periods) == 0 {
		return report, nil
	}

	itemIds := make([]int, 0, len(periods))
	for _, p := range periods {
		itemIds = append(itemIds, p.ItemId)
	}
	var items []*TrackedItem
	if err := db.WithContext(ctx).Preload("Category").
		Where("id IN (?)", itemIds).Find(&items).Error; err != nil {
		return nil, err
	}
	itemsById := make(map[int]*TrackedItem, len(items))
	for _, it := range items {
		itemsById[it.ID] = it
	}

	groupsById := make(map[int]*CategoryBalanceGroup)
	for _, p := range periods {
		item := itemsById[p.ItemId]
		if item == nil {
			continue
		}
		group, ok := groupsById[item.CategoryId]
		if !ok {
			group = &CategoryBalanceGroup{CategoryId: item.CategoryId}
			if item.Category != nil {
				group.CategoryName = item.Category.Name
			}
			groupsById[item.CategoryId] = group
			report.Groups = append(report.Groups, group)
		}
		group.Rows = append(group.Rows, MonthlyBalanceRow{Item: item, Period: p})
		group.Subtotal.addPeriod(p)
		report.GrandTotal.addPeriod(p)
	}

	return report, nil
}

func currentStockCacheKey(itemId int) string {
	return fmt.Sprintf("stockPeriod:%d", itemId)
}

// GetCurrentStock returns the item's most recent balance period, cached in
// redis until the next period save invalidates it.
func GetCurrentStock(ctx context.Context, itemId int) (*BalancePeriod, error) {
	cacheKey := currentStockCacheKey(itemId)

	var cached BalancePeriod
	if found, err := config.GetRedisObject(cacheKey, &cached); err == nil && found {
		return &cached, nil
	}

	db := config.GetDB()
	var period BalancePeriod
	err := db.WithContext(ctx).
		Where("item_id = ?", itemId).
		Order("year DESC, month DESC").
		First(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := config.SetRedisObject(cacheKey, &period, 10*time.Minute); err != nil {
		logger := config.GetLogger()
		config.LogError(logger, "models/report.go", "GetCurrentStock", "cache write failed", cacheKey, err)
	}
	return &period, nil
}

// GetExpiringItems lists the inbound ledger entries whose recorded expiry
// falls before the given date, oldest expiry first.
func GetExpiringItems(ctx context.Context, before time.Time) ([]*LedgerEntry, error) {
	db := config.GetDB()
	var entries []*LedgerEntry
	if err := db.WithContext(ctx).
		Where("expiry_date IS NOT NULL AND expiry_date < ? AND kind = ?", before, LedgerEntryKindInbound).
		Order("expiry_date").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
