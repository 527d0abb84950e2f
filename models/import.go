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
	"gorm.io/gorm/clause"
)

// FullImportRow supplies complete period figures as produced by an external
// authoritative report. The pipeline writes them verbatim; nothing is
// re-derived from business rules.
type FullImportRow struct {
	RowNumber    int              `json:"row_number"`
	ItemId       int              `json:"item_id"`
	Name         string           `json:"name"`
	Unit         string           `json:"unit"`
	CategoryName string           `json:"category_name"`
	Route        string           `json:"route"`
	Strength     string           `json:"strength"`
	Manufacturer string           `json:"manufacturer"`
	ExpiryDate   *time.Time       `json:"expiry_date"`

	OpeningQty       decimal.Decimal `json:"opening_qty"`
	OpeningUnitPrice decimal.Decimal `json:"opening_unit_price"`

	InboundQty       decimal.Decimal  `json:"inbound_qty"`
	InboundUnitPrice decimal.Decimal  `json:"inbound_unit_price"`
	InboundAmount    *decimal.Decimal `json:"inbound_amount"`

	OutboundQty       decimal.Decimal  `json:"outbound_qty"`
	OutboundUnitPrice decimal.Decimal  `json:"outbound_unit_price"`
	OutboundAmount    *decimal.Decimal `json:"outbound_amount"`

	ClosingQty       decimal.Decimal  `json:"closing_qty"`
	ClosingUnitPrice decimal.Decimal  `json:"closing_unit_price"`
	ClosingAmount    *decimal.Decimal `json:"closing_amount"`

	YtdInboundQty        decimal.Decimal `json:"ytd_inbound_qty"`
	YtdInboundUnitPrice  decimal.Decimal `json:"ytd_inbound_unit_price"`
	YtdInboundAmount     decimal.Decimal `json:"ytd_inbound_amount"`
	YtdOutboundQty       decimal.Decimal `json:"ytd_outbound_qty"`
	YtdOutboundUnitPrice decimal.Decimal `json:"ytd_outbound_unit_price"`
	YtdOutboundAmount    decimal.Decimal `json:"ytd_outbound_amount"`

	SuggestedQty       decimal.Decimal  `json:"suggested_qty"`
	SuggestedUnitPrice decimal.Decimal  `json:"suggested_unit_price"`
	SuggestedAmount    *decimal.Decimal `json:"suggested_amount"`
}

type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// ImportSummary reports what a bulk import did. Row failures never abort the
// batch; they land here and the remaining rows proceed.
type ImportSummary struct {
	Created int        `json:"created"`
	Updated int        `json:"updated"`
	Errors  []RowError `json:"errors"`
}

func (s *ImportSummary) addError(row int, err error) {
	s.Errors = append(s.Errors, RowError{Row: row, Message: err.Error()})
}

// ConsumptionSumFunc aggregates the consumption already recorded elsewhere
// for an item within a month, returning (quantity, amount). Injected so the
// simplified import does not hard-wire where dispensing events live.
type ConsumptionSumFunc func(ctx context.Context, tx *gorm.DB, itemId int, month int, year int) (decimal.Decimal, decimal.Decimal, error)

// amountOrProduct resolves a row's amount field: the supplied figure when
// present, qty x price otherwise.
func amountOrProduct(amount *decimal.Decimal, qty decimal.Decimal, price decimal.Decimal) decimal.Decimal {
	if amount != nil {
		return *amount
	}
	return qty.Mul(price)
}

// ImportFullBalances writes authoritative period figures row by row. Each
// row runs in its own transaction so one bad row cannot poison the batch,
// and re-running the same import converges on the latest supplied values.
func ImportFullBalances(ctx context.Context, month int, year int, rows []FullImportRow) (*ImportSummary, error) {

	if err := validatePeriod(month, year); err != nil {
		return nil, err
	}

	release, err := utils.ImportLock(ctx, "fullBalances", "models/import.go", "ImportFullBalances")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	summary := &ImportSummary{}

	for i, row := range rows {
		rowNumber := row.RowNumber
		if rowNumber == 0 {
			rowNumber = i + 1
		}

		created := false
		itemId := 0
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			item, err := resolveImportItem(ctx, tx, row.ItemId, row.Name, row.Unit, row.CategoryName, row.Route, row.Strength, row.Manufacturer)
			if err != nil {
				return err
			}
			itemId = item.ID

			// lock the row so a concurrent RecordEntry commits either before
			// this read or after this row's save, never in between
			var period BalancePeriod
			err = tx.WithContext(ctx).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("item_id = ? AND month = ? AND year = ?", item.ID, month, year).
				First(&period).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				period = BalancePeriod{ItemId: item.ID, Month: month, Year: year}
				created = true
			} else if err != nil {
				return err
			}

			period.OpeningQty = row.OpeningQty
			period.OpeningUnitPrice = row.OpeningUnitPrice
			period.InboundQty = row.InboundQty
			period.InboundUnitPrice = row.InboundUnitPrice
			period.InboundAmount = amountOrProduct(row.InboundAmount, row.InboundQty, row.InboundUnitPrice)
			period.OutboundQty = row.OutboundQty
			period.OutboundUnitPrice = row.OutboundUnitPrice
			period.OutboundAmount = amountOrProduct(row.OutboundAmount, row.OutboundQty, row.OutboundUnitPrice)
			period.ClosingQty = row.ClosingQty
			period.ClosingUnitPrice = row.ClosingUnitPrice
			period.ClosingAmount = amountOrProduct(row.ClosingAmount, row.ClosingQty, row.ClosingUnitPrice)
			period.YtdInboundQty = row.YtdInboundQty
			period.YtdInboundUnitPrice = row.YtdInboundUnitPrice
			period.YtdInboundAmount = row.YtdInboundAmount
			period.YtdOutboundQty = row.YtdOutboundQty
			period.YtdOutboundUnitPrice = row.YtdOutboundUnitPrice
			period.YtdOutboundAmount = row.YtdOutboundAmount
			period.SuggestedQty = row.SuggestedQty
			period.SuggestedUnitPrice = row.SuggestedUnitPrice
			period.SuggestedAmount = amountOrProduct(row.SuggestedAmount, row.SuggestedQty, row.SuggestedUnitPrice)
			period.ExpiryDate = row.ExpiryDate

			return saveBalancePeriodTx(ctx, tx, &period)
		})
		if err != nil {
			summary.addError(rowNumber, err)
			continue
		}
		invalidateStockCache(itemId)
		if created {
			summary.Created++
		} else {
			summary.Updated++
		}
	}

	return summary, nil
}

// ImportSimplifiedBalances derives full period figures from rows that only
// carry inbound and suggested-purchase data. consumption may be nil, in
// which case the module's own outbound ledger entries supply the aggregate.
func ImportSimplifiedBalances(ctx context.Context, wb *ParsedWorkbook, consumption ConsumptionSumFunc) (*ImportSummary, error) {

	if err := validatePeriod(wb.Month, wb.Year); err != nil {
		return nil, err
	}
	if consumption == nil {
		consumption = sumConsumptionForMonth
	}

	release, err := utils.ImportLock(ctx, "simplifiedBalances", "models/import.go", "ImportSimplifiedBalances")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	summary := &ImportSummary{}

	for _, rec := range wb.Records {
		if perr := rec.ParseError(); perr != nil {
			summary.addError(rec.RowNumber, perr)
			continue
		}

		created := false
		itemId := 0
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// the supplier belongs to the transaction (audit row), not the item
			item, err := resolveImportItem(ctx, tx, rec.ItemId, rec.Name, rec.Unit, rec.CategoryName, "", "", "")
			if err != nil {
				return err
			}
			itemId = item.ID

			// locked read: the save below writes back every derived column, so
			// a consumption entry committing mid-row must be serialized out
			var period BalancePeriod
			err = tx.WithContext(ctx).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("item_id = ? AND month = ? AND year = ?", item.ID, wb.Month, wb.Year).
				First(&period).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				created = true
				period = BalancePeriod{ItemId: item.ID, Month: wb.Month, Year: wb.Year}

				prior, err := latestPriorPeriod(ctx, tx, item.ID, wb.Month, wb.Year)
				if err != nil {
					return err
				}
				if prior != nil {
					period.OpeningQty = prior.ClosingQty
					period.OpeningUnitPrice = prior.ClosingUnitPrice
				}

				outQty, outAmount, err := consumption(ctx, tx, item.ID, wb.Month, wb.Year)
				if err != nil {
					return err
				}
				// consumption events without their own cost price fall back
				// to the opening price
				if outAmount.IsZero() && outQty.IsPositive() {
					outAmount = outQty.Mul(period.OpeningUnitPrice)
				}
				period.OutboundQty = outQty
				period.OutboundAmount = outAmount
				period.OutboundUnitPrice = safeDiv(outAmount, outQty)
			case err != nil:
				return err
			}

			// inbound and suggested figures always come from the row;
			// opening and outbound stay untouched on re-import
			period.InboundQty = rec.InboundQty
			period.InboundUnitPrice = rec.InboundUnitPrice
			period.InboundAmount = amountOrProduct(rec.InboundAmount, rec.InboundQty, rec.InboundUnitPrice)
			period.SuggestedQty = rec.SuggestedQty
			period.SuggestedUnitPrice = rec.SuggestedUnitPrice
			period.SuggestedAmount = amountOrProduct(rec.SuggestedAmount, rec.SuggestedQty, rec.SuggestedUnitPrice)
			if rec.ExpiryDate != nil {
				period.ExpiryDate = rec.ExpiryDate
			}

			period = RecomputeClosing(period)

			// year-to-date is recomputed from the period history rather than
			// carried incrementally, so re-imports of earlier months stay
			// correct
			if err := recomputeYearToDate(ctx, tx, &period); err != nil {
				return err
			}

			if err := saveBalancePeriodTx(ctx, tx, &period); err != nil {
				return err
			}

			return upsertImportLedgerEntry(ctx, tx, item.ID, &period, rec)
		})
		if err != nil {
			summary.addError(rec.RowNumber, err)
			continue
		}
		invalidateStockCache(itemId)
		if created {
			summary.Created++
		} else {
			summary.Updated++
		}
	}

	return summary, nil
}

// resolveImportItem finds the tracked item by explicit id when given, else
// by name, creating it when no match exists and a name was supplied.
func resolveImportItem(ctx context.Context, tx *gorm.DB, itemId int, name, unit, categoryName, route, strength, manufacturer string) (*TrackedItem, error) {
	if itemId != 0 {
		var item TrackedItem
		err := tx.WithContext(ctx).First(&item, itemId).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewValidationError("item %d not found", itemId)
		}
		if err != nil {
			return nil, err
		}
		return &item, nil
	}
	if name == "" {
		return nil, utils.NewValidationError("row has neither an item id nor a name")
	}
	return findOrCreateTrackedItem(ctx, tx, &NewTrackedItem{
		Name:         name,
		Unit:         unit,
		CategoryName: categoryName,
		Route:        route,
		Strength:     strength,
		Manufacturer: manufacturer,
	})
}

// recomputeYearToDate sums the item's periods from January through the
// period's month. The period itself must already hold its final monthly
// figures; its row in the database may be stale, so it is excluded from the
// query and added from the in-memory value.
func recomputeYearToDate(ctx context.Context, tx *gorm.DB, period *BalancePeriod) error {
	type totals struct {
		InQty     decimal.Decimal
		InAmount  decimal.Decimal
		OutQty    decimal.Decimal
		OutAmount decimal.Decimal
	}
	var t totals
	err := tx.WithContext(ctx).Model(&BalancePeriod{}).
		Select("COALESCE(SUM(inbound_qty), 0) AS in_qty, COALESCE(SUM(inbound_amount), 0) AS in_amount, "+
			"COALESCE(SUM(outbound_qty), 0) AS out_qty, COALESCE(SUM(outbound_amount), 0) AS out_amount").
		Where("item_id = ? AND year = ? AND month < ?", period.ItemId, period.Year, period.Month).
		Scan(&t).Error
	if err != nil {
		return err
	}

	period.YtdInboundQty = t.InQty.Add(period.InboundQty)
	period.YtdInboundAmount = t.InAmount.Add(period.InboundAmount)
	period.YtdInboundUnitPrice = safeDiv(period.YtdInboundAmount, period.YtdInboundQty)
	period.YtdOutboundQty = t.OutQty.Add(period.OutboundQty)
	period.YtdOutboundAmount = t.OutAmount.Add(period.OutboundAmount)
	period.YtdOutboundUnitPrice = safeDiv(period.YtdOutboundAmount, period.YtdOutboundQty)
	return nil
}

// importReferenceId encodes the period into the reference id so the audit
// row for (item, IMP, period) can be upserted instead of duplicated.
func importReferenceId(month int, year int) int {
	return year*100 + month
}

// upsertImportLedgerEntry keeps exactly one inbound audit row per
// (item, period) import, updating it in place on re-import.
func upsertImportLedgerEntry(ctx context.Context, tx *gorm.DB, itemId int, period *BalancePeriod, rec SimplifiedImportRow) error {
	refId := importReferenceId(period.Month, period.Year)

	entry := LedgerEntry{}
	err := tx.WithContext(ctx).
		Where("item_id = ? AND reference_type = ? AND reference_id = ? AND kind = ?",
			itemId, LedgerReferenceTypeImport, refId, LedgerEntryKindInbound).
		First(&entry).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	start, _ := utils.MonthRange(period.Month, period.Year)
	entry.ItemId = itemId
	entry.Kind = LedgerEntryKindInbound
	entry.Qty = period.InboundQty
	entry.UnitPrice = period.InboundUnitPrice
	entry.TotalAmount = period.InboundAmount
	entry.Month = period.Month
	entry.Year = period.Year
	entry.EntryDate = start
	entry.Supplier = rec.Supplier
	entry.ExpiryDate = rec.ExpiryDate
	entry.ReferenceType = LedgerReferenceTypeImport
	entry.ReferenceId = refId

	if entry.ID == 0 {
		return tx.WithContext(ctx).Create(&entry).Error
	}
	return tx.WithContext(ctx).Save(&entry).Error
}

// ImportSimplifiedWorkbook is the one-call ingestion boundary: parse the
// tokenized sheet, then run the simplified import.
func ImportSimplifiedWorkbook(ctx context.Context, title string, rows [][]string) (*ImportSummary, error) {
	wb, err := ParseWorkbook(title, rows)
	if err != nil {
		return nil, err
	}
	summary, err := ImportSimplifiedBalances(ctx, wb, nil)
	if err != nil {
		return nil, err
	}
	logger := config.GetLogger()
	if len(summary.Errors) > 0 {
		config.LogWarn(logger, "models/import.go", "ImportSimplifiedWorkbook",
			fmt.Sprintf("import finished with %d row errors", len(summary.Errors)),
			summary.Errors, "partial import")
	}
	return summary, nil
}
