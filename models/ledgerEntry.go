package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/medstock_backend/config"
	"github.com/mmdatafocus/medstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LedgerEntry is one immutable movement in the append-only transaction
// ledger. Entries are never edited; corrections happen by reversal.
type LedgerEntry struct {
	ID            int                 `gorm:"primary_key" json:"id"`
	ItemId        int                 `gorm:"not null;index:idx_entry_reference,priority:1" json:"item_id"`
	Kind          LedgerEntryKind     `gorm:"type:enum('IN','OUT','ADJ');not null;index:idx_entry_reference,priority:4" json:"kind"`
	Qty           decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"qty"`
	UnitPrice     decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	TotalAmount   decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	Month         int                 `gorm:"not null" json:"month"`
	Year          int                 `gorm:"not null" json:"year"`
	EntryDate     time.Time           `gorm:"not null" json:"entry_date"`
	BatchNumber   string              `gorm:"size:100" json:"batch_number"`
	Supplier      string              `gorm:"size:255" json:"supplier"`
	ExpiryDate    *time.Time          `json:"expiry_date"`
	ReferenceType LedgerReferenceType `gorm:"type:enum('DSP','IMP','MAN');index:idx_entry_reference,priority:2" json:"reference_type"`
	ReferenceId   int                 `gorm:"index:idx_entry_reference,priority:3" json:"reference_id"`
	// who caused the movement, from the request context
	CreatedByUserId int       `gorm:"index" json:"created_by_user_id"`
	CreatedByName   string    `gorm:"size:255" json:"created_by_name"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewLedgerEntry struct {
	ItemId        int                 `json:"item_id" validate:"required"`
	Kind          LedgerEntryKind     `json:"kind" validate:"required"`
	Qty           decimal.Decimal     `json:"qty"`
	UnitPrice     decimal.Decimal     `json:"unit_price"`
	EntryDate     time.Time           `json:"entry_date" validate:"required"`
	BatchNumber   string              `json:"batch_number"`
	Supplier      string              `json:"supplier"`
	ExpiryDate    *time.Time          `json:"expiry_date"`
	ReferenceType LedgerReferenceType `json:"reference_type"`
	ReferenceId   int                 `json:"reference_id"`
}

// RecordEntry appends a movement and, in the same transaction, applies it to
// the owning balance period. The period row is created lazily with opening
// figures carried from the most recent prior period.
func RecordEntry(ctx context.Context, input *NewLedgerEntry) (*LedgerEntry, error) {
	logger := config.GetLogger()

	if !input.Kind.IsValid() {
		return nil, utils.NewValidationError("invalid entry kind %q", input.Kind)
	}
	if input.ReferenceType == "" {
		input.ReferenceType = LedgerReferenceTypeManual
	}
	if !input.ReferenceType.IsValid() {
		return nil, utils.NewValidationError("invalid reference type %q", input.ReferenceType)
	}
	if input.EntryDate.IsZero() {
		return nil, utils.NewValidationError("entry date is required")
	}
	if _, err := GetTrackedItem(ctx, input.ItemId); err != nil {
		return nil, err
	}

	month := int(input.EntryDate.Month())
	year := input.EntryDate.Year()

	entry := LedgerEntry{
		ItemId:        input.ItemId,
		Kind:          input.Kind,
		Qty:           input.Qty,
		UnitPrice:     input.UnitPrice,
		TotalAmount:   input.Qty.Mul(input.UnitPrice),
		Month:         month,
		Year:          year,
		EntryDate:     input.EntryDate,
		BatchNumber:   input.BatchNumber,
		Supplier:      input.Supplier,
		ExpiryDate:    input.ExpiryDate,
		ReferenceType: input.ReferenceType,
		ReferenceId:   input.ReferenceId,
	}
	if userId, ok := utils.GetUserIdFromContext(ctx); ok {
		entry.CreatedByUserId = userId
	}
	if userName, ok := utils.GetUserNameFromContext(ctx); ok {
		entry.CreatedByName = userName
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		period, err := getOrCreateBalancePeriodTx(ctx, tx, input.ItemId, month, year)
		if err != nil {
			return err
		}

		updated := ApplyMovement(*period, input.Kind, input.Qty, input.UnitPrice)
		if updated.ClosingQty.IsNegative() {
			// over-issuance is surfaced, never blocked: physical corrections
			// arrive after the fact
			config.LogWarn(logger, "models/ledgerEntry.go", "RecordEntry",
				"negative closing quantity", updated.PeriodKey(), "closing quantity is negative after movement")
		}
		if err := saveBalancePeriodTx(ctx, tx, &updated); err != nil {
			return err
		}

		return tx.WithContext(ctx).Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	invalidateStockCache(input.ItemId)
	return &entry, nil
}

// ReverseEntries deletes every entry matching (itemId, referenceType,
// referenceId, kind) and backs their aggregate quantity/amount out of the
// owning period(s). Used when an upstream caller edits or cancels the event
// that caused the movement, so a since-corrected issuance does not become
// permanent stock loss. Returns the number of entries reversed.
func ReverseEntries(ctx context.Context, itemId int, referenceType LedgerReferenceType, referenceId int, kind LedgerEntryKind) (int, error) {

	db := config.GetDB()
	reversed := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entries []*LedgerEntry
		if err := tx.WithContext(ctx).
			Where("item_id = ? AND reference_type = ? AND reference_id = ? AND kind = ?",
				itemId, referenceType, referenceId, kind).
			Find(&entries).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		// aggregate per owning period before touching any row
		type aggregate struct {
			inQty, inAmount   decimal.Decimal
			outQty, outAmount decimal.Decimal
		}
		byPeriod := make(map[[2]int]*aggregate)
		for _, e := range entries {
			key := [2]int{e.Month, e.Year}
			agg, ok := byPeriod[key]
			if !ok {
				agg = &aggregate{}
				byPeriod[key] = agg
			}
			switch {
			case e.Kind == LedgerEntryKindInbound,
				e.Kind == LedgerEntryKindAdjustment && !e.Qty.IsNegative():
				agg.inQty = agg.inQty.Add(e.Qty.Abs())
				agg.inAmount = agg.inAmount.Add(e.TotalAmount.Abs())
			default:
				agg.outQty = agg.outQty.Add(e.Qty.Abs())
				agg.outAmount = agg.outAmount.Add(e.TotalAmount.Abs())
			}
		}

		for key, agg := range byPeriod {
			period, err := getOrCreateBalancePeriodTx(ctx, tx, itemId, key[0], key[1])
			if err != nil {
				return err
			}
			updated := *period
			if agg.outQty.IsPositive() || agg.outAmount.IsPositive() {
				updated = ReverseOutbound(updated, agg.outQty, agg.outAmount)
			}
			if agg.inQty.IsPositive() || agg.inAmount.IsPositive() {
				updated = ReverseInbound(updated, agg.inQty, agg.inAmount)
			}
			if err := saveBalancePeriodTx(ctx, tx, &updated); err != nil {
				return err
			}
		}

		result := tx.WithContext(ctx).
			Where("item_id = ? AND reference_type = ? AND reference_id = ? AND kind = ?",
				itemId, referenceType, referenceId, kind).
			Delete(&LedgerEntry{})
		if result.Error != nil {
			return result.Error
		}
		reversed = int(result.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if reversed > 0 {
		invalidateStockCache(itemId)
	}
	return reversed, nil
}

type LedgerEntryFilter struct {
	ItemId   *int
	Kind     *LedgerEntryKind
	DateFrom *time.Time
	DateTo   *time.Time
}

// ListEntries is a read-only query over the ledger, newest first.
func ListEntries(ctx context.Context, filter LedgerEntryFilter) ([]*LedgerEntry, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&LedgerEntry{})
	if filter.ItemId != nil {
		dbCtx = dbCtx.Where("item_id = ?", *filter.ItemId)
	}
	if filter.Kind != nil {
		dbCtx = dbCtx.Where("kind = ?", *filter.Kind)
	}
	if filter.DateFrom != nil {
		dbCtx = dbCtx.Where("entry_date >= ?", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		dbCtx = dbCtx.Where("entry_date < ?", *filter.DateTo)
	}
	var entries []*LedgerEntry
	if err := dbCtx.Order("entry_date DESC, id DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// sumConsumptionForMonth aggregates the OUTBOUND movements already recorded
// for an item within a month. This is the default ConsumptionSumFunc used by
// the simplified import; deployments with a separate dispensing store can
// inject their own aggregate.
func sumConsumptionForMonth(ctx context.Context, tx *gorm.DB, itemId int, month int, year int) (decimal.Decimal, decimal.Decimal, error) {
	type row struct {
		Qty    decimal.Decimal
		Amount decimal.Decimal
	}
	var r row
	err := tx.WithContext(ctx).Model(&LedgerEntry{}).
		Select("COALESCE(SUM(qty), 0) AS qty, COALESCE(SUM(total_amount), 0) AS amount").
		Where("item_id = ? AND kind = ? AND month = ? AND year = ?",
			itemId, LedgerEntryKindOutbound, month, year).
		Scan(&r).Error
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return r.Qty, r.Amount, nil
}
