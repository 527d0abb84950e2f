package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/medstock_backend/config"
	"github.com/shopspring/decimal"
)

func ProcessValidationErrors(err error) map[string]string {

	validationErrors := err.(validator.ValidationErrors)

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	if len(defaults) > 0 {
		return defaults[0]
	}
	var zero T
	return zero
}

func NilIfEmpty[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}

// ParseDecimal converts a string to a decimal.Decimal value.
// Thousand separators are tolerated because spreadsheet exports carry them.
func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}
	value = strings.ReplaceAll(value, ",", "")

	dec, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, err
	}

	return dec, nil
}

// ParseOptionalDecimal resolves an absent cell to zero. Optional numeric
// fields default to zero at the ingestion boundary, never deeper.
func ParseOptionalDecimal(value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, nil
	}
	return ParseDecimal(value)
}

// MonthRange returns the [start, end) UTC bounds of a calendar month.
func MonthRange(month int, year int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// NextMonth returns the calendar month following (month, year).
func NextMonth(month int, year int) (int, int) {
	if month == 12 {
		return 1, year + 1
	}
	return month + 1, year
}

// PreviousMonth returns the calendar month preceding (month, year).
func PreviousMonth(month int, year int) (int, int) {
	if month == 1 {
		return 12, year - 1
	}
	return month - 1, year
}

// ImportLock serializes whole-workbook imports behind a redis lock so two
// operators cannot run overlapping imports. Returns a release func.
// When redis is not connected the lock is skipped (single-node dev mode).
func ImportLock(ctx context.Context, lockType string, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}, nil
	}
	lockKey := fmt.Sprintf("importLock:%s", lockType)
	lock, err := locker.Obtain(ctx, lockKey, 5*time.Minute, nil)
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain import lock", lockKey, err)
		return nil, errors.New("another import is already running")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining import lock", lockKey, err)
		return nil, err
	}
	return func() {
		_ = lock.Release(ctx)
	}, nil
}
