package models

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/medstock_backend/utils"
	"github.com/shopspring/decimal"
)

// The ingestion adapter turns tokenized spreadsheet rows plus the sheet
// title into typed import records. It owns all the messy-source concerns:
// category section markers, junk-row filtering, anchor-field checks, and the
// three accepted date forms. Everything downstream sees clean typed rows.

// SimplifiedImportRow carries only inbound-transaction and suggested-purchase
// figures; the pipeline derives the rest of the period.
type SimplifiedImportRow struct {
	RowNumber          int
	SequenceNo         string
	ItemId             int // optional explicit id; 0 means resolve by name
	Name               string
	Unit               string
	CategoryName       string
	ExpiryDate         *time.Time
	InboundQty         decimal.Decimal
	InboundUnitPrice   decimal.Decimal
	InboundAmount      *decimal.Decimal // nil: compute qty x price
	SuggestedQty       decimal.Decimal
	SuggestedUnitPrice decimal.Decimal
	SuggestedAmount    *decimal.Decimal
	Supplier           string

	parseErr error
}

// ParsedWorkbook is the adapter's output: the reporting period, the
// suggested-purchase period, and the typed data rows.
type ParsedWorkbook struct {
	Month          int
	Year           int
	SuggestedMonth int
	SuggestedYear  int
	Records        []SimplifiedImportRow
}

// simplified sheet column layout
const (
	colSequence = iota
	colName
	colUnit
	colExpiry
	colInboundQty
	colInboundPrice
	colInboundAmount
	colSuggestedQty
	colSuggestedPrice
	colSuggestedAmount
	colItemId
	colSupplier
)

// categoryMarker flags a section-boundary row: the category name prefixed
// with an asterisk in the leading column applies to all rows until the next
// boundary.
const categoryMarker = "*"

// rows whose leading cells contain any of these are totals, signature
// blocks, or date stamps, never data
var skipRowPatterns = []string{
	"stt", "tên thuốc", "ten thuoc", "item name",
	"cộng", "cong:", "tổng", "tong:", "total",
	"ký tên", "ky ten", "chữ ký", "chu ky", "signature",
	"người lập", "nguoi lap", "prepared by",
	"ngày", "ngay:", "date:",
}

var (
	// bilingual "month … year …" label, e.g. "Tháng 5 năm 2024", "thang 05/2024",
	// "Month 5 Year 2024"
	titlePeriodRe = regexp.MustCompile(`(?i)(?:tháng|thang|month)\s*:?\s*(\d{1,2})\s*(?:(?:năm|nam|year)\s*:?\s*|[/.-]\s*)(\d{4})`)
	// marker introducing the suggested-purchase period segment of the title
	suggestedLabelRe = regexp.MustCompile(`(?i)(?:dự\s*trù|du\s*tru|plan)`)

	slashDateRe = regexp.MustCompile(`^(\d{1,2})[/.-](\d{1,2})[/.-](\d{4})$`)
	isoDateRe   = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	serialRe    = regexp.MustCompile(`^\d+$`)
)

// ParseWorkbook converts a title string and tokenized rows into typed import
// records. Rows that fail row-level parsing are skipped silently when they
// miss the anchor fields, per the source-report format; numeric parse errors
// on anchored rows are returned inside the records' import run instead.
func ParseWorkbook(title string, rows [][]string) (*ParsedWorkbook, error) {
	month, year, sMonth, sYear, err := ParseReportTitle(title)
	if err != nil {
		return nil, err
	}

	wb := &ParsedWorkbook{
		Month:          month,
		Year:           year,
		SuggestedMonth: sMonth,
		SuggestedYear:  sYear,
	}

	currentCategory := ""
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		if name, ok := categoryFromRow(row); ok {
			currentCategory = name
			continue
		}
		if isSkippableRow(row) {
			continue
		}
		// a data row needs its three anchors: sequence, name, unit
		if cell(row, colSequence) == "" || cell(row, colName) == "" || cell(row, colUnit) == "" {
			continue
		}

		rec, err := populateSimplifiedRow(row, i+1, currentCategory)
		if err != nil {
			// malformed numerics on an anchored row: keep the row with the
			// parse error attached so the pipeline reports it per-row
			rec = SimplifiedImportRow{
				RowNumber:    i + 1,
				SequenceNo:   cell(row, colSequence),
				Name:         cell(row, colName),
				Unit:         cell(row, colUnit),
				CategoryName: currentCategory,
			}
			rec.parseErr = err
		}
		wb.Records = append(wb.Records, rec)
	}

	return wb, nil
}

// parseErr travels with a record so the import summary can report the
// failure against the right row while the rest of the batch proceeds.
func (r *SimplifiedImportRow) ParseError() error { return r.parseErr }

func populateSimplifiedRow(row []string, rowNumber int, category string) (SimplifiedImportRow, error) {
	rec := SimplifiedImportRow{
		RowNumber:    rowNumber,
		SequenceNo:   cell(row, colSequence),
		Name:         cell(row, colName),
		Unit:         cell(row, colUnit),
		CategoryName: category,
		Supplier:     cell(row, colSupplier),
	}

	if v := cell(row, colItemId); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return rec, utils.NewValidationError("row %d: bad item id %q", rowNumber, v)
		}
		rec.ItemId = id
	}

	if v := cell(row, colExpiry); v != "" {
		d, err := ParseFlexibleDate(v)
		if err != nil {
			return rec, utils.NewValidationError("row %d: bad expiry date %q: %v", rowNumber, v, err)
		}
		rec.ExpiryDate = &d
	}

	var err error
	if rec.InboundQty, err = utils.ParseOptionalDecimal(cell(row, colInboundQty)); err != nil {
		return rec, utils.NewValidationError("row %d: bad inbound qty: %v", rowNumber, err)
	}
	if rec.InboundUnitPrice, err = utils.ParseOptionalDecimal(cell(row, colInboundPrice)); err != nil {
		return rec, utils.NewValidationError("row %d: bad inbound price: %v", rowNumber, err)
	}
	if v := cell(row, colInboundAmount); v != "" {
		amount, err := utils.ParseDecimal(v)
		if err != nil {
			return rec, utils.NewValidationError("row %d: bad inbound amount: %v", rowNumber, err)
		}
		rec.InboundAmount = &amount
	}
	if rec.SuggestedQty, err = utils.ParseOptionalDecimal(cell(row, colSuggestedQty)); err != nil {
		return rec, utils.NewValidationError("row %d: bad suggested qty: %v", rowNumber, err)
	}
	if rec.SuggestedUnitPrice, err = utils.ParseOptionalDecimal(cell(row, colSuggestedPrice)); err != nil {
		return rec, utils.NewValidationError("row %d: bad suggested price: %v", rowNumber, err)
	}
	if v := cell(row, colSuggestedAmount); v != "" {
		amount, err := utils.ParseDecimal(v)
		if err != nil {
			return rec, utils.NewValidationError("row %d: bad suggested amount: %v", rowNumber, err)
		}
		rec.SuggestedAmount = &amount
	}

	return rec, nil
}

func cell(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func categoryFromRow(row []string) (string, bool) {
	first := cell(row, 0)
	if !strings.HasPrefix(first, categoryMarker) {
		return "", false
	}
	name := strings.TrimSpace(strings.TrimLeft(first, categoryMarker))
	if name == "" {
		name = cell(row, 1)
	}
	return name, true
}

func isSkippableRow(row []string) bool {
	// junk markers show up in the leading cells of totals/signature rows
	for idx := 0; idx <= colUnit; idx++ {
		c := strings.ToLower(cell(row, idx))
		if c == "" {
			continue
		}
		for _, pattern := range skipRowPatterns {
			if strings.Contains(c, pattern) {
				return true
			}
		}
	}
	return false
}

// ParseReportTitle extracts the reporting month/year and the
// suggested-purchase month/year from the sheet title. The suggested period
// defaults to the month after the reporting period when the title does not
// state one.
func ParseReportTitle(title string) (month, year, suggestedMonth, suggestedYear int, err error) {
	reportPart := title
	suggestedPart := ""
	if loc := suggestedLabelRe.FindStringIndex(title); loc != nil {
		reportPart = title[:loc[0]]
		suggestedPart = title[loc[1]:]
	}

	m := titlePeriodRe.FindStringSubmatch(reportPart)
	if m == nil {
		// some titles put the only period label after the suggested marker
		m = titlePeriodRe.FindStringSubmatch(title)
	}
	if m == nil {
		return 0, 0, 0, 0, utils.NewValidationError("cannot find reporting month/year in title %q", title)
	}
	month, _ = strconv.Atoi(m[1])
	year, _ = strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		return 0, 0, 0, 0, utils.NewValidationError("title %q has invalid month %d", title, month)
	}

	if sm := titlePeriodRe.FindStringSubmatch(suggestedPart); sm != nil {
		suggestedMonth, _ = strconv.Atoi(sm[1])
		suggestedYear, _ = strconv.Atoi(sm[2])
		if suggestedMonth < 1 || suggestedMonth > 12 {
			return 0, 0, 0, 0, utils.NewValidationError("title %q has invalid suggested month %d", title, suggestedMonth)
		}
	} else {
		suggestedMonth, suggestedYear = utils.NextMonth(month, year)
	}

	return month, year, suggestedMonth, suggestedYear, nil
}

// excelEpoch is day zero of the spreadsheet serial calendar. The true 1900
// epoch is 1899-12-31, but serials past the phantom 1900-02-29 are off by
// one, so the shifted epoch is correct for all serials >= 61 and the
// pre-bug range gets an explicit +1 below.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// ParseFlexibleDate accepts the three date forms found in source sheets:
//
//   - d/m/y text ("23/12/2025"); when the first component cannot be a day's
//     month partner (second > 12) the components are swapped. Day-first wins
//     when both fit — the historical heuristic is preserved on purpose so
//     old data keeps parsing the way it was originally imported.
//   - ISO y-m-d text ("2025-12-23")
//   - a numeric spreadsheet day serial
func ParseFlexibleDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, utils.NewValidationError("empty date")
	}

	if m := isoDateRe.FindStringSubmatch(value); m != nil {
		t, err := time.Parse("2006-01-02", value)
		if err != nil {
			return time.Time{}, utils.NewValidationError("invalid date %q", value)
		}
		return t, nil
	}

	if m := slashDateRe.FindStringSubmatch(value); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if month > 12 && day <= 12 {
			day, month = month, day
		}
		if month < 1 || month > 12 {
			return time.Time{}, utils.NewValidationError("invalid month in date %q", value)
		}
		t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		// reject overflow dates like 31/02
		if t.Day() != day || int(t.Month()) != month || t.Year() != year {
			return time.Time{}, utils.NewValidationError("invalid day in date %q", value)
		}
		return t, nil
	}

	if serialRe.MatchString(value) {
		serial, err := strconv.Atoi(value)
		if err != nil || serial <= 0 {
			return time.Time{}, utils.NewValidationError("invalid date serial %q", value)
		}
		if serial < 60 {
			// before the phantom 1900-02-29 the serial calendar still
			// tracks the real one
			serial++
		}
		return excelEpoch.AddDate(0, 0, serial), nil
	}

	return time.Time{}, utils.NewValidationError("unrecognized date format %q", value)
}
