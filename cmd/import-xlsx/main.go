// import-xlsx loads a monthly balance workbook into the ledger from the
// command line. The sheet title (the report's "month X year Y" header) is
// read from the top-left cell unless -title overrides it.
//
// Usage:
//
//	go run ./cmd/import-xlsx -file report.xlsx [-sheet Sheet1] [-title "..."]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/mmdatafocus/medstock_backend/config"
	"github.com/mmdatafocus/medstock_backend/models"
	"github.com/mmdatafocus/medstock_backend/utils"
	"github.com/xuri/excelize/v2"
)

func main() {
	filePath := flag.String("file", "", "path to the .xlsx workbook")
	sheet := flag.String("sheet", "Sheet1", "worksheet name")
	title := flag.String("title", "", "override the report title (defaults to the first cell)")
	flag.Parse()

	if *filePath == "" {
		log.Fatal("-file is required")
	}
	if !strings.HasSuffix(*filePath, ".xlsx") {
		log.Fatal("only .xlsx files are supported")
	}

	f, err := excelize.OpenFile(*filePath)
	utils.ErrorPanic(err)
	defer f.Close()

	rows, err := f.GetRows(*sheet)
	utils.ErrorPanic(err)
	if len(rows) == 0 {
		log.Fatalf("sheet %q is empty", *sheet)
	}

	reportTitle := *title
	if reportTitle == "" {
		// title rows sit above the data; use the first non-empty cell text
		for _, row := range rows {
			for _, c := range row {
				if strings.TrimSpace(c) != "" {
					reportTitle = c
					break
				}
			}
			if reportTitle != "" {
				break
			}
		}
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	summary, err := models.ImportSimplifiedWorkbook(ctx, reportTitle, rows)
	if err != nil {
		log.Fatalf("import failed: %v", err)
	}

	fmt.Printf("created=%d updated=%d errors=%d\n", summary.Created, summary.Updated, len(summary.Errors))
	for _, rowErr := range summary.Errors {
		fmt.Printf("  row %d: %s\n", rowErr.Row, rowErr.Message)
	}
}
