package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/medstock_backend/config"
	"github.com/mmdatafocus/medstock_backend/models"
	"github.com/mmdatafocus/medstock_backend/utils"
	"github.com/shopspring/decimal"
)

func setupIntegrationDB(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "medstock_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	return context.Background()
}

func mustCreateItem(t *testing.T, ctx context.Context, name string) *models.TrackedItem {
	t.Helper()
	item, err := models.CreateTrackedItem(ctx, &models.NewTrackedItem{
		Name:         name,
		Unit:         "Tablet",
		CategoryName: "Analgesics",
	})
	if err != nil {
		t.Fatalf("CreateTrackedItem(%s): %v", name, err)
	}
	return item
}

func TestCarryForwardAndYearReset(t *testing.T) {
	ctx := setupIntegrationDB(t)
	item := mustCreateItem(t, ctx, "Amoxicillin 500mg")

	// February 2024 ends with closing 120 @ 75
	summary, err := models.ImportFullBalances(ctx, 2, 2024, []models.FullImportRow{{
		Name: item.Name, Unit: "Tablet",
		InboundQty: dec("120"), InboundUnitPrice: dec("75"),
		ClosingQty: dec("120"), ClosingUnitPrice: dec("75"),
		YtdInboundQty: dec("120"), YtdInboundAmount: dec("9000"),
	}})
	if err != nil {
		t.Fatalf("ImportFullBalances: %v", err)
	}
	if len(summary.Errors) != 0 {
		t.Fatalf("unexpected row errors: %+v", summary.Errors)
	}

	feb, err := models.GetBalancePeriod(ctx, item.ID, 2, 2024)
	if err != nil {
		t.Fatalf("GetBalancePeriod: %v", err)
	}

	march, err := models.GetOrCreateBalancePeriod(ctx, item.ID, 3, 2024)
	if err != nil {
		t.Fatalf("GetOrCreateBalancePeriod: %v", err)
	}
	if !march.OpeningQty.Equal(feb.ClosingQty) {
		t.Fatalf("carry-forward: march opening %s != feb closing %s",
			march.OpeningQty.String(), feb.ClosingQty.String())
	}
	if !march.OpeningUnitPrice.Equal(feb.ClosingUnitPrice) {
		t.Fatalf("carry-forward price: %s != %s",
			march.OpeningUnitPrice.String(), feb.ClosingUnitPrice.String())
	}
	// same-year carry keeps the year-to-date figures
	if !march.YtdInboundQty.Equal(feb.YtdInboundQty) {
		t.Fatalf("same-year ytd should carry: %s != %s",
			march.YtdInboundQty.String(), feb.YtdInboundQty.String())
	}

	// a new calendar year resets year-to-date before any movement
	jan, err := models.GetOrCreateBalancePeriod(ctx, item.ID, 1, 2025)
	if err != nil {
		t.Fatalf("GetOrCreateBalancePeriod(jan): %v", err)
	}
	if !jan.YtdInboundQty.IsZero() || !jan.YtdOutboundQty.IsZero() {
		t.Fatalf("january ytd must reset: in=%s out=%s",
			jan.YtdInboundQty.String(), jan.YtdOutboundQty.String())
	}
	if !jan.OpeningQty.Equal(march.ClosingQty) {
		t.Fatalf("opening still carries across years: %s != %s",
			jan.OpeningQty.String(), march.ClosingQty.String())
	}
}

func TestRecordAndReverseRestoresPeriod(t *testing.T) {
	ctx := setupIntegrationDB(t)
	ctx = utils.SetUserIdInContext(ctx, 42)
	ctx = utils.SetUserNameInContext(ctx, "duty pharmacist")
	item := mustCreateItem(t, ctx, "Paracetamol 500mg")

	entryDate := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	inbound, err := models.RecordEntry(ctx, &models.NewLedgerEntry{
		ItemId:    item.ID,
		Kind:      models.LedgerEntryKindInbound,
		Qty:       dec("200"),
		UnitPrice: dec("100"),
		EntryDate: entryDate,
	})
	if err != nil {
		t.Fatalf("RecordEntry(inbound): %v", err)
	}
	if inbound.CreatedByUserId != 42 || inbound.CreatedByName != "duty pharmacist" {
		t.Fatalf("entry not stamped with caller identity: id=%d name=%q",
			inbound.CreatedByUserId, inbound.CreatedByName)
	}

	before, err := models.GetBalancePeriod(ctx, item.ID, 6, 2024)
	if err != nil {
		t.Fatalf("GetBalancePeriod: %v", err)
	}

	if _, err := models.RecordEntry(ctx, &models.NewLedgerEntry{
		ItemId:        item.ID,
		Kind:          models.LedgerEntryKindOutbound,
		Qty:           dec("30"),
		UnitPrice:     dec("100"),
		EntryDate:     entryDate,
		ReferenceType: models.LedgerReferenceTypeDispense,
		ReferenceId:   77,
	}); err != nil {
		t.Fatalf("RecordEntry(outbound): %v", err)
	}

	mid, err := models.GetBalancePeriod(ctx, item.ID, 6, 2024)
	if err != nil {
		t.Fatalf("GetBalancePeriod: %v", err)
	}
	if !mid.OutboundQty.Equal(dec("30")) {
		t.Fatalf("outbound qty after record: %s", mid.OutboundQty.String())
	}

	// upstream cancelled dispensing event 77
	reversed, err := models.ReverseEntries(ctx, item.ID, models.LedgerReferenceTypeDispense, 77, models.LedgerEntryKindOutbound)
	if err != nil {
		t.Fatalf("ReverseEntries: %v", err)
	}
	if reversed != 1 {
		t.Fatalf("expected 1 reversed entry, got %d", reversed)
	}

	after, err := models.GetBalancePeriod(ctx, item.ID, 6, 2024)
	if err != nil {
		t.Fatalf("GetBalancePeriod: %v", err)
	}
	if !after.OutboundQty.Equal(before.OutboundQty) || !after.OutboundAmount.Equal(before.OutboundAmount) {
		t.Fatalf("reverse did not restore outbound: qty %s amount %s",
			after.OutboundQty.String(), after.OutboundAmount.String())
	}
	if !after.ClosingQty.Equal(before.ClosingQty) {
		t.Fatalf("reverse did not restore closing: %s != %s",
			after.ClosingQty.String(), before.ClosingQty.String())
	}

	// the deleted event is gone from the ledger
	kind := models.LedgerEntryKindOutbound
	entries, err := models.ListEntries(ctx, models.LedgerEntryFilter{ItemId: &item.ID, Kind: &kind})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no outbound entries after reversal, got %d", len(entries))
	}
}

func TestFullImportIdempotent(t *testing.T) {
	ctx := setupIntegrationDB(t)

	rows := []models.FullImportRow{{
		Name: "Cefixime 200mg", Unit: "Capsule", CategoryName: "Antibiotics",
		OpeningQty: dec("40"), OpeningUnitPrice: dec("1200"),
		InboundQty: dec("100"), InboundUnitPrice: dec("1250"),
		OutboundQty: dec("60"), OutboundUnitPrice: dec("1200"),
		ClosingQty: dec("80"), ClosingUnitPrice: dec("1262.5"),
		YtdInboundQty: dec("300"), YtdInboundAmount: dec("372000"),
		SuggestedQty: dec("120"), SuggestedUnitPrice: dec("1250"),
	}}

	first, err := models.ImportFullBalances(ctx, 4, 2024, rows)
	if err != nil {
		t.Fatalf("ImportFullBalances(first): %v", err)
	}
	if first.Created != 1 || len(first.Errors) != 0 {
		t.Fatalf("first run: %+v", first)
	}

	itemName := rows[0].Name
	items, err := models.GetTrackedItems(ctx, &itemName)
	if err != nil || len(items) != 1 {
		t.Fatalf("GetTrackedItems: %v (%d)", err, len(items))
	}
	after1, err := models.GetBalancePeriod(ctx, items[0].ID, 4, 2024)
	if err != nil {
		t.Fatalf("GetBalancePeriod: %v", err)
	}

	second, err := models.ImportFullBalances(ctx, 4, 2024, rows)
	if err != nil {
		t.Fatalf("ImportFullBalances(second): %v", err)
	}
	if second.Updated != 1 || second.Created != 0 {
		t.Fatalf("second run should update, not create: %+v", second)
	}

	after2, err := models.GetBalancePeriod(ctx, items[0].ID, 4, 2024)
	if err != nil {
		t.Fatalf("GetBalancePeriod: %v", err)
	}

	pairs := []struct {
		name string
		a, b decimal.Decimal
	}{
		{"opening qty", after1.OpeningQty, after2.OpeningQty},
		{"inbound qty", after1.InboundQty, after2.InboundQty},
		{"inbound amount", after1.InboundAmount, after2.InboundAmount},
		{"outbound qty", after1.OutboundQty, after2.OutboundQty},
		{"closing qty", after1.ClosingQty, after2.ClosingQty},
		{"closing unit price", after1.ClosingUnitPrice, after2.ClosingUnitPrice},
		{"ytd inbound qty", after1.YtdInboundQty, after2.YtdInboundQty},
		{"suggested qty", after1.SuggestedQty, after2.SuggestedQty},
	}
	for _, p := range pairs {
		if !p.a.Equal(p.b) {
			t.Fatalf("%s changed across identical imports: %s -> %s", p.name, p.a.String(), p.b.String())
		}
	}
}

func TestSimplifiedImportDerivesFirstPeriod(t *testing.T) {
	ctx := setupIntegrationDB(t)

	// "Paracetamol" has no prior period and no consumption this month; the
	// trailing cell is the transaction's supplier
	rows := [][]string{
		{"1", "Paracetamol", "Tablet", "", "500", "100", "", "", "", "", "", "Medipharm Supply"},
	}
	summary, err := models.ImportSimplifiedWorkbook(ctx, "Báo cáo tháng 5 năm 2024", rows)
	if err != nil {
		t.Fatalf("ImportSimplifiedWorkbook: %v", err)
	}
	if summary.Created != 1 || len(summary.Errors) != 0 {
		t.Fatalf("summary: %+v", summary)
	}

	name := "Paracetamol"
	items, err := models.GetTrackedItems(ctx, &name)
	if err != nil || len(items) != 1 {
		t.Fatalf("GetTrackedItems: %v (%d)", err, len(items))
	}
	// the supplier describes the transaction, never the item
	if items[0].Manufacturer != "" {
		t.Fatalf("supplier leaked onto the item as manufacturer: %q", items[0].Manufacturer)
	}
	period, err := models.GetBalancePeriod(ctx, items[0].ID, 5, 2024)
	if err != nil {
		t.Fatalf("GetBalancePeriod: %v", err)
	}

	checks := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"opening qty", period.OpeningQty, "0"},
		{"outbound qty", period.OutboundQty, "0"},
		{"closing qty", period.ClosingQty, "500"},
		{"closing unit price", period.ClosingUnitPrice, "100"},
		{"closing amount", period.ClosingAmount, "50000"},
		{"ytd inbound qty", period.YtdInboundQty, "500"},
	}
	for _, c := range checks {
		if !c.got.Equal(dec(c.want)) {
			t.Fatalf("%s: got %s, want %s", c.name, c.got.String(), c.want)
		}
	}

	// exactly one import audit row, updated in place on re-import
	kind := models.LedgerEntryKindInbound
	entries, err := models.ListEntries(ctx, models.LedgerEntryFilter{ItemId: &items[0].ID, Kind: &kind})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 inbound audit entry, got %d", len(entries))
	}
	if entries[0].Supplier != "Medipharm Supply" {
		t.Fatalf("audit entry supplier: %q", entries[0].Supplier)
	}

	if _, err := models.ImportSimplifiedWorkbook(ctx, "Báo cáo tháng 5 năm 2024", rows); err != nil {
		t.Fatalf("re-import: %v", err)
	}
	entries, _ = models.ListEntries(ctx, models.LedgerEntryFilter{ItemId: &items[0].ID, Kind: &kind})
	if len(entries) != 1 {
		t.Fatalf("re-import duplicated the audit entry: %d rows", len(entries))
	}
}

func TestSimplifiedReimportKeepsOpeningAndOutbound(t *testing.T) {
	ctx := setupIntegrationDB(t)
	item := mustCreateItem(t, ctx, "Ibuprofen 400mg")

	// prior period: closing 1000 @ 100
	if _, err := models.ImportFullBalances(ctx, 4, 2024, []models.FullImportRow{{
		ItemId:     item.ID,
		ClosingQty: dec("1000"), ClosingUnitPrice: dec("100"),
	}}); err != nil {
		t.Fatalf("seed prior period: %v", err)
	}

	// consumption already recorded in May: 300 units at the opening price
	if _, err := models.RecordEntry(ctx, &models.NewLedgerEntry{
		ItemId:        item.ID,
		Kind:          models.LedgerEntryKindOutbound,
		Qty:           dec("300"),
		UnitPrice:     dec("100"),
		EntryDate:     time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC),
		ReferenceType: models.LedgerReferenceTypeDispense,
		ReferenceId:   5001,
	}); err != nil {
		t.Fatalf("RecordEntry(consumption): %v", err)
	}

	// simplified import row arrives later but the period already exists:
	// only inbound + suggested are overwritten, closing is recomputed
	rows := [][]string{
		{"1", "Ibuprofen 400mg", "Tablet", "", "500", "120"},
	}
	if _, err := models.ImportSimplifiedWorkbook(ctx, "month 5 year 2024", rows); err != nil {
		t.Fatalf("ImportSimplifiedWorkbook: %v", err)
	}

	period, err := models.GetBalancePeriod(ctx, item.ID, 5, 2024)
	if err != nil {
		t.Fatalf("GetBalancePeriod: %v", err)
	}

	if !period.OpeningQty.Equal(dec("1000")) || !period.OpeningUnitPrice.Equal(dec("100")) {
		t.Fatalf("opening touched by re-import: %s @ %s",
			period.OpeningQty.String(), period.OpeningUnitPrice.String())
	}
	if !period.OutboundQty.Equal(dec("300")) {
		t.Fatalf("outbound touched by re-import: %s", period.OutboundQty.String())
	}
	if !period.ClosingQty.Equal(dec("1200")) {
		t.Fatalf("closing qty: got %s, want 1200", period.ClosingQty.String())
	}
	wantPrice := dec("130000").Div(dec("1200"))
	if !period.ClosingUnitPrice.Equal(wantPrice) {
		t.Fatalf("closing unit price: got %s, want %s",
			period.ClosingUnitPrice.String(), wantPrice.String())
	}
}

func TestMonthlyReportRollsUpByCategory(t *testing.T) {
	ctx := setupIntegrationDB(t)

	rows := []models.FullImportRow{
		{
			Name: "Amoxicillin 500mg", Unit: "Capsule", CategoryName: "Antibiotics",
			ClosingQty: dec("100"), ClosingUnitPrice: dec("500"),
			ClosingAmount: decPtr("50000"),
		},
		{
			Name: "Cefixime 200mg", Unit: "Capsule", CategoryName: "Antibiotics",
			ClosingQty: dec("50"), ClosingUnitPrice: dec("1200"),
			ClosingAmount: decPtr("60000"),
		},
		{
			Name: "Vitamin C", Unit: "Bottle", CategoryName: "Vitamins",
			ClosingQty: dec("30"), ClosingUnitPrice: dec("2000"),
			ClosingAmount: decPtr("60000"),
		},
	}
	if _, err := models.ImportFullBalances(ctx, 7, 2024, rows); err != nil {
		t.Fatalf("ImportFullBalances: %v", err)
	}

	report, err := models.GetMonthlyBalanceReport(ctx, 7, 2024)
	if err != nil {
		t.Fatalf("GetMonthlyBalanceReport: %v", err)
	}
	if len(report.Groups) != 2 {
		t.Fatalf("expected 2 category groups, got %d", len(report.Groups))
	}
	if !report.GrandTotal.ClosingAmount.Equal(dec("170000")) {
		t.Fatalf("grand total closing amount: %s", report.GrandTotal.ClosingAmount.String())
	}
	for _, g := range report.Groups {
		if g.CategoryName == "Antibiotics" {
			if !g.Subtotal.ClosingAmount.Equal(dec("110000")) {
				t.Fatalf("antibiotics subtotal: %s", g.Subtotal.ClosingAmount.String())
			}
			if len(g.Rows) != 2 {
				t.Fatalf("antibiotics rows: %d", len(g.Rows))
			}
		}
	}

	categories, err := models.GetItemCategories(ctx)
	if err != nil {
		t.Fatalf("GetItemCategories: %v", err)
	}
	if len(categories) != 2 {
		t.Fatalf("expected 2 categories, got %d", len(categories))
	}
}

// A consumption entry committing while a re-import is processing the same
// period must survive: the import reads the period row under FOR UPDATE, so
// the two writers serialize instead of the import saving a stale snapshot.
func TestSimplifiedReimportKeepsConcurrentConsumption(t *testing.T) {
	ctx := setupIntegrationDB(t)

	rows := [][]string{
		{"1", "Cetirizine 10mg", "Tablet", "", "400", "50"},
	}
	if _, err := models.ImportSimplifiedWorkbook(ctx, "month 6 year 2024", rows); err != nil {
		t.Fatalf("initial import: %v", err)
	}
	name := "Cetirizine 10mg"
	items, err := models.GetTrackedItems(ctx, &name)
	if err != nil || len(items) != 1 {
		t.Fatalf("GetTrackedItems: %v (%d)", err, len(items))
	}
	itemId := items[0].ID

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := models.RecordEntry(ctx, &models.NewLedgerEntry{
			ItemId:        itemId,
			Kind:          models.LedgerEntryKindOutbound,
			Qty:           dec("150"),
			UnitPrice:     dec("50"),
			EntryDate:     time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
			ReferenceType: models.LedgerReferenceTypeDispense,
			ReferenceId:   9001,
		})
		errCh <- err
	}()
	go func() {
		defer wg.Done()
		_, err := models.ImportSimplifiedWorkbook(ctx, "month 6 year 2024", rows)
		errCh <- err
	}()
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent writer failed: %v", err)
		}
	}

	// both orderings of the two commits end in the same place
	period, err := models.GetBalancePeriod(ctx, itemId, 6, 2024)
	if err != nil {
		t.Fatalf("GetBalancePeriod: %v", err)
	}
	if !period.OutboundQty.Equal(dec("150")) {
		t.Fatalf("consumption lost across re-import: outbound qty %s", period.OutboundQty.String())
	}
	if !period.OutboundAmount.Equal(dec("7500")) {
		t.Fatalf("outbound amount: %s", period.OutboundAmount.String())
	}
	if !period.ClosingQty.Equal(dec("250")) {
		t.Fatalf("closing qty: %s", period.ClosingQty.String())
	}
}

func decPtr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("medstock-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=medstock_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
