package sessionpdf

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	sqliteadapter "frp-orchestrator/internal/adapters/store/sqlite"
	"frp-orchestrator/internal/domain/model"
)

func TestGenerate_CreatesReportAndFile(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "frp.db")

	db, err := sqliteadapter.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := sqliteadapter.NewStore(db)

	sess := &model.BypassSession{
		SessionID:    "sess_pdf",
		DeviceSerial: "R58M123",
		StartedAt:    1700000000,
		EndedAt:      1700000100,
		Plan: []model.PlanEntry{
			{MethodName: "adb_settings_reset", RequiredMode: model.ModeDebugBridge, Weight: 0.9, Risk: model.RiskLow},
		},
		Attempts: []model.BypassAttempt{
			{
				AttemptID:      "att_1",
				MethodName:     "adb_settings_reset",
				Status:         model.AttemptSuccess,
				CompletedSteps: []string{"open_settings"},
				DurationMs:     1200,
			},
		},
		FinalStatus: model.SessionSuccess,
		Summary:     "method adb_settings_reset verified unlocked",
	}
	snap := model.DeviceSnapshot{
		Serial:       "R58M123",
		VendorID:     0x04e8,
		ProductID:    0x6860,
		Manufacturer: model.ManufacturerSamsung,
		Mode:         model.ModeDebugBridge,
		Model:        "Galaxy S21",
	}
	if err := store.SaveSession(ctx, sess, snap); err != nil {
		t.Fatalf("save session: %v", err)
	}
	for _, tr := range []model.Transition{
		{SessionID: "sess_pdf", DeviceSerial: "R58M123", MethodName: "adb_settings_reset", FromState: "pending", ToState: "preparing", OccurredAt: 1700000001},
		{SessionID: "sess_pdf", DeviceSerial: "R58M123", MethodName: "adb_settings_reset", FromState: "verifying", ToState: "success", OccurredAt: 1700000099},
	} {
		if _, err := store.AppendAudit(ctx, tr); err != nil {
			t.Fatalf("append audit: %v", err)
		}
	}

	res, err := Generate(ctx, Options{
		SessionID: "sess_pdf",
		DBPath:    dbPath,
		Operator:  "tester",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	info, err := os.Stat(res.PDFPath)
	if err != nil {
		t.Fatalf("stat pdf: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("pdf file is empty")
	}
	if res.PDFSHA256 == "" || res.ReportID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestGenerate_UnknownSession(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "frp.db")

	db, err := sqliteadapter.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db.Close()

	if _, err := Generate(ctx, Options{SessionID: "missing", DBPath: dbPath}); err == nil {
		t.Fatalf("expected error for unknown session")
	}
}
