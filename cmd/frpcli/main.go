package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"frp-orchestrator/internal/adapters/catalog"
	"frp-orchestrator/internal/adapters/methods"
	sqliteadapter "frp-orchestrator/internal/adapters/store/sqlite"
	"frp-orchestrator/internal/app"
	"frp-orchestrator/internal/domain/model"
	"frp-orchestrator/internal/services/bypassrun"
	"frp-orchestrator/internal/services/detect"
	"frp-orchestrator/internal/services/sessionpdf"

	_ "modernc.org/sqlite"
)

// CLI 入口。所有子命令错误都统一输出到 stderr 并返回非 0 状态码。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run 是一级命令路由。
func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, args[1:])
	case "methods":
		return runMethods(ctx, args[1:])
	case "catalog":
		return runCatalog(ctx, args[1:])
	case "detect":
		return runDetect(ctx, args[1:])
	case "info":
		return runInfo(ctx, args[1:])
	case "bypass":
		return runBypass(ctx, args[1:])
	case "query":
		return runQuery(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "verify":
		return runVerify(ctx, args[1:])
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// runMigrate 执行 SQLite 迁移，确保数据库结构完整。
func runMigrate(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := sqliteadapter.Open(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	fmt.Printf("migrations applied successfully: db=%s\n", *dbPath)
	return nil
}

// runMethods 是二级命令路由，目前支持 methods validate。
func runMethods(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printMethodsUsage()
		return nil
	}

	switch args[0] {
	case "validate":
		return runMethodsValidate(ctx, args[1:])
	default:
		printMethodsUsage()
		return fmt.Errorf("unknown methods command: %s", args[0])
	}
}

// runMethodsValidate 加载并校验方法描述文件。
func runMethodsValidate(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("methods validate", flag.ContinueOnError)
	file := fs.String("file", cfg.MethodsPath, "method bundle yaml path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loaded, err := methods.NewLoader(*file).Load(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("method bundle ok: version=%s methods=%d sha256=%s\n",
		loaded.Bundle.Version, len(loaded.Bundle.Methods), loaded.SHA256)
	for _, m := range loaded.Bundle.Methods {
		fmt.Printf("  %-24s mode=%-8s risk=%-9s steps=%d\n", m.Name, m.RequiredMode, m.Risk, len(m.Steps))
	}
	return nil
}

// runCatalog 是二级命令路由，目前支持 catalog import。
func runCatalog(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printCatalogUsage()
		return nil
	}

	switch args[0] {
	case "import":
		return runCatalogImport(ctx, args[1:])
	default:
		printCatalogUsage()
		return fmt.Errorf("unknown catalog command: %s", args[0])
	}
}

// runCatalogImport 从 yaml 导入机型档案库。
func runCatalogImport(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("catalog import", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	file := fs.String("file", cfg.ProfilesPath, "device profile yaml path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := sqliteadapter.Open(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	res, err := catalog.Import(ctx, sqliteadapter.NewStore(db), *file)
	if err != nil {
		return err
	}

	fmt.Printf("catalog import completed: profiles=%d version=%s\n", res.Imported, res.Version)
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

// runDetect 执行一次检测周期并打印设备列表。
func runDetect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print snapshots as json")
	skipEnrich := fs.Bool("no-enrich", false, "skip adb/fastboot info probing")
	sysfsRoot := fs.String("sysfs", "", "sysfs usb devices root (debug)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	res, err := detect.Run(ctx, detect.Options{SysfsRoot: *sysfsRoot, SkipEnrich: *skipEnrich})
	if err != nil {
		return err
	}

	if *asJSON {
		return printJSON(res)
	}

	if len(res.Devices) == 0 {
		fmt.Println("no android devices detected")
		return nil
	}
	fmt.Printf("%d device(s) detected\n", len(res.Devices))
	for _, snap := range res.Devices {
		fmt.Printf("  %-16s %04x:%04x %-8s mode=%-8s model=%s\n",
			snap.Serial, snap.VendorID, snap.ProductID, snap.Manufacturer, snap.Mode, valueOrDash(snap.Model))
	}
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

// runInfo 打印单台设备的完整快照。
func runInfo(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	serial := fs.String("serial", "", "device serial (required)")
	sysfsRoot := fs.String("sysfs", "", "sysfs usb devices root (debug)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*serial) == "" {
		return fmt.Errorf("--serial is required")
	}

	res, err := detect.Run(ctx, detect.Options{SysfsRoot: *sysfsRoot, Serial: *serial})
	if err != nil {
		return err
	}
	return printJSON(res.Devices[0])
}

// runBypass 执行绕过编排。非 dry-run 时只有会话终态为 success 才返回 0。
func runBypass(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("bypass", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	methodsPath := fs.String("methods", cfg.MethodsPath, "method bundle yaml path")
	licensePath := fs.String("license", cfg.LicensePath, "license key file")
	grantsPath := fs.String("grants", cfg.GrantsPath, "authorization grants yaml")
	serial := fs.String("serial", "", "device serial (required when multiple devices connected)")
	method := fs.String("method", "", "run only this method")
	dryRun := fs.Bool("dry-run", false, "plan only, do not touch the device")
	cacheTTL := fs.Duration("cache-ttl", 24*time.Hour, "attempt outcome cache ttl")
	quiet := fs.Bool("quiet", false, "suppress live transition output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var observer func(model.Transition)
	if !*quiet {
		observer = func(t model.Transition) {
			fmt.Printf("  [%s] %s: %s -> %s %s\n",
				time.Unix(t.OccurredAt, 0).Format("15:04:05"), t.MethodName, t.FromState, t.ToState, t.Detail)
		}
	}

	res, err := bypassrun.Run(ctx, bypassrun.Options{
		DBPath:      *dbPath,
		MethodsPath: *methodsPath,
		LicensePath: *licensePath,
		GrantsPath:  *grantsPath,
		Serial:      *serial,
		Method:      *method,
		DryRun:      *dryRun,
		CacheTTL:    *cacheTTL,
		Observer:    observer,
	})
	if err != nil {
		return err
	}

	sess := res.Session
	fmt.Printf("bypass session completed: session_id=%s device=%s\n", sess.SessionID, res.Snapshot.DeviceID())
	fmt.Printf("final_status=%s attempts=%d\n", sess.FinalStatus, len(sess.Attempts))
	fmt.Printf("summary=%s\n", sess.Summary)
	for i, entry := range sess.Plan {
		fmt.Printf("  plan %d: %-24s weight=%.3f risk=%s switch=%v\n",
			i+1, entry.MethodName, entry.Weight, entry.Risk, entry.NeedsModeSwitch)
	}
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}

	if !*dryRun && sess.FinalStatus != model.SessionSuccess {
		return fmt.Errorf("bypass did not succeed: %s", sess.FinalStatus)
	}
	return nil
}

// runQuery 是查询命令路由。
func runQuery(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printQueryUsage()
		return nil
	}
	switch args[0] {
	case "sessions":
		return runQuerySessions(ctx, args[1:])
	default:
		printQueryUsage()
		return fmt.Errorf("unknown query command: %s", args[0])
	}
}

// runQuerySessions 列出历史会话。
func runQuerySessions(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("query sessions", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	serial := fs.String("serial", "", "filter by device serial")
	limit := fs.Int("limit", 50, "max rows")
	asJSON := fs.Bool("json", false, "print as json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := sqliteadapter.Open(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store := sqliteadapter.NewStore(db)
	infos, err := store.ListSessions(ctx, *serial, *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(infos)
	}

	if len(infos) == 0 {
		fmt.Println("no sessions found")
		return nil
	}
	for _, info := range infos {
		fmt.Printf("%s  %-16s %-22s attempts=%-3d started=%s\n",
			info.SessionID, info.DeviceSerial, info.FinalStatus, info.AttemptCount,
			time.Unix(info.StartedAt, 0).Format("2006-01-02 15:04:05"))
	}

	stats, err := store.SessionStats(ctx)
	if err == nil && len(stats) > 0 {
		parts := make([]string, 0, len(stats))
		for status, count := range stats {
			parts = append(parts, fmt.Sprintf("%s=%d", status, count))
		}
		fmt.Printf("totals: %s\n", strings.Join(parts, " "))
	}
	return nil
}

// runExport 是导出命令路由。
func runExport(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printExportUsage()
		return nil
	}
	switch args[0] {
	case "session-pdf":
		return runExportSessionPDF(ctx, args[1:])
	default:
		printExportUsage()
		return fmt.Errorf("unknown export command: %s", args[0])
	}
}

// runExportSessionPDF 生成会话 PDF 报告。
func runExportSessionPDF(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("export session-pdf", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	sessionID := fs.String("session-id", "", "session id (required)")
	outDir := fs.String("out-dir", cfg.ReportDir, "report output directory")
	operator := fs.String("operator", "system", "operator id or name")
	note := fs.String("note", "", "report note")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*sessionID) == "" {
		return fmt.Errorf("--session-id is required")
	}

	res, err := sessionpdf.Generate(ctx, sessionpdf.Options{
		SessionID: *sessionID,
		DBPath:    *dbPath,
		OutDir:    *outDir,
		Operator:  *operator,
		Note:      *note,
	})
	if err != nil {
		return err
	}

	fmt.Printf("session pdf generated: report_id=%s\n", res.ReportID)
	fmt.Printf("pdf=%s\n", res.PDFPath)
	fmt.Printf("sha256=%s\n", res.PDFSHA256)
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(raw))
	return nil
}

func valueOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func printUsage() {
	fmt.Println(`frpcli - FRP bypass detection & orchestration engine

usage:
  frpcli migrate   [--db data/frp.db]
  frpcli methods   validate [--file methods/frp_methods.template.yaml]
  frpcli catalog   import   [--db ...] [--file profiles/device_profiles.template.yaml]
  frpcli detect    [--json] [--no-enrich]
  frpcli info      --serial <serial>
  frpcli bypass    [--serial <serial>] [--method <name>] [--dry-run]
  frpcli query     sessions [--serial <serial>] [--limit 50] [--json]
  frpcli export    session-pdf --session-id <id> [--out-dir data/reports]
  frpcli verify    audit --session-id <id>`)
}

func printMethodsUsage() {
	fmt.Println(`usage:
  frpcli methods validate [--file methods/frp_methods.template.yaml]`)
}

func printCatalogUsage() {
	fmt.Println(`usage:
  frpcli catalog import [--db data/frp.db] [--file profiles/device_profiles.template.yaml]`)
}

func printQueryUsage() {
	fmt.Println(`usage:
  frpcli query sessions [--db data/frp.db] [--serial <serial>] [--limit 50] [--json]`)
}

func printExportUsage() {
	fmt.Println(`usage:
  frpcli export session-pdf --session-id <id> [--db data/frp.db] [--out-dir data/reports]`)
}
