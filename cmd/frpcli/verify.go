package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	sqliteadapter "frp-orchestrator/internal/adapters/store/sqlite"
	"frp-orchestrator/internal/app"
	"frp-orchestrator/internal/platform/hash"
	"frp-orchestrator/internal/services/audit"

	_ "modernc.org/sqlite"
)

// runVerify 是 verify 子命令路由：
// - verify audit：校验某会话审计链的防篡改哈希
// - verify report：复核报告产物文件哈希（与登记时的 sha256 对比）
func runVerify(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printVerifyUsage()
		return nil
	}

	switch args[0] {
	case "audit":
		return runVerifyAudit(ctx, args[1:])
	case "report":
		return runVerifyReport(ctx, args[1:])
	default:
		printVerifyUsage()
		return fmt.Errorf("unknown verify command: %s", args[0])
	}
}

func printVerifyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  frpcli verify audit --session-id SESSION_ID [--db data/frp.db] [--limit 5000]")
	fmt.Println("  frpcli verify report --report-id REPORT_ID [--db data/frp.db]")
}

func runVerifyAudit(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("verify audit", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	sessionID := fs.String("session-id", "", "session id (required)")
	limit := fs.Int("limit", 5000, "max audit logs to verify (default 5000)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*sessionID) == "" {
		return fmt.Errorf("--session-id is required")
	}

	db, err := sqliteadapter.Open(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store := sqliteadapter.NewStore(db)
	logs, err := store.ListAuditLogs(ctx, strings.TrimSpace(*sessionID), *limit)
	if err != nil {
		return err
	}

	res := audit.VerifyAuditLogs(logs)
	fmt.Println("audit chain verify completed")
	fmt.Printf("session_id=%s total=%d failed=%d prev_hash_failed=%d chain_hash_failed=%d\n",
		*sessionID, res.Total, res.Failed, res.PrevHashFailed, res.ChainHashFailed)
	if !res.OK {
		for _, f := range res.Failures {
			fmt.Printf("FAIL index=%d event_id=%s message=%s expected_prev=%s actual_prev=%s expected_hash=%s actual_hash=%s\n",
				f.Index, f.EventID, f.Message, f.ExpectedPrevHash, f.ActualPrevHash, f.ExpectedChainHash, f.ActualChainHash,
			)
		}
		return fmt.Errorf("audit chain verify failed")
	}
	return nil
}

func runVerifyReport(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("verify report", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	reportID := fs.String("report-id", "", "report id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*reportID) == "" {
		return fmt.Errorf("--report-id is required")
	}

	db, err := sqliteadapter.Open(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	var filePath, expected string
	err = db.QueryRowContext(ctx, `
		SELECT file_path, sha256 FROM reports WHERE report_id = ?
	`, strings.TrimSpace(*reportID)).Scan(&filePath, &expected)
	if err != nil {
		return fmt.Errorf("report not found: %s", strings.TrimSpace(*reportID))
	}

	sum, size, err := hash.File(filePath)
	if err != nil {
		return fmt.Errorf("read report file: %w", err)
	}

	fmt.Println("report file verify completed")
	fmt.Printf("report_id=%s path=%s size=%d\n", *reportID, filePath, size)
	if !strings.EqualFold(strings.TrimSpace(sum), strings.TrimSpace(expected)) {
		fmt.Printf("FAIL expected=%s actual=%s\n", expected, sum)
		return fmt.Errorf("report file hash mismatch")
	}
	fmt.Printf("sha256=%s ok\n", sum)
	return nil
}
