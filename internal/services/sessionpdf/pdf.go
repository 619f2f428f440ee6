package sessionpdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	sqliteadapter "frp-orchestrator/internal/adapters/store/sqlite"
	"frp-orchestrator/internal/domain/model"
	"frp-orchestrator/internal/platform/hash"
	"frp-orchestrator/internal/platform/id"
	"frp-orchestrator/internal/services/audit"

	"github.com/phpdave11/gofpdf"
)

// 会话 PDF 报告（session_pdf）
//
// 输出一份可归档的会话记录：设备信息、执行计划、逐次尝试与审计链摘要。
// 报告登记到 reports 表，文件哈希随登记保存，便于后续比对产物是否被改动。

type Options struct {
	SessionID string
	DBPath    string
	OutDir    string
	Operator  string
	Note      string
}

type Result struct {
	ReportID    string   `json:"report_id"`
	PDFPath     string   `json:"pdf_path"`
	PDFSHA256   string   `json:"pdf_sha256"`
	Warnings    []string `json:"warnings,omitempty"`
	GeneratedAt int64    `json:"generated_at"`
}

const pdfGeneratorVer = "sessionpdf-0.1.0"

// Generate 生成会话 PDF 报告并在 reports 表中登记为 report_type=session_pdf。
func Generate(ctx context.Context, opts Options) (*Result, error) {
	sessionID := strings.TrimSpace(opts.SessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	dbPath := strings.TrimSpace(opts.DBPath)
	if dbPath == "" {
		return nil, fmt.Errorf("db_path is required")
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = "system"
	}

	db, err := sqliteadapter.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	store := sqliteadapter.NewStore(db)

	sess, snap, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}

	warnings := []string{}

	audits, err := store.ListAuditLogs(ctx, sessionID, 5000)
	if err != nil {
		warnings = append(warnings, "list audit logs failed: "+err.Error())
		audits = nil
	}
	chain := audit.VerifyAuditLogs(audits)

	now := time.Now().Unix()
	outDir := strings.TrimSpace(opts.OutDir)
	if outDir == "" {
		outDir = filepath.Join(filepath.Dir(dbPath), "reports")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir reports: %w", err)
	}
	pdfPath := filepath.Join(outDir, fmt.Sprintf("%s_session_%d.pdf", sessionID, now))

	pdf, utf8OK := buildPDF(*sess, *snap, audits, chain, operator, opts.Note, warnings, now)
	if !utf8OK {
		warnings = append(warnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	sum, _, err := hash.File(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("sha256 pdf: %w", err)
	}

	reportID := id.New("rpt")
	if err := store.RegisterReport(ctx, reportID, sessionID, "session_pdf", pdfPath, sum, pdfGeneratorVer, strings.TrimSpace(opts.Note)); err != nil {
		return nil, err
	}

	return &Result{
		ReportID:    reportID,
		PDFPath:     pdfPath,
		PDFSHA256:   sum,
		Warnings:    warnings,
		GeneratedAt: now,
	}, nil
}

func buildPDF(
	sess model.BypassSession,
	snap model.DeviceSnapshot,
	audits []model.AuditRecord,
	chain audit.Result,
	operator string,
	note string,
	warnings []string,
	generatedAt int64,
) (*gofpdf.Fpdf, bool) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("FRP Orchestrator - Session Report", false)

	fontFamily, utf8OK := initPDFUnicodeFont(pdf)

	pdf.AddPage()

	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, "FRP Orchestrator - Session Report", "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", fmtTime(generatedAt)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Operator: %s", safeText(operator, utf8OK)), "", 1, "L", false, 0, "")
	if strings.TrimSpace(note) != "" {
		pdf.MultiCell(0, 5, fmt.Sprintf("Note: %s", safeText(note, utf8OK)), "", "L", false)
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "1. Session Overview")
	kv(pdf, fontFamily, utf8OK, "Session ID", sess.SessionID)
	kv(pdf, fontFamily, utf8OK, "Device Serial", sess.DeviceSerial)
	kv(pdf, fontFamily, utf8OK, "Device", snap.DeviceID())
	kv(pdf, fontFamily, utf8OK, "Model", snap.Model)
	kv(pdf, fontFamily, utf8OK, "Android", snap.AndroidVersion)
	kv(pdf, fontFamily, utf8OK, "Mode at Start", string(snap.Mode))
	kv(pdf, fontFamily, utf8OK, "Started At", fmtTime(sess.StartedAt))
	kv(pdf, fontFamily, utf8OK, "Ended At", fmtTime(sess.EndedAt))
	kv(pdf, fontFamily, utf8OK, "Dry Run", fmt.Sprintf("%v", sess.DryRun))
	kv(pdf, fontFamily, utf8OK, "Final Status", string(sess.FinalStatus))
	kv(pdf, fontFamily, utf8OK, "Summary", sess.Summary)
	pdf.Ln(2)

	if len(warnings) > 0 {
		sectionTitle(pdf, fontFamily, "Warnings")
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(120, 80, 0)
		for _, w := range warnings {
			pdf.MultiCell(0, 4.5, "- "+safeText(w, utf8OK), "", "L", false)
		}
		pdf.Ln(2)
	}

	sectionTitle(pdf, fontFamily, "2. Execution Plan")
	if len(sess.Plan) == 0 {
		emptyListNote(pdf, fontFamily)
	} else {
		for i, entry := range sess.Plan {
			pdf.SetFont(fontFamily, "", 10)
			pdf.SetTextColor(30, 30, 30)
			line := fmt.Sprintf("%d. %s | mode=%s | switch=%v | weight=%.3f | risk=%s",
				i+1, safeText(entry.MethodName, utf8OK), entry.RequiredMode,
				entry.NeedsModeSwitch, entry.Weight, entry.Risk)
			pdf.MultiCell(0, 5, line, "", "L", false)
		}
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "3. Attempts")
	if len(sess.Attempts) == 0 {
		emptyListNote(pdf, fontFamily)
	} else {
		for i, a := range sess.Attempts {
			pdf.SetFont(fontFamily, "B", 11)
			pdf.SetTextColor(20, 20, 20)
			header := fmt.Sprintf("Attempt #%d: %s", i+1, safeText(a.MethodName, utf8OK))
			if a.Retry {
				header += " (retry)"
			}
			pdf.CellFormat(0, 6, header, "", 1, "L", false, 0, "")
			pdf.SetFont(fontFamily, "", 10)
			pdf.SetTextColor(30, 30, 30)
			kv(pdf, fontFamily, utf8OK, "Status", string(a.Status))
			kv(pdf, fontFamily, utf8OK, "Duration", fmt.Sprintf("%d ms", a.DurationMs))
			if len(a.CompletedSteps) > 0 {
				kv(pdf, fontFamily, utf8OK, "Completed Steps", strings.Join(a.CompletedSteps, ", "))
			}
			if strings.TrimSpace(a.ErrorMessage) != "" {
				kv(pdf, fontFamily, utf8OK, "Error", a.ErrorMessage)
			}
			for _, entry := range a.Logs {
				pdf.SetFont(fontFamily, "", 9)
				pdf.SetTextColor(70, 70, 70)
				pdf.MultiCell(0, 4.5, fmt.Sprintf("  %s  %s", fmtTime(entry.At), safeText(entry.Message, utf8OK)), "", "L", false)
			}
			pdf.Ln(1)
		}
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "4. Audit Chain")
	kv(pdf, fontFamily, utf8OK, "Records", fmt.Sprintf("%d", chain.Total))
	kv(pdf, fontFamily, utf8OK, "Chain Verified", fmt.Sprintf("%v", chain.OK))
	if chain.Failed > 0 {
		kv(pdf, fontFamily, utf8OK, "Failed Records", fmt.Sprintf("%d", chain.Failed))
	}
	if strings.TrimSpace(chain.LastChainHash) != "" {
		kv(pdf, fontFamily, utf8OK, "Last Chain Hash", chain.LastChainHash)
	}
	if len(audits) > 0 {
		pdf.Ln(1)
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(40, 40, 40)
		for _, rec := range audits {
			pdf.MultiCell(0, 4.5, fmt.Sprintf("%s  %s: %s -> %s  %s",
				fmtTime(rec.OccurredAt),
				safeText(rec.MethodName, utf8OK),
				rec.FromState, rec.ToState,
				safeText(rec.Detail, utf8OK)), "", "L", false)
		}
	}

	pdf.Ln(2)
	pdf.SetFont(fontFamily, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "Note: verify the audit chain with `frpcli verify audit` before relying on this report.", "", "L", false)

	return pdf, utf8OK
}

func sectionTitle(pdf *gofpdf.Fpdf, fontFamily string, title string) {
	pdf.SetFont(fontFamily, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 200, pdf.GetY())
	pdf.Ln(2)
}

func emptyListNote(pdf *gofpdf.Fpdf, fontFamily string) {
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 5, "(empty)", "", "L", false)
}

func kv(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, key string, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(36, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value, utf8OK), "", "L", false)
}

func fmtTime(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

func safeText(s string, utf8OK bool) string {
	// gofpdf 的内置字体对 ASCII/Latin 表现最好；
	// 未成功加载 UTF-8 字体时把非 ASCII 字符替换为 '?'，确保 PDF 一定能生成。
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

// initPDFUnicodeFont 尝试加载 UTF-8 字体（TrueType），以支持中文等非 ASCII 字符。
//
// 规则：
// 1) 如果设置了环境变量 FRP_ORCHESTRATOR_PDF_FONT，优先使用该文件路径。
// 2) 否则按常见系统字体路径探测（macOS/Windows/Linux）。
// 3) 加载失败则回退到核心字体（Helvetica），并通过 safeText() 兜底替换非 ASCII 字符。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv("FRP_ORCHESTRATOR_PDF_FONT")); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/Supplemental/AppleMyungjo.ttf",
			"/System/Library/Fonts/Supplemental/AppleGothic.ttf",
			"/System/Library/Fonts/Hiragino Sans GB.ttc",
			"/System/Library/Fonts/PingFang.ttc",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\simhei.ttf`,
			`C:\Windows\Fonts\simsun.ttc`,
			`C:\Windows\Fonts\msyh.ttc`,
		)
	default:
		// Linux (best effort)
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/truetype/arphic/uming.ttc",
		)
	}

	for _, p := range candidates {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}

		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			// bold 失败也不致命：清错后仍可用 regular
			pdf.ClearError()
		}
		return familyName, true
	}

	return "Helvetica", false
}
