package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"frp-orchestrator/internal/domain/model"
	"frp-orchestrator/internal/platform/hash"
	"frp-orchestrator/internal/platform/id"

	_ "modernc.org/sqlite"
)

// Store 封装与 SQLite 的读写逻辑：机型档案、会话、审计链与结果缓存。
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open 打开（必要时创建）数据库并设置本地单写者约定。
func Open(ctx context.Context, dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// UpsertProfiles 批量写入机型档案，使用事务保证原子性。
func (s *Store) UpsertProfiles(ctx context.Context, profiles []model.DeviceProfile) error {
	if len(profiles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx upsert profiles: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO device_profiles(
			profile_id, manufacturer, model_name, codename, vendor_id,
			product_ids_json, supported_methods_json, success_rates_json,
			difficulty, android_versions_json, api_levels_json, created_at, updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET
			vendor_id=excluded.vendor_id,
			product_ids_json=excluded.product_ids_json,
			supported_methods_json=excluded.supported_methods_json,
			success_rates_json=excluded.success_rates_json,
			difficulty=excluded.difficulty,
			android_versions_json=excluded.android_versions_json,
			api_levels_json=excluded.api_levels_json,
			updated_at=excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert profiles: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, p := range profiles {
		profileID := fmt.Sprintf("%s_%s", p.Manufacturer, strings.ToLower(strings.ReplaceAll(p.ModelName, " ", "_")))
		_, err = stmt.ExecContext(ctx,
			profileID,
			string(p.Manufacturer),
			p.ModelName,
			p.Codename,
			strings.ToLower(p.VendorID),
			mustJSON(p.ProductIDs),
			mustJSON(p.SupportedMethods),
			mustJSON(p.SuccessRates),
			string(p.Difficulty),
			mustJSON(p.AndroidVersions),
			mustJSON(p.APILevels),
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("upsert profile %s: %w", profileID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert profiles: %w", err)
	}
	return nil
}

// FindProfile 按 vendor/product/机型提示查找档案。
// 匹配顺序：机型名精确命中 > vendor+product 命中 > vendor 命中。
// 未命中返回 (nil, nil)：档案缺失不是错误，由调用方决定兜底策略。
func (s *Store) FindProfile(ctx context.Context, vendorID, productID uint16, modelHint string) (*model.DeviceProfile, error) {
	vendorHex := fmt.Sprintf("0x%04x", vendorID)
	productHex := fmt.Sprintf("0x%04x", productID)

	if strings.TrimSpace(modelHint) != "" {
		p, err := s.queryOneProfile(ctx, `
			SELECT manufacturer, model_name, codename, vendor_id, product_ids_json,
				supported_methods_json, success_rates_json, difficulty,
				android_versions_json, api_levels_json
			FROM device_profiles
			WHERE model_name = ? COLLATE NOCASE
			LIMIT 1
		`, strings.TrimSpace(modelHint))
		if err != nil || p != nil {
			return p, err
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT manufacturer, model_name, codename, vendor_id, product_ids_json,
			supported_methods_json, success_rates_json, difficulty,
			android_versions_json, api_levels_json
		FROM device_profiles
		WHERE vendor_id = ?
		ORDER BY model_name
	`, vendorHex)
	if err != nil {
		return nil, fmt.Errorf("query profiles by vendor: %w", err)
	}
	defer rows.Close()

	var byVendor *model.DeviceProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		for _, pid := range p.ProductIDs {
			if strings.EqualFold(pid, productHex) {
				return p, nil
			}
		}
		if byVendor == nil {
			byVendor = p
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return byVendor, nil
}

func (s *Store) queryOneProfile(ctx context.Context, query string, args ...any) (*model.DeviceProfile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanProfile(rows)
}

func scanProfile(rows *sql.Rows) (*model.DeviceProfile, error) {
	var (
		p                              model.DeviceProfile
		manufacturer, difficulty       string
		codename, vendorID             sql.NullString
		productIDs, methods, rates     string
		androidVersions, apiLevels     string
	)
	if err := rows.Scan(&manufacturer, &p.ModelName, &codename, &vendorID, &productIDs,
		&methods, &rates, &difficulty, &androidVersions, &apiLevels); err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}

	p.Manufacturer = model.Manufacturer(manufacturer)
	p.Codename = codename.String
	p.VendorID = vendorID.String
	p.Difficulty = model.DifficultyTier(difficulty)
	_ = json.Unmarshal([]byte(productIDs), &p.ProductIDs)
	_ = json.Unmarshal([]byte(methods), &p.SupportedMethods)
	_ = json.Unmarshal([]byte(rates), &p.SuccessRates)
	_ = json.Unmarshal([]byte(androidVersions), &p.AndroidVersions)
	_ = json.Unmarshal([]byte(apiLevels), &p.APILevels)
	return &p, nil
}

// SaveSession 落库一个已终结的会话及其全部尝试。
func (s *Store) SaveSession(ctx context.Context, sess *model.BypassSession, snap model.DeviceSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save session: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().Unix()
	snapJSON, _ := json.Marshal(snap)
	planJSON, _ := json.Marshal(sess.Plan)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bypass_sessions(
			session_id, device_serial, vendor_id, product_id, manufacturer, mode,
			started_at, ended_at, dry_run, final_status, summary,
			snapshot_json, plan_json, created_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sess.SessionID,
		sess.DeviceSerial,
		fmt.Sprintf("0x%04x", snap.VendorID),
		fmt.Sprintf("0x%04x", snap.ProductID),
		string(snap.Manufacturer),
		string(snap.Mode),
		sess.StartedAt,
		sess.EndedAt,
		boolToInt(sess.DryRun),
		string(sess.FinalStatus),
		sess.Summary,
		string(snapJSON),
		string(planJSON),
		now,
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.SessionID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bypass_attempts(
			attempt_id, session_id, seq, method_name, status, retry,
			error_message, duration_ms, completed_steps_json, logs_json, created_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert attempts: %w", err)
	}
	defer stmt.Close()

	for i, a := range sess.Attempts {
		attemptID := a.AttemptID
		if attemptID == "" {
			attemptID = id.New("att")
		}
		_, err = stmt.ExecContext(ctx,
			attemptID,
			sess.SessionID,
			i,
			a.MethodName,
			string(a.Status),
			boolToInt(a.Retry),
			a.ErrorMessage,
			a.DurationMs,
			mustJSON(a.CompletedSteps),
			mustJSON(a.Logs),
			now,
		)
		if err != nil {
			return fmt.Errorf("insert attempt %s: %w", attemptID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save session: %w", err)
	}
	return nil
}

// GetSession 读取会话及其全部尝试；未找到返回 (nil, nil, nil)。
func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.BypassSession, *model.DeviceSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, device_serial, started_at, COALESCE(ended_at, 0),
			dry_run, COALESCE(final_status, ''), COALESCE(summary, ''),
			snapshot_json, plan_json
		FROM bypass_sessions
		WHERE session_id = ?
	`, sessionID)

	var (
		sess        model.BypassSession
		dryRun      int
		finalStatus string
		snapJSON    string
		planJSON    string
	)
	err := row.Scan(&sess.SessionID, &sess.DeviceSerial, &sess.StartedAt, &sess.EndedAt,
		&dryRun, &finalStatus, &sess.Summary, &snapJSON, &planJSON)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query session %s: %w", sessionID, err)
	}
	sess.DryRun = dryRun != 0
	sess.FinalStatus = model.SessionStatus(finalStatus)
	_ = json.Unmarshal([]byte(planJSON), &sess.Plan)

	var snap model.DeviceSnapshot
	_ = json.Unmarshal([]byte(snapJSON), &snap)

	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, method_name, status, retry, COALESCE(error_message, ''),
			duration_ms, completed_steps_json, logs_json
		FROM bypass_attempts
		WHERE session_id = ?
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a      model.BypassAttempt
			status string
			retry  int
			steps  string
			logs   string
		)
		if err := rows.Scan(&a.AttemptID, &a.MethodName, &status, &retry,
			&a.ErrorMessage, &a.DurationMs, &steps, &logs); err != nil {
			return nil, nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Status = model.AttemptStatus(status)
		a.Retry = retry != 0
		_ = json.Unmarshal([]byte(steps), &a.CompletedSteps)
		_ = json.Unmarshal([]byte(logs), &a.Logs)
		sess.Attempts = append(sess.Attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate attempts: %w", err)
	}

	return &sess, &snap, nil
}

// ListSessions 按时间倒序列出会话，serial 为空表示不过滤。
func (s *Store) ListSessions(ctx context.Context, serial string, limit int) ([]model.SessionInfo, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT s.session_id, s.device_serial, COALESCE(s.manufacturer, ''),
			COALESCE(s.mode, ''), s.started_at, COALESCE(s.ended_at, 0), s.dry_run,
			COALESCE(s.final_status, ''), COALESCE(s.summary, ''),
			(SELECT COUNT(*) FROM bypass_attempts a WHERE a.session_id = s.session_id)
		FROM bypass_sessions s
	`
	args := []any{}
	if strings.TrimSpace(serial) != "" {
		query += ` WHERE s.device_serial = ?`
		args = append(args, strings.TrimSpace(serial))
	}
	query += ` ORDER BY s.started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []model.SessionInfo
	for rows.Next() {
		var (
			info        model.SessionInfo
			dryRun      int
			finalStatus string
		)
		if err := rows.Scan(&info.SessionID, &info.DeviceSerial, &info.Manufacturer,
			&info.Mode, &info.StartedAt, &info.EndedAt, &dryRun, &finalStatus,
			&info.Summary, &info.AttemptCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.DryRun = dryRun != 0
		info.FinalStatus = model.SessionStatus(finalStatus)
		out = append(out, info)
	}
	return out, rows.Err()
}

// AppendAudit 追加一条状态迁移审计记录并维护会话内哈希链。
// 引擎内单会话串行写入，链头查询无需额外加锁。
func (s *Store) AppendAudit(ctx context.Context, t model.Transition) (model.AuditRecord, error) {
	var prev string
	err := s.db.QueryRowContext(ctx, `
		SELECT chain_hash FROM audit_logs
		WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, t.SessionID).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return model.AuditRecord{}, fmt.Errorf("query audit chain head: %w", err)
	}

	rec := model.AuditRecord{
		Transition:    t,
		ChainPrevHash: prev,
		ChainHash: hash.Text(
			prev,
			t.SessionID,
			t.DeviceSerial,
			t.MethodName,
			t.FromState,
			t.ToState,
			t.Detail,
			fmt.Sprintf("%d", t.OccurredAt),
		),
	}
	if rec.EventID == "" {
		rec.EventID = id.New("evt")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs(
			event_id, session_id, device_serial, method_name, from_state, to_state,
			detail, occurred_at, chain_prev_hash, chain_hash, created_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.EventID, rec.SessionID, rec.DeviceSerial, rec.MethodName, rec.FromState,
		rec.ToState, rec.Detail, rec.OccurredAt, rec.ChainPrevHash, rec.ChainHash,
		time.Now().Unix())
	if err != nil {
		return model.AuditRecord{}, fmt.Errorf("insert audit record: %w", err)
	}
	return rec, nil
}

// ListAuditLogs 按发生顺序读取某会话的审计链。
func (s *Store) ListAuditLogs(ctx context.Context, sessionID string, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, session_id, device_serial, COALESCE(method_name, ''),
			from_state, to_state, COALESCE(detail, ''), occurred_at,
			chain_prev_hash, chain_hash
		FROM audit_logs
		WHERE session_id = ?
		ORDER BY created_at, rowid
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		if err := rows.Scan(&rec.EventID, &rec.SessionID, &rec.DeviceSerial,
			&rec.MethodName, &rec.FromState, &rec.ToState, &rec.Detail,
			&rec.OccurredAt, &rec.ChainPrevHash, &rec.ChainHash); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CachedOutcome 查询 serial+method 的最近终态；超过 TTL 视为不存在。
func (s *Store) CachedOutcome(ctx context.Context, serial, method string) (model.AttemptStatus, bool, error) {
	var (
		status    string
		updatedAt int64
		ttl       int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, updated_at, ttl_seconds
		FROM attempt_cache
		WHERE device_serial = ? AND method_name = ?
	`, serial, method).Scan(&status, &updatedAt, &ttl)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query attempt cache: %w", err)
	}
	if updatedAt+ttl < time.Now().Unix() {
		return "", false, nil
	}
	return model.AttemptStatus(status), true, nil
}

// PutCachedOutcome 写入（覆盖）serial+method 的最后终态。
func (s *Store) PutCachedOutcome(ctx context.Context, serial, method string, status model.AttemptStatus, ttlSeconds int64) error {
	if ttlSeconds <= 0 {
		ttlSeconds = 24 * 3600
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempt_cache(device_serial, method_name, status, updated_at, ttl_seconds)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(device_serial, method_name) DO UPDATE SET
			status=excluded.status,
			updated_at=excluded.updated_at,
			ttl_seconds=excluded.ttl_seconds
	`, serial, method, string(status), time.Now().Unix(), ttlSeconds)
	if err != nil {
		return fmt.Errorf("upsert attempt cache: %w", err)
	}
	return nil
}

// RegisterReport 登记一份报告产物。
func (s *Store) RegisterReport(ctx context.Context, reportID, sessionID, reportType, filePath, sha256sum, generatedBy, note string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports(report_id, session_id, report_type, file_path, sha256, generated_by, note, generated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, reportID, sessionID, reportType, filePath, sha256sum, generatedBy, note, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// SessionStats 返回按终态聚合的会话统计。
func (s *Store) SessionStats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(final_status, ''), COUNT(*)
		FROM bypass_sessions
		GROUP BY final_status
	`)
	if err != nil {
		return nil, fmt.Errorf("query session stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan session stats: %w", err)
		}
		if status == "" {
			status = "unknown"
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil || v == nil {
		return "[]"
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
