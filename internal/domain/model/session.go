package model

// AttemptStatus 是单次尝试状态机的状态集合。
// 合法迁移：pending -> preparing -> executing -> verifying ->
// {success | failed | error}；success/failed/error 为终态。
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptPreparing AttemptStatus = "preparing"
	AttemptExecuting AttemptStatus = "executing"
	AttemptVerifying AttemptStatus = "verifying"
	AttemptSuccess   AttemptStatus = "success"
	AttemptFailed    AttemptStatus = "failed"
	AttemptError     AttemptStatus = "error"
)

// Terminal 判断状态是否为终态。
func (s AttemptStatus) Terminal() bool {
	return s == AttemptSuccess || s == AttemptFailed || s == AttemptError
}

// SessionStatus 是会话终态集合。
type SessionStatus string

const (
	// SessionSuccess 某个方法验证通过。
	SessionSuccess SessionStatus = "success"
	// SessionExhausted 所有候选方法均以 failed 终止（未出现 error）。
	SessionExhausted SessionStatus = "exhausted_all_methods"
	// SessionAborted 致命错误或用户中止。
	SessionAborted SessionStatus = "aborted"
	// SessionPlanned dry-run 只产出计划，未执行任何方法。
	SessionPlanned SessionStatus = "planned"
)

// AttemptLogEntry 是尝试过程中的一条时间戳日志。
type AttemptLogEntry struct {
	At      int64  `json:"at"`
	Message string `json:"message"`
}

// BypassAttempt 记录引擎对一台设备执行一个方法描述符的全过程。
// 仅由驱动该尝试的引擎协程写入；进入终态后不再修改。
type BypassAttempt struct {
	AttemptID      string            `json:"attempt_id"`
	MethodName     string            `json:"method_name"`
	Status         AttemptStatus     `json:"status"`
	Retry          bool              `json:"retry,omitempty"`
	Logs           []AttemptLogEntry `json:"logs,omitempty"`
	CompletedSteps []string          `json:"completed_steps,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	DurationMs     int64             `json:"duration_ms"`
}

// PlanEntry 是排序后的执行计划中的一项。
type PlanEntry struct {
	MethodName      string     `json:"method_name"`
	RequiredMode    DeviceMode `json:"required_mode"`
	NeedsModeSwitch bool       `json:"needs_mode_switch"`
	Weight          float64    `json:"weight"`
	Risk            RiskTier   `json:"risk"`
}

// BypassSession 聚合针对一台设备快照的一次完整编排运行。
// 会话状态仅由策略引擎修改；通信层只返回命令结果。
type BypassSession struct {
	SessionID    string          `json:"session_id"`
	DeviceSerial string          `json:"device_serial"`
	StartedAt    int64           `json:"started_at"`
	EndedAt      int64           `json:"ended_at"`
	DryRun       bool            `json:"dry_run,omitempty"`
	Plan         []PlanEntry     `json:"plan,omitempty"`
	Attempts     []BypassAttempt `json:"attempts"`
	FinalStatus  SessionStatus   `json:"final_status,omitempty"`
	// Summary 是独立于结构化日志的人类可读摘要（终态 + 最后错误）。
	Summary string `json:"summary,omitempty"`
}

// Transition 是一次状态迁移的审计记录，引擎在每次迁移后追加写出。
type Transition struct {
	EventID      string `json:"event_id"`
	SessionID    string `json:"session_id"`
	DeviceSerial string `json:"device_serial"`
	MethodName   string `json:"method_name"`
	FromState    string `json:"from_state"`
	ToState      string `json:"to_state"`
	Detail       string `json:"detail,omitempty"`
	OccurredAt   int64  `json:"occurred_at"`
}

// AuditRecord 是落库后的审计记录，带哈希链字段用于防篡改校验。
type AuditRecord struct {
	Transition
	ChainPrevHash string `json:"chain_prev_hash"`
	ChainHash     string `json:"chain_hash"`
}

// SessionInfo 是会话列表查询的行结构。
type SessionInfo struct {
	SessionID    string        `json:"session_id"`
	DeviceSerial string        `json:"device_serial"`
	Manufacturer string        `json:"manufacturer"`
	Mode         string        `json:"mode"`
	StartedAt    int64         `json:"started_at"`
	EndedAt      int64         `json:"ended_at"`
	DryRun       bool          `json:"dry_run"`
	FinalStatus  SessionStatus `json:"final_status"`
	AttemptCount int           `json:"attempt_count"`
	Summary      string        `json:"summary"`
}
