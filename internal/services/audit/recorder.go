package audit

import (
	"context"
	"fmt"
	"sync"

	"frp-orchestrator/internal/adapters/store/sqlite"
	"frp-orchestrator/internal/domain/model"
)

// Recorder 把引擎的状态迁移事件写入审计链。
// 审计写入失败只记 warning，不中断编排本身。
type Recorder struct {
	store *sqlite.Store

	mu       sync.Mutex
	warnings []string
}

func NewRecorder(store *sqlite.Store) *Recorder {
	return &Recorder{store: store}
}

// Record 追加一条迁移记录。失败不返回错误，仅积累 warning。
func (r *Recorder) Record(ctx context.Context, t model.Transition) {
	if r == nil || r.store == nil {
		return
	}
	if _, err := r.store.AppendAudit(ctx, t); err != nil {
		r.mu.Lock()
		r.warnings = append(r.warnings, fmt.Sprintf("audit append failed (%s -> %s): %v", t.FromState, t.ToState, err))
		r.mu.Unlock()
	}
}

// Warnings 返回累计的审计写入告警。
func (r *Recorder) Warnings() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.warnings))
	copy(out, r.warnings)
	return out
}
