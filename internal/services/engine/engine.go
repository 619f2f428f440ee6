package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"frp-orchestrator/internal/adapters/transport"
	"frp-orchestrator/internal/domain/model"
	"frp-orchestrator/internal/platform/id"
	"frp-orchestrator/internal/services/authz"
)

// Lease 是引擎视角的独占通道租约；生产实现见 transport.Manager。
type Lease interface {
	Channel() transport.Channel
	SwitchMode(ctx context.Context, target model.DeviceMode) error
	Release()
}

// ChannelProvider 按序列号租借通道。
type ChannelProvider interface {
	Acquire(ctx context.Context, serial string, mode model.DeviceMode) (Lease, error)
}

// TransportProvider 把 transport.Manager 适配为 ChannelProvider。
type TransportProvider struct {
	Manager *transport.Manager
}

func (p TransportProvider) Acquire(ctx context.Context, serial string, mode model.DeviceMode) (Lease, error) {
	lease, err := p.Manager.Acquire(ctx, serial, mode)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Authorizer 在会话开始前校验设备级操作授权。
type Authorizer interface {
	CheckAuthorized(ctx context.Context, serial string) (*authz.Grant, error)
}

// ProfileResolver 为快照解析机型档案（含未命中时的兜底档案）。
type ProfileResolver interface {
	Resolve(ctx context.Context, snap model.DeviceSnapshot, bundle model.MethodBundle) (*model.DeviceProfile, bool, error)
}

// TransitionSink 接收每一次状态迁移；写入失败不得影响编排。
type TransitionSink interface {
	Record(ctx context.Context, t model.Transition)
}

// OutcomeCache 提供 serial+method 的历史终态提示。
type OutcomeCache interface {
	CachedOutcome(ctx context.Context, serial, method string) (model.AttemptStatus, bool, error)
}

// Engine 是绕过编排引擎：生成执行计划并驱动逐方法状态机。
// 会话与尝试的状态只在这里修改，通道层仅返回命令结果。
type Engine struct {
	Channels ChannelProvider
	Auth     Authorizer
	Resolver ProfileResolver
	Audit    TransitionSink
	Cache    OutcomeCache
	Bundle   model.MethodBundle

	// Observer 若非空，会在每次状态迁移后同步回调（进度展示用）。
	Observer func(model.Transition)

	// StepTimeout 是方法步骤未声明超时时的缺省值。
	StepTimeout time.Duration
}

// RunOptions 控制一次编排运行。
type RunOptions struct {
	// Method 非空时只执行该方法（必须是当前快照的合法候选）。
	Method string
	// DryRun 只生成计划与准备期检查，不向设备下发任何命令。
	DryRun bool
}

// Run 对一台设备快照执行一次完整编排。
// 授权未通过时直接返回错误，不产生会话。
func (e *Engine) Run(ctx context.Context, snap model.DeviceSnapshot, opts RunOptions) (*model.BypassSession, error) {
	if _, err := e.Auth.CheckAuthorized(ctx, snap.Serial); err != nil {
		return nil, err
	}

	profile, hit, err := e.Resolver.Resolve(ctx, snap, e.Bundle)
	if err != nil {
		return nil, err
	}

	hints := e.collectHints(ctx, snap.Serial, *profile)
	plan := BuildPlan(snap, *profile, e.Bundle, hints)

	if opts.Method != "" {
		plan, err = restrictPlan(plan, opts.Method)
		if err != nil {
			return nil, err
		}
	}

	sess := &model.BypassSession{
		SessionID:    uuid.NewString(),
		DeviceSerial: snap.Serial,
		StartedAt:    time.Now().Unix(),
		DryRun:       opts.DryRun,
		Plan:         plan,
	}

	if len(plan) == 0 {
		sess.FinalStatus = model.SessionExhausted
		sess.Summary = fmt.Sprintf("no applicable methods for %s in mode %s", snap.DeviceID(), snap.Mode)
		sess.EndedAt = time.Now().Unix()
		return sess, nil
	}

	if opts.DryRun {
		sess.FinalStatus = model.SessionPlanned
		sess.Summary = fmt.Sprintf("dry run: %d candidate methods, profile hit=%v", len(plan), hit)
		sess.EndedAt = time.Now().Unix()
		return sess, nil
	}

	lease, err := e.Channels.Acquire(ctx, snap.Serial, snap.Mode)
	if err != nil {
		return nil, fmt.Errorf("acquire channel for %s: %w", snap.Serial, err)
	}
	defer lease.Release()

	e.drive(ctx, sess, snap, lease, plan)
	sess.EndedAt = time.Now().Unix()
	return sess, nil
}

// restrictPlan 把计划裁剪为指定方法的单项计划。
func restrictPlan(plan []model.PlanEntry, method string) ([]model.PlanEntry, error) {
	for _, entry := range plan {
		if entry.MethodName == method {
			return []model.PlanEntry{entry}, nil
		}
	}
	return nil, fmt.Errorf("method %s is not applicable to this device", method)
}

// collectHints 读取结果缓存；缓存读失败按无提示处理。
func (e *Engine) collectHints(ctx context.Context, serial string, profile model.DeviceProfile) map[string]model.AttemptStatus {
	hints := map[string]model.AttemptStatus{}
	if e.Cache == nil {
		return hints
	}
	for _, method := range profile.SupportedMethods {
		status, ok, err := e.Cache.CachedOutcome(ctx, serial, method)
		if err == nil && ok {
			hints[method] = status
		}
	}
	return hints
}

// drive 顺序执行计划中的每个方法，处理重试与致命中止。
func (e *Engine) drive(ctx context.Context, sess *model.BypassSession, snap model.DeviceSnapshot, lease Lease, plan []model.PlanEntry) {
	for _, entry := range plan {
		retried := false
		for {
			if err := ctx.Err(); err != nil {
				sess.FinalStatus = model.SessionAborted
				sess.Summary = fmt.Sprintf("aborted by operator: %v", err)
				return
			}

			attempt, commErr := e.runAttempt(ctx, sess, snap, lease, entry, retried)
			sess.Attempts = append(sess.Attempts, attempt)

			if attempt.Status == model.AttemptSuccess {
				sess.FinalStatus = model.SessionSuccess
				sess.Summary = fmt.Sprintf("method %s verified unlocked", entry.MethodName)
				return
			}

			if commErr != nil {
				// 超时允许对同一方法重试一次；其余通信异常立即中止会话。
				if errors.Is(commErr, transport.ErrCommandTimeout) && !retried {
					retried = true
					continue
				}
				sess.FinalStatus = model.SessionAborted
				sess.Summary = fmt.Sprintf("aborted on %s: %v", entry.MethodName, commErr)
				return
			}

			break
		}
	}

	sess.FinalStatus = model.SessionExhausted
	sess.Summary = fmt.Sprintf("all %d methods exhausted without verified unlock", len(plan))
}

// runAttempt 对单个方法执行一次完整状态机。
// 返回的 error 仅表示通信层异常（此时尝试状态为 error）；
// 方法流程失败与验证未通过体现在尝试状态 failed 上，error 为 nil。
func (e *Engine) runAttempt(ctx context.Context, sess *model.BypassSession, snap model.DeviceSnapshot, lease Lease, entry model.PlanEntry, retry bool) (model.BypassAttempt, error) {
	start := time.Now()
	attempt := model.BypassAttempt{
		AttemptID:  id.New("att"),
		MethodName: entry.MethodName,
		Status:     model.AttemptPending,
		Retry:      retry,
	}
	defer func() {
		attempt.DurationMs = time.Since(start).Milliseconds()
	}()

	method, _, ok := e.Bundle.FindMethod(entry.MethodName)
	if !ok {
		attempt.Status = model.AttemptFailed
		attempt.ErrorMessage = "method descriptor missing from bundle"
		return attempt, nil
	}

	// Preparing：对照通道当前模式做适用性检查，不一致时切换。
	// 前面的尝试可能已经把设备切走，计划期的切换标记只用于排序折扣。
	e.transition(ctx, sess, &attempt, model.AttemptPreparing, "")
	if cur := lease.Channel().Mode(); cur != entry.RequiredMode {
		if err := lease.SwitchMode(ctx, entry.RequiredMode); err != nil {
			if isCommError(err) {
				attempt.ErrorMessage = err.Error()
				e.transition(ctx, sess, &attempt, model.AttemptError, err.Error())
				return attempt, err
			}
			attempt.ErrorMessage = fmt.Sprintf("mode switch to %s failed: %v", entry.RequiredMode, err)
			e.transition(ctx, sess, &attempt, model.AttemptFailed, attempt.ErrorMessage)
			return attempt, nil
		}
		appendLog(&attempt, "switched mode %s -> %s", cur, entry.RequiredMode)
	}

	// Executing：按声明顺序执行方法步骤。
	e.transition(ctx, sess, &attempt, model.AttemptExecuting, "")
	for _, step := range method.Steps {
		timeout := e.StepTimeout
		if step.TimeoutSeconds > 0 {
			timeout = time.Duration(step.TimeoutSeconds) * time.Second
		}

		result, err := lease.Channel().Execute(ctx, timeout, step.Command...)
		if err != nil {
			attempt.ErrorMessage = fmt.Sprintf("step %s: %v", step.Name, err)
			e.transition(ctx, sess, &attempt, model.AttemptError, attempt.ErrorMessage)
			return attempt, err
		}
		if !result.Success {
			attempt.ErrorMessage = fmt.Sprintf("step %s failed (exit %d)", step.Name, result.ExitCode)
			e.transition(ctx, sess, &attempt, model.AttemptFailed, attempt.ErrorMessage)
			return attempt, nil
		}

		attempt.CompletedSteps = append(attempt.CompletedSteps, step.Name)
		appendLog(&attempt, "step %s ok (%dms)", step.Name, result.DurationMs)
	}

	// Verifying：独立查询锁状态，从不信任流程自身的完成信号。
	e.transition(ctx, sess, &attempt, model.AttemptVerifying, "")
	state, err := lease.Channel().QueryLockState(ctx)
	if err != nil {
		attempt.ErrorMessage = fmt.Sprintf("lock state query: %v", err)
		e.transition(ctx, sess, &attempt, model.AttemptError, attempt.ErrorMessage)
		return attempt, err
	}

	if state == model.LockUnlocked {
		e.transition(ctx, sess, &attempt, model.AttemptSuccess, "frp lock verified cleared")
		return attempt, nil
	}

	// 锁仍在或无法判定都算未成功；判定不出来不能当成功报。
	attempt.ErrorMessage = fmt.Sprintf("verification inconclusive or still locked: %s", state)
	e.transition(ctx, sess, &attempt, model.AttemptFailed, attempt.ErrorMessage)
	return attempt, nil
}

// transition 推进尝试状态并向审计链与观察者发布迁移事件。
func (e *Engine) transition(ctx context.Context, sess *model.BypassSession, attempt *model.BypassAttempt, to model.AttemptStatus, detail string) {
	from := attempt.Status
	attempt.Status = to

	t := model.Transition{
		EventID:      id.New("evt"),
		SessionID:    sess.SessionID,
		DeviceSerial: sess.DeviceSerial,
		MethodName:   attempt.MethodName,
		FromState:    string(from),
		ToState:      string(to),
		Detail:       detail,
		OccurredAt:   time.Now().Unix(),
	}
	if e.Audit != nil {
		e.Audit.Record(ctx, t)
	}
	if e.Observer != nil {
		e.Observer(t)
	}
}

func appendLog(a *model.BypassAttempt, format string, args ...any) {
	a.Logs = append(a.Logs, model.AttemptLogEntry{
		At:      time.Now().Unix(),
		Message: fmt.Sprintf(format, args...),
	})
}

// isCommError 判断错误是否属于通信层异常分级。
func isCommError(err error) bool {
	return errors.Is(err, transport.ErrCommandTimeout) ||
		errors.Is(err, transport.ErrDeviceDisconnected) ||
		errors.Is(err, transport.ErrUnexpectedState)
}
