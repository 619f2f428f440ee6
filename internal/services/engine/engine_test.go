package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"frp-orchestrator/internal/adapters/transport"
	"frp-orchestrator/internal/domain/model"
	"frp-orchestrator/internal/services/authz"
)

// fakeChannel 按注入的脚本响应命令与锁状态查询。
type fakeChannel struct {
	mode model.DeviceMode
	exec func(args []string) (transport.CommandResult, error)
	lock func() (model.LockState, error)
}

func (c *fakeChannel) Mode() model.DeviceMode { return c.mode }

func (c *fakeChannel) Execute(ctx context.Context, timeout time.Duration, args ...string) (transport.CommandResult, error) {
	return c.exec(args)
}

func (c *fakeChannel) SwitchMode(ctx context.Context, target model.DeviceMode) error {
	c.mode = target
	return nil
}

func (c *fakeChannel) QueryLockState(ctx context.Context) (model.LockState, error) {
	return c.lock()
}

type fakeLease struct {
	ch        *fakeChannel
	switchErr error
	released  bool
}

func (l *fakeLease) Channel() transport.Channel { return l.ch }

func (l *fakeLease) SwitchMode(ctx context.Context, target model.DeviceMode) error {
	if l.switchErr != nil {
		return l.switchErr
	}
	return l.ch.SwitchMode(ctx, target)
}

func (l *fakeLease) Release() { l.released = true }

type fakeProvider struct {
	lease *fakeLease
	err   error
}

func (p *fakeProvider) Acquire(ctx context.Context, serial string, mode model.DeviceMode) (Lease, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.lease, nil
}

type allowAll struct{}

func (allowAll) CheckAuthorized(ctx context.Context, serial string) (*authz.Grant, error) {
	return &authz.Grant{DeviceSerial: serial, Ticket: "CASE-1"}, nil
}

type denyAll struct{}

func (denyAll) CheckAuthorized(ctx context.Context, serial string) (*authz.Grant, error) {
	return nil, &authz.DeniedError{Serial: serial, Reason: "no grant on file"}
}

type fixedResolver struct {
	profile model.DeviceProfile
}

func (r fixedResolver) Resolve(ctx context.Context, snap model.DeviceSnapshot, bundle model.MethodBundle) (*model.DeviceProfile, bool, error) {
	p := r.profile
	return &p, !p.Generic, nil
}

type captureSink struct {
	transitions []model.Transition
}

func (s *captureSink) Record(ctx context.Context, t model.Transition) {
	s.transitions = append(s.transitions, t)
}

func engineBundle() model.MethodBundle {
	return model.MethodBundle{
		Version:    "1",
		BundleType: "frp_methods",
		Methods: []model.MethodDescriptor{
			{Name: "m_high", RequiredMode: "adb", Risk: "low", BaseWeight: 0.5,
				Steps: []model.MethodStep{
					{Name: "open_settings", Command: []string{"shell", "am", "start"}},
					{Name: "reset_flags", Command: []string{"shell", "settings", "put"}},
				}},
			{Name: "m_low", RequiredMode: "adb", Risk: "medium", BaseWeight: 0.5,
				Steps: []model.MethodStep{
					{Name: "clear_gms", Command: []string{"shell", "pm", "clear"}},
				}},
		},
	}
}

func engineProfile() model.DeviceProfile {
	return model.DeviceProfile{
		Manufacturer:     model.ManufacturerSamsung,
		ModelName:        "Galaxy S21",
		SupportedMethods: []string{"m_high", "m_low"},
		SuccessRates:     map[string]int{"m_high": 90, "m_low": 60},
	}
}

func engineSnap() model.DeviceSnapshot {
	return model.DeviceSnapshot{
		Serial:       "R58M123",
		VendorID:     0x04e8,
		ProductID:    0x6860,
		Manufacturer: model.ManufacturerSamsung,
		Mode:         model.ModeDebugBridge,
	}
}

func newEngine(lease *fakeLease, sink *captureSink) *Engine {
	return &Engine{
		Channels:    &fakeProvider{lease: lease},
		Auth:        allowAll{},
		Resolver:    fixedResolver{profile: engineProfile()},
		Audit:       sink,
		Bundle:      engineBundle(),
		StepTimeout: time.Second,
	}
}

func TestRun_FallsThroughToSecondMethod(t *testing.T) {
	// m_high 的流程全部执行成功但验证发现锁仍在；m_low 验证通过。
	verified := false
	ch := &fakeChannel{
		mode: model.ModeDebugBridge,
		exec: func(args []string) (transport.CommandResult, error) {
			if strings.Contains(strings.Join(args, " "), "pm clear") {
				verified = true
			}
			return transport.CommandResult{Success: true}, nil
		},
		lock: func() (model.LockState, error) {
			if verified {
				return model.LockUnlocked, nil
			}
			return model.LockLocked, nil
		},
	}
	lease := &fakeLease{ch: ch}
	sink := &captureSink{}

	sess, err := newEngine(lease, sink).Run(context.Background(), engineSnap(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if sess.FinalStatus != model.SessionSuccess {
		t.Fatalf("expected success, got %s (%s)", sess.FinalStatus, sess.Summary)
	}
	if len(sess.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %+v", sess.Attempts)
	}
	if sess.Attempts[0].MethodName != "m_high" || sess.Attempts[0].Status != model.AttemptFailed {
		t.Fatalf("unexpected first attempt: %+v", sess.Attempts[0])
	}
	if sess.Attempts[1].MethodName != "m_low" || sess.Attempts[1].Status != model.AttemptSuccess {
		t.Fatalf("unexpected second attempt: %+v", sess.Attempts[1])
	}
	if !lease.released {
		t.Fatalf("lease must be released")
	}

	// 每次成功尝试都必须经过 verifying 才能进入 success。
	for i, tr := range sink.transitions {
		if tr.ToState == string(model.AttemptSuccess) && tr.FromState != string(model.AttemptVerifying) {
			t.Fatalf("transition %d: success must come from verifying, got %+v", i, tr)
		}
	}
}

func TestRun_DryRunProducesNoAttempts(t *testing.T) {
	lease := &fakeLease{ch: &fakeChannel{
		mode: model.ModeDebugBridge,
		exec: func([]string) (transport.CommandResult, error) {
			panic("dry run must not touch the device")
		},
		lock: func() (model.LockState, error) {
			panic("dry run must not touch the device")
		},
	}}
	sink := &captureSink{}

	sess, err := newEngine(lease, sink).Run(context.Background(), engineSnap(), RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sess.Attempts) != 0 {
		t.Fatalf("dry run must not produce attempts: %+v", sess.Attempts)
	}
	if len(sess.Plan) != 2 {
		t.Fatalf("expected full plan, got %+v", sess.Plan)
	}
	// dry run 没有任何验证过的解锁，终态不得与真实 success 混同。
	if sess.FinalStatus != model.SessionPlanned {
		t.Fatalf("dry run final status = %s, want %s", sess.FinalStatus, model.SessionPlanned)
	}
}

func TestRun_SwitchesBackAfterEarlierModeSwitch(t *testing.T) {
	// 计划为 [fastboot 方法, adb 方法]，设备初始在 adb 模式。
	// 第一个方法把设备切到 fastboot 后验证失败，
	// 第二个方法必须先切回 adb 才能在正确的通道上执行。
	bundle := model.MethodBundle{
		Version:    "1",
		BundleType: "frp_methods",
		Methods: []model.MethodDescriptor{
			{Name: "m_fb", RequiredMode: "fastboot", Risk: "low", BaseWeight: 0.5,
				Steps: []model.MethodStep{
					{Name: "erase_frp", Command: []string{"erase", "frp"}},
				}},
			{Name: "m_adb", RequiredMode: "adb", Risk: "low", BaseWeight: 0.5,
				Steps: []model.MethodStep{
					{Name: "clear_gms", Command: []string{"shell", "pm", "clear"}},
				}},
		},
	}
	profile := model.DeviceProfile{
		Manufacturer:     model.ManufacturerSamsung,
		ModelName:        "Galaxy S21",
		SupportedMethods: []string{"m_fb", "m_adb"},
		// 0.90*0.75 > 0.60：带切换折扣的 fastboot 方法仍排第一。
		SuccessRates: map[string]int{"m_fb": 90, "m_adb": 60},
	}

	ch := &fakeChannel{mode: model.ModeDebugBridge}
	var execModes []model.DeviceMode
	ch.exec = func(args []string) (transport.CommandResult, error) {
		execModes = append(execModes, ch.mode)
		return transport.CommandResult{Success: true}, nil
	}
	ch.lock = func() (model.LockState, error) {
		if ch.mode == model.ModeDebugBridge {
			return model.LockUnlocked, nil
		}
		return model.LockLocked, nil
	}
	lease := &fakeLease{ch: ch}

	e := &Engine{
		Channels:    &fakeProvider{lease: lease},
		Auth:        allowAll{},
		Resolver:    fixedResolver{profile: profile},
		Audit:       &captureSink{},
		Bundle:      bundle,
		StepTimeout: time.Second,
	}

	sess, err := e.Run(context.Background(), engineSnap(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(sess.Plan) != 2 || sess.Plan[0].MethodName != "m_fb" {
		t.Fatalf("unexpected plan: %+v", sess.Plan)
	}
	if len(sess.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %+v", sess.Attempts)
	}
	if sess.Attempts[0].Status != model.AttemptFailed {
		t.Fatalf("unexpected first attempt: %+v", sess.Attempts[0])
	}
	if sess.Attempts[1].MethodName != "m_adb" || sess.Attempts[1].Status != model.AttemptSuccess {
		t.Fatalf("unexpected second attempt: %+v", sess.Attempts[1])
	}
	if sess.FinalStatus != model.SessionSuccess {
		t.Fatalf("expected success, got %s (%s)", sess.FinalStatus, sess.Summary)
	}

	// 每一步都必须在方法声明的模式上执行。
	want := []model.DeviceMode{model.ModeBootLoader, model.ModeDebugBridge}
	if len(execModes) != len(want) {
		t.Fatalf("exec modes = %v", execModes)
	}
	for i := range want {
		if execModes[i] != want[i] {
			t.Fatalf("step %d executed in mode %s, want %s", i, execModes[i], want[i])
		}
	}
}

func TestRun_DisconnectAborts(t *testing.T) {
	calls := 0
	ch := &fakeChannel{
		mode: model.ModeDebugBridge,
		exec: func(args []string) (transport.CommandResult, error) {
			calls++
			if calls == 2 {
				return transport.CommandResult{}, fmt.Errorf("adb: %w", transport.ErrDeviceDisconnected)
			}
			return transport.CommandResult{Success: true}, nil
		},
		lock: func() (model.LockState, error) { return model.LockLocked, nil },
	}
	lease := &fakeLease{ch: ch}

	sess, err := newEngine(lease, &captureSink{}).Run(context.Background(), engineSnap(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sess.FinalStatus != model.SessionAborted {
		t.Fatalf("expected aborted on disconnect, got %s", sess.FinalStatus)
	}
	if len(sess.Attempts) != 1 || sess.Attempts[0].Status != model.AttemptError {
		t.Fatalf("unexpected attempts: %+v", sess.Attempts)
	}
}

func TestRun_TimeoutRetriesOnce(t *testing.T) {
	execCalls := 0
	ch := &fakeChannel{
		mode: model.ModeDebugBridge,
		exec: func([]string) (transport.CommandResult, error) {
			execCalls++
			if execCalls == 1 {
				return transport.CommandResult{}, fmt.Errorf("adb: %w", transport.ErrCommandTimeout)
			}
			return transport.CommandResult{Success: true}, nil
		},
		lock: func() (model.LockState, error) { return model.LockUnlocked, nil },
	}
	lease := &fakeLease{ch: ch}

	sess, err := newEngine(lease, &captureSink{}).Run(context.Background(), engineSnap(), RunOptions{Method: "m_high"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sess.FinalStatus != model.SessionSuccess {
		t.Fatalf("expected success after retry, got %s (%s)", sess.FinalStatus, sess.Summary)
	}
	if len(sess.Attempts) != 2 {
		t.Fatalf("expected original + retry attempts, got %+v", sess.Attempts)
	}
	if sess.Attempts[0].Retry || sess.Attempts[0].Status != model.AttemptError {
		t.Fatalf("unexpected first attempt: %+v", sess.Attempts[0])
	}
	if !sess.Attempts[1].Retry {
		t.Fatalf("second attempt must be marked as retry: %+v", sess.Attempts[1])
	}
}

func TestRun_SecondTimeoutAborts(t *testing.T) {
	ch := &fakeChannel{
		mode: model.ModeDebugBridge,
		exec: func([]string) (transport.CommandResult, error) {
			return transport.CommandResult{}, fmt.Errorf("adb: %w", transport.ErrCommandTimeout)
		},
		lock: func() (model.LockState, error) { return model.LockUnlocked, nil },
	}
	lease := &fakeLease{ch: ch}

	sess, err := newEngine(lease, &captureSink{}).Run(context.Background(), engineSnap(), RunOptions{Method: "m_high"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sess.FinalStatus != model.SessionAborted {
		t.Fatalf("expected aborted after second timeout, got %s", sess.FinalStatus)
	}
	if len(sess.Attempts) != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", len(sess.Attempts))
	}
}

func TestRun_InconclusiveVerificationIsFailure(t *testing.T) {
	ch := &fakeChannel{
		mode: model.ModeDebugBridge,
		exec: func([]string) (transport.CommandResult, error) {
			return transport.CommandResult{Success: true}, nil
		},
		lock: func() (model.LockState, error) { return model.LockUnknown, nil },
	}
	lease := &fakeLease{ch: ch}

	sess, err := newEngine(lease, &captureSink{}).Run(context.Background(), engineSnap(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sess.FinalStatus != model.SessionExhausted {
		t.Fatalf("expected exhausted, got %s", sess.FinalStatus)
	}
	for _, a := range sess.Attempts {
		if a.Status != model.AttemptFailed {
			t.Fatalf("inconclusive verification must report failed, got %+v", a)
		}
	}
}

func TestRun_AuthorizationDenied(t *testing.T) {
	e := newEngine(&fakeLease{ch: &fakeChannel{}}, &captureSink{})
	e.Auth = denyAll{}

	sess, err := e.Run(context.Background(), engineSnap(), RunOptions{})
	var denied *authz.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if sess != nil {
		t.Fatalf("denied run must not produce a session")
	}
}

func TestRun_UnknownMethodRejected(t *testing.T) {
	e := newEngine(&fakeLease{ch: &fakeChannel{}}, &captureSink{})
	_, err := e.Run(context.Background(), engineSnap(), RunOptions{Method: "no_such_method"})
	if err == nil {
		t.Fatalf("expected error for inapplicable method")
	}
}
