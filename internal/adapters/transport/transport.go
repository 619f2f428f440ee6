package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"frp-orchestrator/internal/domain/model"
)

// 通信层错误分级：
// - ErrCommandTimeout    可恢复，引擎允许对同一方法重试一次
// - ErrChannelUnavailable 可恢复，策略层可尝试切换模式
// - ErrDeviceDisconnected 致命，当前会话立即中止
// - ErrUnexpectedState    致命，设备返回无法解释的状态
var (
	ErrCommandTimeout     = errors.New("command timed out")
	ErrChannelUnavailable = errors.New("no channel available for current mode")
	ErrDeviceDisconnected = errors.New("device disconnected")
	ErrUnexpectedState    = errors.New("unexpected device state")
)

// CommandResult 是一条通道命令的执行结果。
type CommandResult struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

// Channel 是统一的设备通道能力集。
// 三种通道（adb / fastboot / raw usb）实现完全相同的接口，
// 由 Manager 按设备当前模式选择具体实现。
type Channel interface {
	// Mode 返回该通道服务的设备模式。
	Mode() model.DeviceMode

	// Execute 执行一条通道命令。命令语义由通道自身定义；
	// 超时后放弃等待（尽力取消，设备侧操作可能仍会完成）。
	Execute(ctx context.Context, timeout time.Duration, args ...string) (CommandResult, error)

	// SwitchMode 请求设备切换到目标模式。返回 nil 仅表示切换命令已受理，
	// 设备重新枚举由调用方等待。
	SwitchMode(ctx context.Context, target model.DeviceMode) error

	// QueryLockState 独立查询 FRP 锁状态。引擎在 Verifying 阶段调用，
	// 从不信任方法流程自身的完成信号。
	QueryLockState(ctx context.Context) (model.LockState, error)
}

// runTool 统一封装外部工具调用：超时控制、输出采集、断连识别。
func runTool(ctx context.Context, timeout time.Duration, bin string, args ...string) (CommandResult, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(cctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{
		Success:    err == nil,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if exitErr := (*exec.ExitError)(nil); errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}

	if cctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%w: %s %s", ErrCommandTimeout, bin, strings.Join(args, " "))
	}
	if err != nil {
		combined := strings.ToLower(stdout.String() + stderr.String())
		if looksDisconnected(combined) {
			return res, fmt.Errorf("%w: %s %s", ErrDeviceDisconnected, bin, strings.Join(args, " "))
		}
	}
	return res, nil
}

// looksDisconnected 从工具输出中识别设备被拔出的典型特征。
func looksDisconnected(out string) bool {
	for _, marker := range []string{
		"device not found",
		"no devices/emulators found",
		"device offline",
		"device disconnected",
	} {
		if strings.Contains(out, marker) {
			return true
		}
	}
	return false
}
