package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"frp-orchestrator/internal/adapters/usb"
	"frp-orchestrator/internal/domain/model"
)

// rawUSBChannel 面向 download/EDL 等没有调试协议的模式。
// 该通道不向设备写入数据，只基于 sysfs 枚举提供存在性操作，
// 供下载模式流程等待设备重启/重新枚举使用：
//
//	probe         设备当前是否在总线上
//	wait-present  轮询等待设备出现
//	wait-absent   轮询等待设备消失（例如重启开始）
type rawUSBChannel struct {
	serial    string
	mode      model.DeviceMode
	sysfsRoot string
}

func newRawUSBChannel(serial string, mode model.DeviceMode, sysfsRoot string) *rawUSBChannel {
	return &rawUSBChannel{serial: serial, mode: mode, sysfsRoot: sysfsRoot}
}

func (c *rawUSBChannel) Mode() model.DeviceMode { return c.mode }

func (c *rawUSBChannel) Execute(ctx context.Context, timeout time.Duration, args ...string) (CommandResult, error) {
	if len(args) == 0 {
		return CommandResult{}, fmt.Errorf("%w: empty raw usb command", ErrUnexpectedState)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	start := time.Now()
	op := strings.ToLower(args[0])
	switch op {
	case "probe":
		present, err := c.present()
		if err != nil {
			return CommandResult{DurationMs: time.Since(start).Milliseconds()}, err
		}
		if !present {
			return CommandResult{DurationMs: time.Since(start).Milliseconds()},
				fmt.Errorf("%w: %s not on bus", ErrDeviceDisconnected, c.serial)
		}
		return CommandResult{Success: true, Stdout: "present", DurationMs: time.Since(start).Milliseconds()}, nil

	case "wait-present", "wait-absent":
		want := op == "wait-present"
		deadline := time.Now().Add(timeout)
		for {
			present, err := c.present()
			if err != nil {
				return CommandResult{DurationMs: time.Since(start).Milliseconds()}, err
			}
			if present == want {
				return CommandResult{Success: true, Stdout: op + " ok", DurationMs: time.Since(start).Milliseconds()}, nil
			}
			if time.Now().After(deadline) {
				return CommandResult{DurationMs: time.Since(start).Milliseconds()},
					fmt.Errorf("%w: %s %s", ErrCommandTimeout, op, c.serial)
			}
			select {
			case <-ctx.Done():
				return CommandResult{DurationMs: time.Since(start).Milliseconds()}, ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}

	default:
		return CommandResult{}, fmt.Errorf("%w: raw usb op %q", ErrUnexpectedState, op)
	}
}

// SwitchMode 在 download/EDL 模式下没有主机侧可用的切换命令。
func (c *rawUSBChannel) SwitchMode(ctx context.Context, target model.DeviceMode) error {
	return fmt.Errorf("%w: raw usb channel cannot switch to %s", ErrChannelUnavailable, target)
}

// QueryLockState 低层通道无法判定 FRP 状态。
func (c *rawUSBChannel) QueryLockState(ctx context.Context) (model.LockState, error) {
	return model.LockUnknown, nil
}

func (c *rawUSBChannel) present() (bool, error) {
	entries, err := usb.EnumerateSysfs(c.sysfsRoot)
	if err != nil {
		return false, fmt.Errorf("enumerate sysfs: %w", err)
	}
	for _, e := range entries {
		if e.Serial == c.serial {
			return true, nil
		}
	}
	return false, nil
}
