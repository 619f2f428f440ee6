package transport

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"frp-orchestrator/internal/domain/model"
)

// adbChannel 通过 adb 命令行工具与调试模式下的设备通信。
type adbChannel struct {
	serial  string
	adbPath string
}

func newADBChannel(serial, adbPath string) *adbChannel {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &adbChannel{serial: serial, adbPath: adbPath}
}

func (c *adbChannel) Mode() model.DeviceMode { return model.ModeDebugBridge }

func (c *adbChannel) Execute(ctx context.Context, timeout time.Duration, args ...string) (CommandResult, error) {
	full := []string{"-s", c.serial}
	full = append(full, args...)
	return runTool(ctx, timeout, c.adbPath, full...)
}

// SwitchMode 通过 adb reboot 系列命令请求模式切换。
// download 仅部分厂商（三星）支持，其余设备会把该参数当普通重启处理。
func (c *adbChannel) SwitchMode(ctx context.Context, target model.DeviceMode) error {
	var args []string
	switch target {
	case model.ModeBootLoader:
		args = []string{"reboot", "bootloader"}
	case model.ModeRecovery:
		args = []string{"reboot", "recovery"}
	case model.ModeDownload:
		args = []string{"reboot", "download"}
	case model.ModeNormal:
		args = []string{"reboot"}
	default:
		return fmt.Errorf("%w: adb cannot switch to %s", ErrChannelUnavailable, target)
	}

	res, err := c.Execute(ctx, 20*time.Second, args...)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("adb reboot to %s failed: %s", target, strings.TrimSpace(res.Stderr))
	}
	return nil
}

var googleAccountRe = regexp.MustCompile(`com\.google[^\n]*?name=([^\s,}]+)`)

// QueryLockState 通过账号服务判定 FRP 状态：仍存在 Google 账号视为锁定。
// 该查询只读，不会向设备写入任何内容。
func (c *adbChannel) QueryLockState(ctx context.Context) (model.LockState, error) {
	res, err := c.Execute(ctx, 15*time.Second, "shell", "dumpsys", "account")
	if err != nil {
		return model.LockUnknown, err
	}
	if !res.Success {
		return model.LockUnknown, fmt.Errorf("dumpsys account failed: %s", strings.TrimSpace(res.Stderr))
	}

	out := strings.ToLower(res.Stdout)
	if googleAccountRe.MatchString(out) {
		return model.LockLocked, nil
	}
	if strings.Contains(out, "factory reset protection") || strings.Contains(out, " frp") {
		return model.LockLocked, nil
	}
	return model.LockUnlocked, nil
}
