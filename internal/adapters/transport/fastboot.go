package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"frp-orchestrator/internal/domain/model"
)

// fastbootChannel 通过 fastboot 命令行工具与 bootloader 模式下的设备通信。
type fastbootChannel struct {
	serial       string
	fastbootPath string
}

func newFastbootChannel(serial, fastbootPath string) *fastbootChannel {
	if fastbootPath == "" {
		fastbootPath = "fastboot"
	}
	return &fastbootChannel{serial: serial, fastbootPath: fastbootPath}
}

func (c *fastbootChannel) Mode() model.DeviceMode { return model.ModeBootLoader }

func (c *fastbootChannel) Execute(ctx context.Context, timeout time.Duration, args ...string) (CommandResult, error) {
	full := []string{"-s", c.serial}
	full = append(full, args...)
	res, err := runTool(ctx, timeout, c.fastbootPath, full...)
	// fastboot 经常把正常输出写到 stderr，这里做归一化方便上层解析。
	if res.Stdout == "" && res.Stderr != "" && res.Success {
		res.Stdout = res.Stderr
	}
	return res, err
}

func (c *fastbootChannel) SwitchMode(ctx context.Context, target model.DeviceMode) error {
	var args []string
	switch target {
	case model.ModeNormal, model.ModeDebugBridge:
		args = []string{"reboot"}
	case model.ModeRecovery:
		args = []string{"reboot", "recovery"}
	case model.ModeBootLoader:
		args = []string{"reboot-bootloader"}
	default:
		return fmt.Errorf("%w: fastboot cannot switch to %s", ErrChannelUnavailable, target)
	}

	res, err := c.Execute(ctx, 30*time.Second, args...)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("fastboot reboot to %s failed: %s", target, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// QueryLockState 在 bootloader 模式下只能读取 bootloader 锁变量；
// getvar unlocked 为 yes 时视为已解锁，其余情况判定不了 FRP 状态。
func (c *fastbootChannel) QueryLockState(ctx context.Context) (model.LockState, error) {
	res, err := c.Execute(ctx, 15*time.Second, "getvar", "unlocked")
	if err != nil {
		return model.LockUnknown, err
	}
	if v := parseGetvar(res.Stdout, "unlocked"); strings.EqualFold(v, "yes") {
		return model.LockUnlocked, nil
	}
	return model.LockUnknown, nil
}

// parseGetvar 从 fastboot getvar 输出中提取变量值。
func parseGetvar(out, name string) string {
	prefix := name + ":"
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}
