package usb

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Prober 提供检测阶段需要的只读协议探针。
// 所有操作都不得向设备写入任何可变状态。
type Prober interface {
	// DebugBridgeStates 返回 adb 可见的序列号到状态（device/recovery/
	// sideload/unauthorized）的映射。
	DebugBridgeStates(ctx context.Context) (map[string]string, error)
	// BootLoaderSerials 返回 fastboot 可见的序列号集合。
	BootLoaderSerials(ctx context.Context) (map[string]struct{}, error)
	// Getprop 读取一条系统属性（adb shell getprop）。
	Getprop(ctx context.Context, serial, prop string) (string, error)
	// Shell 执行一条只读 shell 查询。
	Shell(ctx context.Context, serial string, args ...string) (string, error)
	// Getvar 读取一条 bootloader 变量（fastboot getvar）。
	Getvar(ctx context.Context, serial, name string) (string, error)
}

// ExecProber 通过 adb/fastboot 命令行工具实现 Prober。
type ExecProber struct {
	ADBPath      string
	FastbootPath string
	Timeout      time.Duration
}

// NewExecProber 使用 PATH 中的 adb/fastboot 创建探针。
func NewExecProber() *ExecProber {
	return &ExecProber{ADBPath: "adb", FastbootPath: "fastboot", Timeout: 6 * time.Second}
}

func (p *ExecProber) DebugBridgeStates(ctx context.Context) (map[string]string, error) {
	out, err := p.run(ctx, p.ADBPath, "devices")
	if err != nil {
		// adb 不可用时按“无 adb 设备”处理，不阻断扫描。
		return map[string]string{}, nil
	}

	states := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		states[fields[0]] = fields[1]
	}
	return states, nil
}

func (p *ExecProber) BootLoaderSerials(ctx context.Context) (map[string]struct{}, error) {
	out, err := p.run(ctx, p.FastbootPath, "devices")
	if err != nil {
		return map[string]struct{}{}, nil
	}

	serials := map[string]struct{}{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		serials[fields[0]] = struct{}{}
	}
	return serials, nil
}

func (p *ExecProber) Getprop(ctx context.Context, serial, prop string) (string, error) {
	out, err := p.run(ctx, p.ADBPath, "-s", serial, "shell", "getprop", prop)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (p *ExecProber) Shell(ctx context.Context, serial string, args ...string) (string, error) {
	full := append([]string{"-s", serial, "shell"}, args...)
	return p.run(ctx, p.ADBPath, full...)
}

func (p *ExecProber) Getvar(ctx context.Context, serial, name string) (string, error) {
	// fastboot getvar 的输出走 stderr，run 里已合并采集。
	out, err := p.run(ctx, p.FastbootPath, "-s", serial, "getvar", name)
	if err != nil {
		return "", err
	}
	prefix := name + ":"
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), nil
		}
	}
	return "", nil
}

func (p *ExecProber) run(ctx context.Context, bin string, args ...string) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(cctx, bin, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", bin, strings.Join(args, " "), msg)
	}
	return string(out), nil
}
