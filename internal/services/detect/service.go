package detect

import (
	"context"
	"fmt"
	"time"

	"frp-orchestrator/internal/adapters/usb"
	"frp-orchestrator/internal/domain/model"
)

// Options 控制一次检测运行。
type Options struct {
	SysfsRoot    string
	ADBPath      string
	FastbootPath string

	// Serial 非空时只返回该序列号的快照，未找到视为错误。
	Serial string
	// SkipEnrich 跳过 adb/fastboot 补充探测，仅做 USB 枚举与分类。
	SkipEnrich bool
}

// Result 是一次检测周期的产出。
type Result struct {
	Devices   []model.DeviceSnapshot `json:"devices"`
	ScannedAt int64                  `json:"scanned_at"`
	Warnings  []string               `json:"warnings,omitempty"`
}

// Run 执行一次检测周期：枚举 USB 总线、分类模式、补充探测。
func Run(ctx context.Context, opts Options) (*Result, error) {
	detector := usb.NewDetector()
	if opts.SysfsRoot != "" {
		detector.SysfsRoot = opts.SysfsRoot
	}
	if opts.ADBPath != "" || opts.FastbootPath != "" {
		prober := usb.NewExecProber()
		if opts.ADBPath != "" {
			prober.ADBPath = opts.ADBPath
		}
		if opts.FastbootPath != "" {
			prober.FastbootPath = opts.FastbootPath
		}
		detector.Prober = prober
	}
	detector.EnrichInfo = !opts.SkipEnrich

	snapshots, err := detector.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan devices: %w", err)
	}

	res := &Result{Devices: snapshots, ScannedAt: time.Now().Unix()}

	if opts.Serial != "" {
		snap, ok := usb.FindBySerial(snapshots, opts.Serial)
		if !ok {
			return nil, fmt.Errorf("device %s not found (%d devices connected)", opts.Serial, len(snapshots))
		}
		res.Devices = []model.DeviceSnapshot{snap}
	}

	for _, snap := range res.Devices {
		if snap.Mode == model.ModeUnknown {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: mode could not be classified", snap.DeviceID()))
		}
	}
	return res, nil
}
