package usb

import (
	"context"
	"strconv"
	"strings"
	"time"

	"frp-orchestrator/internal/domain/model"
)

// Detector 负责按检测周期产出设备快照。
// 每次 Scan 都重新枚举总线并返回全新的有限列表；
// 除底层 USB / adb / fastboot 的读取外不产生任何副作用。
type Detector struct {
	SysfsRoot string
	Prober    Prober
	// EnrichInfo 控制是否通过 adb/fastboot 补充机型、系统版本与锁状态。
	EnrichInfo bool
}

// NewDetector 创建生产环境检测器。
func NewDetector() *Detector {
	return &Detector{
		SysfsRoot:  DefaultSysfsRoot,
		Prober:     NewExecProber(),
		EnrichInfo: true,
	}
}

// Scan 枚举并分类当前连接的 Android 设备。
// 厂商和协议特征都未命中的设备直接排除（这不是错误）。
func (d *Detector) Scan(ctx context.Context) ([]model.DeviceSnapshot, error) {
	entries, err := EnumerateSysfs(d.SysfsRoot)
	if err != nil {
		return nil, err
	}

	adbStates, err := d.Prober.DebugBridgeStates(ctx)
	if err != nil {
		adbStates = map[string]string{}
	}
	fastbootSerials, err := d.Prober.BootLoaderSerials(ctx)
	if err != nil {
		fastbootSerials = map[string]struct{}{}
	}

	now := time.Now().Unix()
	var snapshots []model.DeviceSnapshot
	for _, e := range entries {
		manufacturer := LookupManufacturer(e.VendorID)
		mode := ClassifyMode(e, adbStates, fastbootSerials)

		if manufacturer == model.ManufacturerUnknown && mode == model.ModeUnknown {
			continue
		}
		// 已知厂商但无任何协议特征：按正常系统模式处理。
		if mode == model.ModeUnknown {
			mode = model.ModeNormal
		}

		snap := model.DeviceSnapshot{
			Serial:       e.Serial,
			VendorID:     e.VendorID,
			ProductID:    e.ProductID,
			Manufacturer: manufacturer,
			Mode:         mode,
			LockState:    model.LockUnknown,
			DetectedAt:   now,
		}
		if d.EnrichInfo {
			d.enrich(ctx, &snap, adbStates)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// ClassifyMode 按固定优先级判定设备模式，是纯函数：
//  1. adb 协议特征（get-state 给出 recovery 时归入 recovery）
//  2. fastboot 协议特征
//  3. 厂商 product id 表（download/recovery/normal）
//  4. 通用特征（高通 EDL）
//
// 各特征在构造上互斥，首个命中即最终结果。
func ClassifyMode(e Entry, adbStates map[string]string, fastbootSerials map[string]struct{}) model.DeviceMode {
	if e.Serial != "" {
		if st, ok := adbStates[e.Serial]; ok {
			if strings.Contains(strings.ToLower(st), "recovery") {
				return model.ModeRecovery
			}
			return model.ModeDebugBridge
		}
		if _, ok := fastbootSerials[e.Serial]; ok {
			return model.ModeBootLoader
		}
	}
	if table, ok := productModeTable[e.VendorID]; ok {
		if mode, ok := table[e.ProductID]; ok {
			return mode
		}
	}
	if mode, ok := genericSignatures[[2]uint16{e.VendorID, e.ProductID}]; ok {
		return mode
	}
	return model.ModeUnknown
}

// enrich 通过只读探针补充快照信息，任何失败都只留下空字段。
func (d *Detector) enrich(ctx context.Context, snap *model.DeviceSnapshot, adbStates map[string]string) {
	switch snap.Mode {
	case model.ModeDebugBridge:
		if adbStates[snap.Serial] != "device" {
			return // unauthorized/offline 状态下 shell 不可用
		}
		d.enrichViaDebugBridge(ctx, snap)
	case model.ModeBootLoader:
		d.enrichViaBootLoader(ctx, snap)
	}
}

func (d *Detector) enrichViaDebugBridge(ctx context.Context, snap *model.DeviceSnapshot) {
	if v, err := d.Prober.Getprop(ctx, snap.Serial, "ro.product.model"); err == nil {
		snap.Model = v
	}
	if v, err := d.Prober.Getprop(ctx, snap.Serial, "ro.build.version.release"); err == nil {
		snap.AndroidVersion = v
	}
	if v, err := d.Prober.Getprop(ctx, snap.Serial, "ro.build.version.sdk"); err == nil {
		if level, convErr := strconv.Atoi(v); convErr == nil {
			snap.APILevel = level
		}
	}
	if v, err := d.Prober.Getprop(ctx, snap.Serial, "ro.build.id"); err == nil {
		snap.BuildID = v
	}

	snap.LockState = d.probeLockState(ctx, snap)
}

func (d *Detector) enrichViaBootLoader(ctx context.Context, snap *model.DeviceSnapshot) {
	if v, err := d.Prober.Getvar(ctx, snap.Serial, "product"); err == nil && v != "" {
		snap.Model = v
	}
}

// probeLockState 读取账号服务与开机加密配置判断 FRP 锁。
// LG 设备额外检查 Secure Startup（加密 + 开机密码）。
func (d *Detector) probeLockState(ctx context.Context, snap *model.DeviceSnapshot) model.LockState {
	out, err := d.Prober.Shell(ctx, snap.Serial, "dumpsys", "account")
	if err != nil {
		return model.LockUnknown
	}

	lower := strings.ToLower(out)
	locked := strings.Contains(lower, "com.google") ||
		strings.Contains(lower, "factory reset protection")

	if !locked && snap.Manufacturer == model.ManufacturerLG {
		if state, err := d.Prober.Getprop(ctx, snap.Serial, "ro.crypto.state"); err == nil &&
			strings.EqualFold(strings.TrimSpace(state), "encrypted") {
			if v, err := d.Prober.Shell(ctx, snap.Serial, "settings", "get", "global", "require_password_to_decrypt"); err == nil &&
				strings.TrimSpace(v) == "1" {
				locked = true
			}
		}
	}

	if locked {
		return model.LockLocked
	}
	return model.LockUnlocked
}

// FindBySerial 在一次扫描结果中按序列号查找快照。
func FindBySerial(snapshots []model.DeviceSnapshot, serial string) (model.DeviceSnapshot, bool) {
	for _, s := range snapshots {
		if s.Serial == serial {
			return s, true
		}
	}
	return model.DeviceSnapshot{}, false
}
