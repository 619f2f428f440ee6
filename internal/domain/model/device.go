package model

import (
	"fmt"
	"strings"
)

// Manufacturer 表示设备厂商的闭合集合。
// 未识别的 vendor id 统一归入 ManufacturerUnknown。
type Manufacturer string

const (
	// ManufacturerSamsung 三星设备（vendor id 0x04e8）。
	ManufacturerSamsung Manufacturer = "samsung"
	// ManufacturerLG LG 设备（vendor id 0x1004）。
	ManufacturerLG Manufacturer = "lg"
	// ManufacturerXiaomi 小米设备（vendor id 0x2717）。
	ManufacturerXiaomi Manufacturer = "xiaomi"
	// ManufacturerGoogle Google/Pixel 设备（vendor id 0x18d1）。
	ManufacturerGoogle Manufacturer = "google"
	// ManufacturerUnknown 未识别厂商。
	ManufacturerUnknown Manufacturer = "unknown"
)

// DeviceMode 表示设备当前对主机暴露的运行模式。
type DeviceMode string

const (
	// ModeNormal 正常系统模式（无调试通道，仅普通 USB 枚举）。
	ModeNormal DeviceMode = "normal"
	// ModeDebugBridge ADB 调试模式。
	ModeDebugBridge DeviceMode = "adb"
	// ModeBootLoader Fastboot/Bootloader 模式。
	ModeBootLoader DeviceMode = "fastboot"
	// ModeRecovery Recovery 模式。
	ModeRecovery DeviceMode = "recovery"
	// ModeDownload 厂商下载模式（例如三星 Odin Download Mode）。
	ModeDownload DeviceMode = "download"
	// ModeEDL 高通紧急下载模式（Emergency Download，05c6:9008）。
	ModeEDL DeviceMode = "edl"
	// ModeUnknown 未能判定的模式。
	ModeUnknown DeviceMode = "unknown"
)

// ParseMode 将命令行/配置中的模式字符串规范化为 DeviceMode。
func ParseMode(s string) (DeviceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return ModeNormal, nil
	case "adb", "debug-bridge", "debugbridge":
		return ModeDebugBridge, nil
	case "fastboot", "bootloader", "boot-loader":
		return ModeBootLoader, nil
	case "recovery":
		return ModeRecovery, nil
	case "download":
		return ModeDownload, nil
	case "edl":
		return ModeEDL, nil
	default:
		return ModeUnknown, fmt.Errorf("unknown device mode: %q", s)
	}
}

// LockState 表示 FRP（出厂重置保护）锁的当前判定结果。
type LockState string

const (
	// LockLocked 确认仍存在 FRP 锁（例如仍有 Google 账号绑定）。
	LockLocked LockState = "locked"
	// LockUnlocked 确认 FRP 锁已清除。
	LockUnlocked LockState = "unlocked"
	// LockUnknown 当前通道无法判定锁状态。
	LockUnknown LockState = "unknown"
)

// DeviceSnapshot 是一次检测周期产生的设备快照。
// 快照一经创建不再修改；设备模式变化体现在下一次扫描的新快照中。
// serial+vendor_id+product_id 在同一台物理设备的多次快照间保持稳定。
type DeviceSnapshot struct {
	Serial       string       `json:"serial"`
	VendorID     uint16       `json:"vendor_id"`
	ProductID    uint16       `json:"product_id"`
	Manufacturer Manufacturer `json:"manufacturer"`
	Mode         DeviceMode   `json:"mode"`

	// 以下字段为只读探测补充信息，缺省为空。
	Model          string    `json:"model,omitempty"`
	AndroidVersion string    `json:"android_version,omitempty"`
	APILevel       int       `json:"api_level,omitempty"`
	BuildID        string    `json:"build_id,omitempty"`
	LockState      LockState `json:"lock_state"`

	DetectedAt int64 `json:"detected_at"`
}

// DeviceID 返回便于日志阅读的设备标识。
func (s DeviceSnapshot) DeviceID() string {
	return fmt.Sprintf("%s_%04x:%04x_%s", s.Manufacturer, s.VendorID, s.ProductID, s.Serial)
}
