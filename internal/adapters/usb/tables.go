package usb

import "frp-orchestrator/internal/domain/model"

// vendorTable 是静态厂商识别表。
var vendorTable = map[uint16]model.Manufacturer{
	0x04e8: model.ManufacturerSamsung,
	0x1004: model.ManufacturerLG,
	0x2717: model.ManufacturerXiaomi,
	0x18d1: model.ManufacturerGoogle,
}

// productModeTable 是厂商私有 product id 到模式的映射，
// 用于没有调试协议特征时的模式判定（download/recovery 等）。
var productModeTable = map[uint16]map[uint16]model.DeviceMode{
	// Samsung
	0x04e8: {
		0x6860: model.ModeDebugBridge,
		0x685d: model.ModeBootLoader,
		0x6877: model.ModeDownload,
		0x685c: model.ModeRecovery,
		0x6859: model.ModeNormal,
	},
	// LG
	0x1004: {
		0x618e: model.ModeDebugBridge,
		0x633e: model.ModeBootLoader,
		0x6344: model.ModeRecovery,
		0x6000: model.ModeNormal,
	},
}

// genericSignatures 是与厂商无关的协议特征。
// 高通 EDL（9008）在任何品牌设备上都以同一身份枚举。
var genericSignatures = map[[2]uint16]model.DeviceMode{
	{0x05c6, 0x9008}: model.ModeEDL,
}

// LookupManufacturer 按 vendor id 查厂商；未命中返回 unknown。
func LookupManufacturer(vendorID uint16) model.Manufacturer {
	if m, ok := vendorTable[vendorID]; ok {
		return m
	}
	return model.ManufacturerUnknown
}
