package model

import (
	"fmt"
	"strings"
)

// RiskTier 表示方法声明的风险档位，数值越小风险越低。
type RiskTier int

const (
	RiskVeryLow  RiskTier = 1
	RiskLow      RiskTier = 2
	RiskMedium   RiskTier = 3
	RiskHigh     RiskTier = 4
	RiskVeryHigh RiskTier = 5
)

// ParseRiskTier 解析 yaml 中的风险字符串。
func ParseRiskTier(s string) (RiskTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "very_low":
		return RiskVeryLow, nil
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "very_high":
		return RiskVeryHigh, nil
	default:
		return 0, fmt.Errorf("unknown risk tier: %q", s)
	}
}

func (r RiskTier) String() string {
	switch r {
	case RiskVeryLow:
		return "very_low"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskVeryHigh:
		return "very_high"
	default:
		return "unknown"
	}
}

// MethodStep 是方法流程中的一条通道命令。
// Command 按通道语义解释：adb 通道为 adb 子命令，fastboot 通道为 fastboot
// 子命令，raw 通道为 probe/wait-present/wait-absent 等低层操作。
type MethodStep struct {
	Name           string   `yaml:"name" json:"name"`
	Command        []string `yaml:"command" json:"command"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// MethodDescriptor 以数据形式描述一个绕过方法：
// 名称、所需模式、风险档位、基础权重与有序步骤。
// 执行逻辑由引擎统一解释，方法本身不含代码。
type MethodDescriptor struct {
	Name         string   `yaml:"name" json:"name"`
	Title        string   `yaml:"title" json:"title"`
	RequiredMode string   `yaml:"required_mode" json:"required_mode"`
	Risk         string   `yaml:"risk" json:"risk"`
	BaseWeight   float64  `yaml:"base_weight" json:"base_weight"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	// Manufacturers 为空表示不限厂商。
	Manufacturers []string     `yaml:"manufacturers,omitempty" json:"manufacturers,omitempty"`
	Steps         []MethodStep `yaml:"steps" json:"steps"`
}

// Mode 返回解析后的所需模式；要求 bundle 已通过加载校验。
func (d MethodDescriptor) Mode() DeviceMode {
	m, err := ParseMode(d.RequiredMode)
	if err != nil {
		return ModeUnknown
	}
	return m
}

// RiskTier 返回解析后的风险档位；要求 bundle 已通过加载校验。
func (d MethodDescriptor) RiskTier() RiskTier {
	r, err := ParseRiskTier(d.Risk)
	if err != nil {
		return RiskMedium
	}
	return r
}

// AllowsManufacturer 判断方法是否适用于指定厂商。
func (d MethodDescriptor) AllowsManufacturer(m Manufacturer) bool {
	if len(d.Manufacturers) == 0 {
		return true
	}
	for _, name := range d.Manufacturers {
		if strings.EqualFold(name, string(m)) {
			return true
		}
	}
	return false
}

// MethodBundle 是绕过方法描述文件的顶层结构（yaml）。
type MethodBundle struct {
	Version     string             `yaml:"version"`
	BundleType  string             `yaml:"bundle_type"`
	Maintainer  string             `yaml:"maintainer"`
	Description string             `yaml:"description"`
	Methods     []MethodDescriptor `yaml:"methods"`
}

// FindMethod 按名称查找描述符，返回其声明顺序下标。
func (b MethodBundle) FindMethod(name string) (MethodDescriptor, int, bool) {
	for i, m := range b.Methods {
		if m.Name == name {
			return m, i, true
		}
	}
	return MethodDescriptor{}, -1, false
}
