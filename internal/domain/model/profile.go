package model

// DifficultyTier 表示一台机型整体的 FRP 绕过难度档位。
type DifficultyTier string

const (
	DifficultyVeryEasy DifficultyTier = "very_easy"
	DifficultyEasy     DifficultyTier = "easy"
	DifficultyMedium   DifficultyTier = "medium"
	DifficultyHard     DifficultyTier = "hard"
	DifficultyVeryHard DifficultyTier = "very_hard"
)

// DeviceProfile 是机型档案，由外部档案库只读提供。
// 会话开始后档案保持不变（不做会话中途刷新）。
type DeviceProfile struct {
	Manufacturer Manufacturer `json:"manufacturer" yaml:"manufacturer"`
	ModelName    string       `json:"model_name" yaml:"model_name"`
	Codename     string       `json:"codename,omitempty" yaml:"codename"`

	// SupportedMethods 是该机型声明可用的方法名集合。
	SupportedMethods []string `json:"supported_methods" yaml:"supported_methods"`
	// SuccessRates 是各方法声明的历史成功率（0-100）。
	SuccessRates map[string]int `json:"success_rates" yaml:"success_rates"`

	Difficulty      DifficultyTier `json:"difficulty" yaml:"difficulty"`
	AndroidVersions []string       `json:"android_versions,omitempty" yaml:"android_versions"`
	APILevels       []int          `json:"api_levels,omitempty" yaml:"api_levels"`

	VendorID   string   `json:"vendor_id,omitempty" yaml:"vendor_id"`
	ProductIDs []string `json:"product_ids,omitempty" yaml:"product_ids"`

	// Generic 标记该档案是未命中档案库时的保守兜底档案。
	Generic bool `json:"generic,omitempty" yaml:"-"`
}

// SupportsMethod 判断档案是否声明支持某个方法。
func (p DeviceProfile) SupportsMethod(name string) bool {
	for _, m := range p.SupportedMethods {
		if m == name {
			return true
		}
	}
	return false
}

// SuccessRate 返回某方法声明的成功率；未声明时返回 0。
func (p DeviceProfile) SuccessRate(name string) int {
	if p.SuccessRates == nil {
		return 0
	}
	return p.SuccessRates[name]
}

// ProfileBundle 是机型档案文件的顶层结构（yaml）。
type ProfileBundle struct {
	Version     string          `yaml:"version"`
	BundleType  string          `yaml:"bundle_type"`
	Maintainer  string          `yaml:"maintainer"`
	Description string          `yaml:"description"`
	Profiles    []DeviceProfile `yaml:"profiles"`
}
