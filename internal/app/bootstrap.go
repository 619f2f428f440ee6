package app

// Config 存放应用级默认路径配置。
type Config struct {
	DBPath       string
	MethodsPath  string
	ProfilesPath string
	GrantsPath   string
	LicensePath  string
	ReportDir    string
}

// DefaultConfig 返回本地开发环境的默认配置。
func DefaultConfig() Config {
	return Config{
		DBPath:       "data/frp.db",
		MethodsPath:  "methods/frp_methods.template.yaml",
		ProfilesPath: "profiles/device_profiles.template.yaml",
		GrantsPath:   "authz/grants.template.yaml",
		LicensePath:  "license.key",
		ReportDir:    "data/reports",
	}
}
