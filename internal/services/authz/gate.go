package authz

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeniedError 表示某台设备未通过授权校验。
// 引擎收到该错误时不得产生任何尝试，直接终止会话。
type DeniedError struct {
	Serial string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("authorization denied for %s: %s", e.Serial, e.Reason)
}

// Grant 是一条书面授权记录：哪个操作员、凭哪个工单、
// 在什么期限内可以对哪台设备执行绕过操作。
type Grant struct {
	DeviceSerial string `yaml:"device_serial"`
	Operator     string `yaml:"operator"`
	Ticket       string `yaml:"ticket"`
	// ExpiresAt 为 RFC3339 时间串；为空表示不过期。
	ExpiresAt string `yaml:"expires_at"`
	Note      string `yaml:"note"`
}

// GrantFile 是授权清单文件的顶层结构（yaml）。
type GrantFile struct {
	Version string  `yaml:"version"`
	Grants  []Grant `yaml:"grants"`
}

// Gate 在引擎入口处拦截未授权操作：
// 先校验本地许可文件格式，再核对设备级授权清单。
type Gate struct {
	LicensePath string
	GrantsPath  string

	now func() time.Time
}

func NewGate(licensePath, grantsPath string) *Gate {
	return &Gate{LicensePath: licensePath, GrantsPath: grantsPath, now: time.Now}
}

// CheckAuthorized 校验对指定序列号设备的操作授权。
// 任何未通过路径都返回 *DeniedError，调用方可用 errors.As 判别。
func (g *Gate) CheckAuthorized(ctx context.Context, serial string) (*Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := g.checkLicense(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(g.GrantsPath)
	if err != nil {
		return nil, &DeniedError{Serial: serial, Reason: fmt.Sprintf("grants file unreadable: %v", err)}
	}

	var file GrantFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, &DeniedError{Serial: serial, Reason: fmt.Sprintf("grants file invalid: %v", err)}
	}

	for i := range file.Grants {
		grant := &file.Grants[i]
		if !strings.EqualFold(strings.TrimSpace(grant.DeviceSerial), strings.TrimSpace(serial)) {
			continue
		}
		if strings.TrimSpace(grant.Ticket) == "" {
			return nil, &DeniedError{Serial: serial, Reason: "grant has no ticket reference"}
		}
		if exp := strings.TrimSpace(grant.ExpiresAt); exp != "" {
			t, err := time.Parse(time.RFC3339, exp)
			if err != nil {
				return nil, &DeniedError{Serial: serial, Reason: fmt.Sprintf("grant has invalid expires_at: %v", err)}
			}
			if g.now().After(t) {
				return nil, &DeniedError{Serial: serial, Reason: fmt.Sprintf("grant expired at %s (ticket %s)", exp, grant.Ticket)}
			}
		}
		return grant, nil
	}

	return nil, &DeniedError{Serial: serial, Reason: "no grant on file for this device"}
}

// checkLicense 校验许可文件存在且键格式合法。
func (g *Gate) checkLicense() error {
	raw, err := os.ReadFile(g.LicensePath)
	if err != nil {
		return &DeniedError{Serial: "", Reason: fmt.Sprintf("license unreadable: %v", err)}
	}

	key := strings.TrimSpace(string(raw))
	if !ValidLicenseKey(key) {
		return &DeniedError{Serial: "", Reason: "license key format invalid"}
	}
	return nil
}

// ValidLicenseKey 校验许可键格式：至少 20 个字符、含分隔符、
// 去掉分隔符后仅剩字母数字。
func ValidLicenseKey(key string) bool {
	if len(key) < 20 || !strings.Contains(key, "-") {
		return false
	}
	stripped := strings.ReplaceAll(key, "-", "")
	if stripped == "" {
		return false
	}
	for _, r := range stripped {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}
