package methods

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validBundle = `version: "1.0.0"
bundle_type: frp_methods
maintainer: lab
methods:
  - name: adb_settings_reset
    title: ADB Settings Reset
    required_mode: adb
    risk: low
    base_weight: 0.6
    steps:
      - name: clear_gms
        command: ["shell", "pm", "clear", "com.google.android.gms"]
  - name: fastboot_frp_erase
    title: Fastboot FRP Erase
    required_mode: fastboot
    risk: high
    base_weight: 0.4
    steps:
      - name: erase_frp
        command: ["erase", "frp"]
        timeout_seconds: 120
`

// writeBundle 把 YAML 内容写入临时文件并返回路径。
func writeBundle(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "methods.yaml")
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return file
}

func TestLoad_Valid(t *testing.T) {
	loaded, err := NewLoader(writeBundle(t, validBundle)).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Bundle.Version != "1.0.0" {
		t.Fatalf("version = %q", loaded.Bundle.Version)
	}
	if len(loaded.Bundle.Methods) != 2 {
		t.Fatalf("methods = %d, want 2", len(loaded.Bundle.Methods))
	}
	if len(loaded.SHA256) != 64 {
		t.Fatalf("sha256 = %q, want 64 hex chars", loaded.SHA256)
	}
	if loaded.Bundle.Methods[1].Steps[0].TimeoutSeconds != 120 {
		t.Fatalf("timeout_seconds 未解析: %+v", loaded.Bundle.Methods[1].Steps[0])
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "wrong bundle type",
			mutate:  func(s string) string { return strings.Replace(s, "frp_methods", "device_profiles", 1) },
			wantErr: "unexpected bundle_type",
		},
		{
			name:    "duplicate method name",
			mutate:  func(s string) string { return strings.Replace(s, "fastboot_frp_erase", "adb_settings_reset", 1) },
			wantErr: "duplicate method name",
		},
		{
			name:    "unknown mode",
			mutate:  func(s string) string { return strings.Replace(s, "required_mode: adb", "required_mode: warp", 1) },
			wantErr: "adb_settings_reset",
		},
		{
			name:    "unknown risk",
			mutate:  func(s string) string { return strings.Replace(s, "risk: low", "risk: 7", 1) },
			wantErr: "adb_settings_reset",
		},
		{
			name:    "base weight out of range",
			mutate:  func(s string) string { return strings.Replace(s, "base_weight: 0.6", "base_weight: 1.5", 1) },
			wantErr: "base_weight must be in [0,1]",
		},
		{
			name: "empty step command",
			mutate: func(s string) string {
				return strings.Replace(s, `command: ["erase", "frp"]`, "command: []", 1)
			},
			wantErr: "command is empty",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			file := writeBundle(t, tc.mutate(validBundle))
			_, err := NewLoader(file).Load(context.Background())
			if err == nil {
				t.Fatal("期望校验失败")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	if err == nil {
		t.Fatal("期望读取失败")
	}
}
