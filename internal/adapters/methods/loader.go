package methods

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"frp-orchestrator/internal/domain/model"

	"gopkg.in/yaml.v3"
)

// Loader 负责从磁盘读取并校验方法描述文件。
type Loader struct {
	File string
}

// Loaded 是加载后的方法集合及其文件哈希，用于留痕与版本确认。
type Loaded struct {
	Bundle model.MethodBundle
	SHA256 string
}

func NewLoader(file string) *Loader {
	return &Loader{File: file}
}

// Load 读取方法描述文件并执行结构校验。
func (l *Loader) Load(ctx context.Context) (*Loaded, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(l.File)
	if err != nil {
		return nil, fmt.Errorf("read method bundle: %w", err)
	}

	var bundle model.MethodBundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("parse method bundle: %w", err)
	}
	if err := validateBundle(bundle); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(raw)
	return &Loaded{Bundle: bundle, SHA256: hex.EncodeToString(sum[:])}, nil
}

// validateBundle 检查方法描述的完整性与唯一性。
func validateBundle(bundle model.MethodBundle) error {
	if strings.TrimSpace(bundle.Version) == "" {
		return errors.New("method bundle: version is required")
	}
	if strings.TrimSpace(bundle.BundleType) != "frp_methods" {
		return fmt.Errorf("method bundle: unexpected bundle_type: %q", bundle.BundleType)
	}
	if len(bundle.Methods) == 0 {
		return errors.New("method bundle: methods is empty")
	}

	seen := make(map[string]struct{}, len(bundle.Methods))
	for _, m := range bundle.Methods {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return errors.New("method bundle: method name is required")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("method bundle: duplicate method name: %s", name)
		}
		seen[name] = struct{}{}

		if _, err := model.ParseMode(m.RequiredMode); err != nil {
			return fmt.Errorf("method bundle: %s: %w", name, err)
		}
		if _, err := model.ParseRiskTier(m.Risk); err != nil {
			return fmt.Errorf("method bundle: %s: %w", name, err)
		}
		if m.BaseWeight < 0 || m.BaseWeight > 1 {
			return fmt.Errorf("method bundle: %s: base_weight must be in [0,1]", name)
		}
		if len(m.Steps) == 0 {
			return fmt.Errorf("method bundle: %s: steps is empty", name)
		}
		for i, step := range m.Steps {
			if strings.TrimSpace(step.Name) == "" {
				return fmt.Errorf("method bundle: %s: step %d: name is required", name, i)
			}
			if len(step.Command) == 0 {
				return fmt.Errorf("method bundle: %s: step %q: command is empty", name, step.Name)
			}
		}
	}

	return nil
}
