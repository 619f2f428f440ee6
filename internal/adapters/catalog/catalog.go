package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"frp-orchestrator/internal/adapters/store/sqlite"
	"frp-orchestrator/internal/domain/model"

	"gopkg.in/yaml.v3"
)

// Resolver 在机型档案库之上提供带兜底的档案解析。
// 档案库未命中时返回保守的通用档案，而不是报错中断编排。
type Resolver struct {
	store *sqlite.Store
}

func NewResolver(store *sqlite.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve 为设备快照解析档案。返回的 bool 表示是否命中档案库；
// 未命中时返回针对该快照构造的通用兜底档案。
func (r *Resolver) Resolve(ctx context.Context, snap model.DeviceSnapshot, bundle model.MethodBundle) (*model.DeviceProfile, bool, error) {
	p, err := r.store.FindProfile(ctx, snap.VendorID, snap.ProductID, snap.Model)
	if err != nil {
		return nil, false, fmt.Errorf("resolve profile: %w", err)
	}
	if p != nil {
		return p, true, nil
	}
	generic := GenericProfile(snap, bundle)
	return &generic, false, nil
}

// GenericProfile 构造未知机型的保守兜底档案：只声明与当前模式
// 原生匹配的方法，且仅取其中风险最低的一档，成功率统一记 20。
func GenericProfile(snap model.DeviceSnapshot, bundle model.MethodBundle) model.DeviceProfile {
	minRisk := model.RiskVeryHigh + 1
	for _, m := range bundle.Methods {
		if m.Mode() != snap.Mode || !m.AllowsManufacturer(snap.Manufacturer) {
			continue
		}
		if m.RiskTier() < minRisk {
			minRisk = m.RiskTier()
		}
	}

	p := model.DeviceProfile{
		Manufacturer: snap.Manufacturer,
		ModelName:    "generic",
		Difficulty:   model.DifficultyHard,
		SuccessRates: map[string]int{},
		Generic:      true,
	}
	for _, m := range bundle.Methods {
		if m.Mode() != snap.Mode || !m.AllowsManufacturer(snap.Manufacturer) {
			continue
		}
		if m.RiskTier() != minRisk {
			continue
		}
		p.SupportedMethods = append(p.SupportedMethods, m.Name)
		p.SuccessRates[m.Name] = 20
	}
	return p
}

// ImportResult 汇总一次档案导入。
type ImportResult struct {
	Imported int
	Version  string
	Warnings []string
}

// Import 从 yaml 文件导入机型档案到档案库。
func Import(ctx context.Context, store *sqlite.Store, file string) (*ImportResult, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read profile bundle: %w", err)
	}

	var bundle model.ProfileBundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("parse profile bundle: %w", err)
	}
	if err := validateBundle(bundle); err != nil {
		return nil, err
	}

	res := &ImportResult{Version: bundle.Version}
	for _, p := range bundle.Profiles {
		if len(p.SupportedMethods) == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("profile %s: no supported methods declared", p.ModelName))
		}
	}

	if err := store.UpsertProfiles(ctx, bundle.Profiles); err != nil {
		return nil, err
	}
	res.Imported = len(bundle.Profiles)
	return res, nil
}

// validateBundle 检查档案文件的完整性。
func validateBundle(bundle model.ProfileBundle) error {
	if strings.TrimSpace(bundle.Version) == "" {
		return errors.New("profile bundle: version is required")
	}
	if strings.TrimSpace(bundle.BundleType) != "device_profiles" {
		return fmt.Errorf("profile bundle: unexpected bundle_type: %q", bundle.BundleType)
	}
	if len(bundle.Profiles) == 0 {
		return errors.New("profile bundle: profiles is empty")
	}

	seen := make(map[string]struct{}, len(bundle.Profiles))
	for _, p := range bundle.Profiles {
		name := strings.TrimSpace(p.ModelName)
		if name == "" {
			return errors.New("profile bundle: model_name is required")
		}
		key := strings.ToLower(string(p.Manufacturer) + "/" + name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("profile bundle: duplicate profile: %s", key)
		}
		seen[key] = struct{}{}

		for method, rate := range p.SuccessRates {
			if rate < 0 || rate > 100 {
				return fmt.Errorf("profile bundle: %s: success rate for %s out of range: %d", name, method, rate)
			}
		}
	}
	return nil
}
