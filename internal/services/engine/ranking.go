package engine

import (
	"sort"

	"frp-orchestrator/internal/domain/model"
)

// modeReachable 描述一次模式切换内可达的目标模式。
// download/edl/normal 无切换能力（raw 通道只能观察，不能下发重启）。
var modeReachable = map[model.DeviceMode][]model.DeviceMode{
	model.ModeDebugBridge: {model.ModeBootLoader, model.ModeRecovery, model.ModeDownload, model.ModeNormal},
	model.ModeRecovery:    {model.ModeBootLoader, model.ModeDownload, model.ModeNormal},
	model.ModeBootLoader:  {model.ModeNormal, model.ModeRecovery},
}

// reachableInOneSwitch 判断从 from 出发是否能在至多一次切换内进入 target。
func reachableInOneSwitch(from, target model.DeviceMode) bool {
	if from == target {
		return true
	}
	for _, m := range modeReachable[from] {
		if m == target {
			return true
		}
	}
	return false
}

const (
	// switchPenalty 是需要模式切换的方法的权重折扣。
	switchPenalty = 0.75
	// cacheSuccessBoost 是结果缓存命中 success 时的权重加成。
	cacheSuccessBoost = 1.05
)

// BuildPlan 为设备快照生成排序后的执行计划。
// 候选条件：档案声明支持、厂商匹配、所需模式在一次切换内可达。
// 权重 = 基础分 × 切换折扣 × 缓存加成，封顶 1.0。
// 排序稳定：权重降序 > 风险升序 > 方法声明顺序。
func BuildPlan(snap model.DeviceSnapshot, profile model.DeviceProfile, bundle model.MethodBundle, cacheHints map[string]model.AttemptStatus) []model.PlanEntry {
	type scored struct {
		entry model.PlanEntry
		index int
	}

	var candidates []scored
	for i, m := range bundle.Methods {
		if !profile.SupportsMethod(m.Name) {
			continue
		}
		if !m.AllowsManufacturer(snap.Manufacturer) {
			continue
		}
		required := m.Mode()
		if !reachableInOneSwitch(snap.Mode, required) {
			continue
		}

		base := m.BaseWeight
		if rate, ok := profile.SuccessRates[m.Name]; ok {
			base = float64(rate) / 100
		}

		needsSwitch := required != snap.Mode
		weight := base
		if needsSwitch {
			weight *= switchPenalty
		}
		if cacheHints[m.Name] == model.AttemptSuccess {
			weight *= cacheSuccessBoost
		}
		if weight > 1 {
			weight = 1
		}

		candidates = append(candidates, scored{
			entry: model.PlanEntry{
				MethodName:      m.Name,
				RequiredMode:    required,
				NeedsModeSwitch: needsSwitch,
				Weight:          weight,
				Risk:            m.RiskTier(),
			},
			index: i,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.entry.Weight != b.entry.Weight {
			return a.entry.Weight > b.entry.Weight
		}
		if a.entry.Risk != b.entry.Risk {
			return a.entry.Risk < b.entry.Risk
		}
		return a.index < b.index
	})

	plan := make([]model.PlanEntry, 0, len(candidates))
	for _, c := range candidates {
		plan = append(plan, c.entry)
	}
	return plan
}
