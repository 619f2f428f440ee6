package engine

import (
	"reflect"
	"testing"

	"frp-orchestrator/internal/domain/model"
)

func rankingBundle() model.MethodBundle {
	return model.MethodBundle{
		Version:    "1",
		BundleType: "frp_methods",
		Methods: []model.MethodDescriptor{
			{Name: "adb_settings_reset", RequiredMode: "adb", Risk: "low", BaseWeight: 0.5,
				Steps: []model.MethodStep{{Name: "s", Command: []string{"shell", "true"}}}},
			{Name: "adb_root_frp_wipe", RequiredMode: "adb", Risk: "high", BaseWeight: 0.5,
				Steps: []model.MethodStep{{Name: "s", Command: []string{"shell", "true"}}}},
			{Name: "fastboot_frp_erase", RequiredMode: "fastboot", Risk: "high", BaseWeight: 0.5,
				Steps: []model.MethodStep{{Name: "s", Command: []string{"erase", "frp"}}}},
		},
	}
}

func rankingSnap() model.DeviceSnapshot {
	return model.DeviceSnapshot{
		Serial:       "R58M123",
		Manufacturer: model.ManufacturerSamsung,
		Mode:         model.ModeDebugBridge,
	}
}

func TestBuildPlan_OrderAndPenalty(t *testing.T) {
	profile := model.DeviceProfile{
		Manufacturer:     model.ManufacturerSamsung,
		ModelName:        "Galaxy S21",
		SupportedMethods: []string{"adb_settings_reset", "adb_root_frp_wipe", "fastboot_frp_erase"},
		SuccessRates: map[string]int{
			"adb_settings_reset": 90,
			"adb_root_frp_wipe":  60,
			"fastboot_frp_erase": 95,
		},
	}

	plan := BuildPlan(rankingSnap(), profile, rankingBundle(), nil)
	if len(plan) != 3 {
		t.Fatalf("expected 3 candidates, got %d: %+v", len(plan), plan)
	}

	// fastboot 方法成功率最高但要吃切换折扣：0.95*0.75=0.7125 < 0.90。
	want := []string{"adb_settings_reset", "fastboot_frp_erase", "adb_root_frp_wipe"}
	for i, name := range want {
		if plan[i].MethodName != name {
			t.Fatalf("position %d: got %s, want %s (plan %+v)", i, plan[i].MethodName, name, plan)
		}
	}
	if !plan[1].NeedsModeSwitch || plan[0].NeedsModeSwitch {
		t.Fatalf("unexpected switch flags: %+v", plan)
	}
}

func TestBuildPlan_Deterministic(t *testing.T) {
	profile := model.DeviceProfile{
		Manufacturer:     model.ManufacturerSamsung,
		SupportedMethods: []string{"adb_settings_reset", "adb_root_frp_wipe"},
		SuccessRates:     map[string]int{"adb_settings_reset": 50, "adb_root_frp_wipe": 50},
	}

	first := BuildPlan(rankingSnap(), profile, rankingBundle(), nil)
	for i := 0; i < 20; i++ {
		again := BuildPlan(rankingSnap(), profile, rankingBundle(), nil)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("plan not deterministic: %+v vs %+v", first, again)
		}
	}

	// 权重并列时按风险升序：low 在 high 之前。
	if first[0].MethodName != "adb_settings_reset" {
		t.Fatalf("expected risk tie-break, got %+v", first)
	}
}

func TestBuildPlan_CacheBoostAndCap(t *testing.T) {
	profile := model.DeviceProfile{
		Manufacturer:     model.ManufacturerSamsung,
		SupportedMethods: []string{"adb_settings_reset", "adb_root_frp_wipe"},
		SuccessRates:     map[string]int{"adb_settings_reset": 60, "adb_root_frp_wipe": 62},
	}

	hints := map[string]model.AttemptStatus{"adb_settings_reset": model.AttemptSuccess}
	plan := BuildPlan(rankingSnap(), profile, rankingBundle(), hints)

	// 0.60*1.05=0.63 > 0.62：缓存加成翻转顺序。
	if plan[0].MethodName != "adb_settings_reset" {
		t.Fatalf("expected cache boost to promote method, got %+v", plan)
	}

	capped := model.DeviceProfile{
		Manufacturer:     model.ManufacturerSamsung,
		SupportedMethods: []string{"adb_settings_reset"},
		SuccessRates:     map[string]int{"adb_settings_reset": 100},
	}
	plan = BuildPlan(rankingSnap(), capped, rankingBundle(), hints)
	if plan[0].Weight > 1 {
		t.Fatalf("weight must be capped at 1.0, got %f", plan[0].Weight)
	}
}

func TestBuildPlan_ExcludesUnreachableModes(t *testing.T) {
	profile := model.DeviceProfile{
		Manufacturer:     model.ManufacturerSamsung,
		SupportedMethods: []string{"adb_settings_reset", "fastboot_frp_erase"},
		SuccessRates:     map[string]int{"adb_settings_reset": 90, "fastboot_frp_erase": 90},
	}

	snap := rankingSnap()
	snap.Mode = model.ModeEDL
	plan := BuildPlan(snap, profile, rankingBundle(), nil)
	if len(plan) != 0 {
		t.Fatalf("edl cannot reach adb/fastboot in one switch, got %+v", plan)
	}
}

func TestBuildPlan_BaseWeightFallback(t *testing.T) {
	// 档案声明支持但未声明成功率时退回方法自带的基础权重。
	profile := model.DeviceProfile{
		Manufacturer:     model.ManufacturerSamsung,
		SupportedMethods: []string{"adb_settings_reset"},
	}

	plan := BuildPlan(rankingSnap(), profile, rankingBundle(), nil)
	if len(plan) != 1 || plan[0].Weight != 0.5 {
		t.Fatalf("expected base weight fallback 0.5, got %+v", plan)
	}
}
