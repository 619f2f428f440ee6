package bypassrun

import (
	"context"
	"fmt"
	"time"

	"frp-orchestrator/internal/adapters/catalog"
	"frp-orchestrator/internal/adapters/methods"
	sqliteadapter "frp-orchestrator/internal/adapters/store/sqlite"
	"frp-orchestrator/internal/adapters/transport"
	"frp-orchestrator/internal/adapters/usb"
	"frp-orchestrator/internal/domain/model"
	"frp-orchestrator/internal/services/audit"
	"frp-orchestrator/internal/services/authz"
	"frp-orchestrator/internal/services/detect"
	"frp-orchestrator/internal/services/engine"
)

// Options 是一次绕过编排运行的全部配置。
type Options struct {
	DBPath       string
	MethodsPath  string
	LicensePath  string
	GrantsPath   string
	SysfsRoot    string
	ADBPath      string
	FastbootPath string

	// Serial 非空时指定目标设备；为空时要求恰好连接一台设备。
	Serial string
	// Method 非空时只执行该方法。
	Method string
	// DryRun 只生成计划，不向设备下发命令。
	DryRun bool

	// CacheTTL 是尝试结果缓存的有效期；<=0 使用 24h。
	CacheTTL time.Duration
	// Observer 若非空，每次状态迁移后同步回调。
	Observer func(model.Transition)
}

// Result 汇总一次编排运行。
type Result struct {
	Session  *model.BypassSession `json:"session"`
	Snapshot model.DeviceSnapshot `json:"snapshot"`
	Warnings []string             `json:"warnings,omitempty"`
}

// Run 执行完整的绕过编排流水线：
// 迁移建库 -> 加载方法描述 -> 检测设备 -> 授权校验与引擎执行 -> 落库。
func Run(ctx context.Context, opts Options) (*Result, error) {
	db, err := sqliteadapter.Open(ctx, opts.DBPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store := sqliteadapter.NewStore(db)

	loaded, err := methods.NewLoader(opts.MethodsPath).Load(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := pickDevice(ctx, opts)
	if err != nil {
		return nil, err
	}

	adbPath, fastbootPath := opts.ADBPath, opts.FastbootPath
	if adbPath == "" {
		adbPath = "adb"
	}
	if fastbootPath == "" {
		fastbootPath = "fastboot"
	}
	sysfsRoot := opts.SysfsRoot
	if sysfsRoot == "" {
		sysfsRoot = usb.DefaultSysfsRoot
	}

	manager := transport.NewManager(transport.DefaultFactory(adbPath, fastbootPath, sysfsRoot), 30*time.Second)
	recorder := audit.NewRecorder(store)

	eng := &engine.Engine{
		Channels:    engine.TransportProvider{Manager: manager},
		Auth:        authz.NewGate(opts.LicensePath, opts.GrantsPath),
		Resolver:    catalog.NewResolver(store),
		Audit:       recorder,
		Cache:       store,
		Bundle:      loaded.Bundle,
		Observer:    opts.Observer,
		StepTimeout: 30 * time.Second,
	}

	sess, err := eng.Run(ctx, snap, engine.RunOptions{Method: opts.Method, DryRun: opts.DryRun})
	if err != nil {
		return nil, err
	}

	res := &Result{Session: sess, Snapshot: snap, Warnings: recorder.Warnings()}

	if err := store.SaveSession(ctx, sess, snap); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("session persistence failed: %v", err))
	}

	ttl := int64(opts.CacheTTL / time.Second)
	for _, attempt := range sess.Attempts {
		if !attempt.Status.Terminal() {
			continue
		}
		if err := store.PutCachedOutcome(ctx, snap.Serial, attempt.MethodName, attempt.Status, ttl); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("outcome cache update failed: %v", err))
		}
	}

	return res, nil
}

// pickDevice 选定目标设备：指定序列号或恰好一台在线设备。
func pickDevice(ctx context.Context, opts Options) (model.DeviceSnapshot, error) {
	dres, err := detect.Run(ctx, detect.Options{
		SysfsRoot:    opts.SysfsRoot,
		ADBPath:      opts.ADBPath,
		FastbootPath: opts.FastbootPath,
		Serial:       opts.Serial,
	})
	if err != nil {
		return model.DeviceSnapshot{}, err
	}

	switch len(dres.Devices) {
	case 0:
		return model.DeviceSnapshot{}, fmt.Errorf("no android devices detected")
	case 1:
		return dres.Devices[0], nil
	default:
		return model.DeviceSnapshot{}, fmt.Errorf("%d devices connected, pass an explicit serial", len(dres.Devices))
	}
}
