package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"frp-orchestrator/internal/domain/model"
)

// ChannelFactory 按设备模式构造具体通道；测试可注入伪实现。
type ChannelFactory func(serial string, mode model.DeviceMode) (Channel, error)

// Manager 管理按设备序列号划分的通道租约。
// 同一序列号同一时刻至多一个持有者；检测探针与会话执行共用该互斥，
// 避免两个逻辑主体向同一物理设备并发下发冲突命令。
type Manager struct {
	factory        ChannelFactory
	acquireTimeout time.Duration

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewManager 创建通道管理器。acquireTimeout<=0 时使用 30s。
func NewManager(factory ChannelFactory, acquireTimeout time.Duration) *Manager {
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	return &Manager{
		factory:        factory,
		acquireTimeout: acquireTimeout,
		slots:          make(map[string]chan struct{}),
	}
}

// DefaultFactory 返回生产环境的通道工厂：
// adb / fastboot 走命令行工具，download/EDL/normal 走 raw usb 通道。
func DefaultFactory(adbPath, fastbootPath, sysfsRoot string) ChannelFactory {
	return func(serial string, mode model.DeviceMode) (Channel, error) {
		switch mode {
		case model.ModeDebugBridge, model.ModeRecovery:
			return newADBChannel(serial, adbPath), nil
		case model.ModeBootLoader:
			return newFastbootChannel(serial, fastbootPath), nil
		case model.ModeDownload, model.ModeEDL, model.ModeNormal:
			return newRawUSBChannel(serial, mode, sysfsRoot), nil
		default:
			return nil, fmt.Errorf("%w: mode %s", ErrChannelUnavailable, mode)
		}
	}
}

// Lease 是一次独占获取的通道租约。所有退出路径都必须调用 Release。
type Lease struct {
	manager *Manager
	serial  string
	channel Channel

	releaseOnce sync.Once
}

// Acquire 独占获取某序列号的通道。若该序列号已被持有，阻塞等待
// 直到释放或超时。
func (m *Manager) Acquire(ctx context.Context, serial string, mode model.DeviceMode) (*Lease, error) {
	m.mu.Lock()
	slot, ok := m.slots[serial]
	if !ok {
		slot = make(chan struct{}, 1)
		m.slots[serial] = slot
	}
	m.mu.Unlock()

	timer := time.NewTimer(m.acquireTimeout)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire %s: %w", serial, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("acquire %s: %w after %s", serial, ErrCommandTimeout, m.acquireTimeout)
	}

	ch, err := m.factory(serial, mode)
	if err != nil {
		<-slot
		return nil, fmt.Errorf("build channel for %s: %w", serial, err)
	}
	return &Lease{manager: m, serial: serial, channel: ch}, nil
}

// Channel 返回租约当前持有的通道。
func (l *Lease) Channel() Channel { return l.channel }

// Serial 返回租约绑定的设备序列号。
func (l *Lease) Serial() string { return l.serial }

// SwitchMode 请求设备切换模式，成功后透明地重建匹配新模式的通道。
// 租约本身保持持有，调用方无需重新获取。
func (l *Lease) SwitchMode(ctx context.Context, target model.DeviceMode) error {
	if err := l.channel.SwitchMode(ctx, target); err != nil {
		return err
	}
	ch, err := l.manager.factory(l.serial, target)
	if err != nil {
		return fmt.Errorf("reselect channel after switch to %s: %w", target, err)
	}
	l.channel = ch
	return nil
}

// Release 释放租约。可安全重复调用。
func (l *Lease) Release() {
	l.releaseOnce.Do(func() {
		l.manager.mu.Lock()
		slot := l.manager.slots[l.serial]
		l.manager.mu.Unlock()
		if slot != nil {
			<-slot
		}
	})
}
