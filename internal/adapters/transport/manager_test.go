package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"frp-orchestrator/internal/domain/model"
)

type nopChannel struct {
	mode model.DeviceMode
}

func (c nopChannel) Mode() model.DeviceMode { return c.mode }

func (c nopChannel) Execute(ctx context.Context, timeout time.Duration, args ...string) (CommandResult, error) {
	return CommandResult{Success: true}, nil
}

func (c nopChannel) SwitchMode(ctx context.Context, target model.DeviceMode) error { return nil }

func (c nopChannel) QueryLockState(ctx context.Context) (model.LockState, error) {
	return model.LockUnknown, nil
}

func nopFactory(serial string, mode model.DeviceMode) (Channel, error) {
	return nopChannel{mode: mode}, nil
}

func TestManager_ExclusivePerSerial(t *testing.T) {
	m := NewManager(nopFactory, time.Second)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "SER1", model.ModeDebugBridge)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		lease, err := m.Acquire(ctx, "SER1", model.ModeDebugBridge)
		if err == nil {
			lease.Release()
		}
		acquired <- err
	}()

	select {
	case err := <-acquired:
		t.Fatalf("second acquire must block while lease is held, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("second acquire after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("second acquire did not proceed after release")
	}
}

func TestManager_DifferentSerialsIndependent(t *testing.T) {
	m := NewManager(nopFactory, time.Second)
	ctx := context.Background()

	a, err := m.Acquire(ctx, "SER1", model.ModeDebugBridge)
	if err != nil {
		t.Fatalf("acquire SER1: %v", err)
	}
	defer a.Release()

	b, err := m.Acquire(ctx, "SER2", model.ModeBootLoader)
	if err != nil {
		t.Fatalf("acquire SER2 must not block on SER1: %v", err)
	}
	b.Release()
}

func TestManager_AcquireTimeout(t *testing.T) {
	m := NewManager(nopFactory, 50*time.Millisecond)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "SER1", model.ModeDebugBridge)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()

	_, err = m.Acquire(ctx, "SER1", model.ModeDebugBridge)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestManager_ReleaseIdempotent(t *testing.T) {
	m := NewManager(nopFactory, time.Second)

	lease, err := m.Acquire(context.Background(), "SER1", model.ModeDebugBridge)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lease.Release()
	lease.Release()

	again, err := m.Acquire(context.Background(), "SER1", model.ModeDebugBridge)
	if err != nil {
		t.Fatalf("reacquire after double release: %v", err)
	}
	again.Release()
}

func TestLease_SwitchModeRebuildsChannel(t *testing.T) {
	m := NewManager(nopFactory, time.Second)

	lease, err := m.Acquire(context.Background(), "SER1", model.ModeDebugBridge)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()

	if err := lease.SwitchMode(context.Background(), model.ModeBootLoader); err != nil {
		t.Fatalf("switch mode: %v", err)
	}
	if lease.Channel().Mode() != model.ModeBootLoader {
		t.Fatalf("channel not rebuilt for new mode: %s", lease.Channel().Mode())
	}
}
