package camhal_test

import (
	"errors"
	"testing"

	"github.com/e7canasta/camhal"
	"github.com/e7canasta/camhal/internal/device/sim"
)

func TestManagerOpenClose(t *testing.T) {
	m := camhal.NewManager(nil)
	t.Cleanup(func() { _ = m.CloseAll() })

	for _, id := range []int{2, 0} {
		p, err := m.Open(id, camhal.Options{Device: sim.New(sim.Options{})}, newEvents())
		if err != nil {
			t.Fatalf("Open(%d): %v", id, err)
		}
		if p.CameraID() != id {
			t.Errorf("CameraID = %d, want %d", p.CameraID(), id)
		}
		if p.State() != "initialized" {
			t.Errorf("camera %d state = %s", id, p.State())
		}
	}

	if _, err := m.Open(2, camhal.Options{Device: sim.New(sim.Options{})}, newEvents()); !errors.Is(err, camhal.ErrInvalidState) {
		t.Errorf("second Open: err = %v, want ErrInvalidState", err)
	}
	if got := m.IDs(); len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Errorf("IDs = %v, want [0 2]", got)
	}

	if err := m.Close(2); err != nil {
		t.Fatalf("Close(2): %v", err)
	}
	if _, ok := m.Get(2); ok {
		t.Error("camera 2 still registered after Close")
	}
	if err := m.Close(2); !errors.Is(err, camhal.ErrInvalidArgument) {
		t.Errorf("double Close: err = %v, want ErrInvalidArgument", err)
	}

	// The id is free again.
	if _, err := m.Open(2, camhal.Options{Device: sim.New(sim.Options{})}, newEvents()); err != nil {
		t.Errorf("reopen: %v", err)
	}
	if err := m.CloseAll(); err != nil {
		t.Errorf("CloseAll: %v", err)
	}
	if len(m.IDs()) != 0 {
		t.Errorf("IDs after CloseAll = %v", m.IDs())
	}
}

func TestManagerOpenFailsWithoutDevice(t *testing.T) {
	m := camhal.NewManager(nil)
	if _, err := m.Open(1, camhal.Options{}, newEvents()); !errors.Is(err, camhal.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
	if len(m.IDs()) != 0 {
		t.Error("failed Open left a registration behind")
	}
}
