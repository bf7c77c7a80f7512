package camhal

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Manager owns one Pipeline per camera id. The zero value is not usable;
// create with NewManager.
type Manager struct {
	logger *slog.Logger

	mu        sync.Mutex
	pipelines map[int]*Pipeline
}

// NewManager returns an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    logger.With("component", "manager"),
		pipelines: make(map[int]*Pipeline),
	}
}

// Open creates the pipeline of camera id and binds cb. Opening an id that is
// already open fails with ErrInvalidState.
func (m *Manager) Open(id int, opts Options, cb Callbacks) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pipelines[id]; ok {
		return nil, fmt.Errorf("%w: camera %d already open", ErrInvalidState, id)
	}
	opts.CameraID = id
	if opts.Logger == nil {
		opts.Logger = m.logger
	}
	p, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := p.Init(cb); err != nil {
		return nil, err
	}
	m.pipelines[id] = p
	m.logger.Info("manager: camera opened", "camera", id)
	return p, nil
}

// Get returns the open pipeline of camera id.
func (m *Manager) Get(id int) (*Pipeline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	return p, ok
}

// IDs returns the open camera ids in ascending order.
func (m *Manager) IDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.pipelines))
	for id := range m.pipelines {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close flushes and closes camera id, then forgets it.
func (m *Manager) Close(id int) error {
	m.mu.Lock()
	p, ok := m.pipelines[id]
	delete(m.pipelines, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: camera %d not open", ErrInvalidArgument, id)
	}
	if err := p.Close(); err != nil {
		return fmt.Errorf("camera %d: %w", id, err)
	}
	m.logger.Info("manager: camera closed", "camera", id)
	return nil
}

// CloseAll closes every open camera and joins their errors.
func (m *Manager) CloseAll() error {
	var errs []error
	for _, id := range m.IDs() {
		if err := m.Close(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
