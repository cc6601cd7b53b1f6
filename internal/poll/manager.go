package poll

import (
	"context"
	"log"
	"sync"
)

// Loop is a long-running poller that returns once its context is done.
type Loop interface {
	Name() string
	Run(ctx context.Context)
}

// Manager runs each loop in its own goroutine. Loops share nothing in
// process; each owns its state and its store handle.
type Manager struct {
	loops []Loop

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(loops ...Loop) *Manager {
	return &Manager{loops: loops}
}

// Start launches every loop. Calling Start twice is a no-op.
func (m *Manager) Start(parent context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	for _, l := range m.loops {
		m.wg.Add(1)
		go func(l Loop) {
			defer m.wg.Done()
			log.Printf("starting %s loop", l.Name())
			l.Run(ctx)
			log.Printf("%s loop stopped", l.Name())
		}(l)
	}
}

// Stop cancels the loops and waits for in-flight cycles to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
