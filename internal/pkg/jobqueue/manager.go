package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"
)

// Manager owns the job queue and the periodic background tasks.
type Manager struct {
	queue  *Queue
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	tasks   []string
}

// NewManager wraps queue. Periodic tasks never overlap with themselves and a
// panicking task does not stop the scheduler.
func NewManager(queue *Queue) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		queue: queue,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Queue returns the managed job queue
func (m *Manager) Queue() *Queue {
	return m.queue
}

// AddPeriodic schedules fn with a cron spec such as "@every 7m0s" or
// "*/5 * * * *". The context passed to fn is cancelled on Stop.
func (m *Manager) AddPeriodic(name, spec string, fn func(ctx context.Context) error) error {
	_, err := m.cron.AddFunc(spec, func() {
		start := time.Now()
		log.Debugf("[JobQueue Manager] Running %s", name)
		if err := fn(m.ctx); err != nil {
			log.Errorf("[JobQueue Manager] %s failed: %v", name, err)
			return
		}
		log.Debugf("[JobQueue Manager] %s finished in %s", name, time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}

	m.mu.Lock()
	m.tasks = append(m.tasks, name)
	m.mu.Unlock()
	log.Infof("[JobQueue Manager] Scheduled %s (%s)", name, spec)
	return nil
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	log.Infof("[JobQueue Manager] Starting job queue and %d periodic tasks", len(m.tasks))

	m.queue.Start()
	m.cron.Start()

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop cancels running periodic tasks, waits for them, then stops the
// queue workers.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping background tasks and job queue...")
	m.cancel()
	<-m.cron.Stop().Done()
	m.queue.Stop()
	m.running = false

	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
