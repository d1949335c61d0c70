// Package safego runs background work that must not take the process down.
package safego

import (
	"context"

	"github.com/gofiber/fiber/v2/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Spawner starts fire-and-forget goroutines and lets shutdown wait for the
// ones still running.
type Spawner struct {
	wg *conc.WaitGroup
}

func NewSpawner() *Spawner {
	return &Spawner{wg: conc.NewWaitGroup()}
}

// Go runs fn in a goroutine. A panic is logged with its stack and swallowed.
func (s *Spawner) Go(name string, fn func()) {
	s.wg.Go(func() {
		var c panics.Catcher
		c.Try(fn)
		if r := c.Recovered(); r != nil {
			log.Errorf("[safego] %s panicked: %v\n%s", name, r.Value, r.Stack)
		}
	})
}

// Wait blocks until all spawned work finished or ctx is done.
func (s *Spawner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run calls fn and returns a recovered panic as an error.
func Run(fn func() error) (err error) {
	var c panics.Catcher
	c.Try(func() { err = fn() })
	if r := c.Recovered(); r != nil {
		log.Errorf("[safego] recovered panic: %v\n%s", r.Value, r.Stack)
		return r.AsError()
	}
	return err
}
