package app

import "context"

// Engine ticks a set of apps in registration order: all Pulls, then all
// Pushes. It is single-threaded; apps never run concurrently.
type Engine struct {
	apps []App

	// Ticks counts completed engine iterations.
	Ticks uint64
}

// Add registers an app. Apps run in the order they were added.
func (e *Engine) Add(a App) {
	e.apps = append(e.apps, a)
}

// Tick runs one iteration.
func (e *Engine) Tick() {
	for _, a := range e.apps {
		a.Pull()
	}

	for _, a := range e.apps {
		a.Push()
	}

	e.Ticks++
}

// Run ticks until ctx is done, then stops apps that want stopping.
func (e *Engine) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		e.Tick()
	}

	for _, a := range e.apps {
		if s, ok := a.(Stopper); ok {
			s.Stop()
		}
	}

	return ctx.Err()
}
