package backend

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/hisr/internal/logger"
)

const (
	CPU  = "cpu"
	Auto = "auto"
)

// Normalize validates a backend name. Only the CPU engine exists; "auto"
// resolves to it.
func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	switch backend {
	case "", Auto, CPU:
		return CPU, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto or cpu)", name)
	}
}

// Exec is the execution context passed explicitly to every forward
// operation. It owns no tensors; it only decides how work fans out and where
// diagnostics go. An Exec is safe for concurrent use by independent forward
// passes.
type Exec struct {
	backend string
	workers int
	log     logger.Logger
}

// New builds an Exec. workers <= 0 selects GOMAXPROCS. A nil log discards.
func New(name string, workers int, log logger.Logger) (*Exec, error) {
	backend, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Exec{backend: backend, workers: workers, log: log.With("backend", backend)}, nil
}

// Serial returns a single-worker Exec that discards logs. Tests and
// reference comparisons use it.
func Serial() *Exec {
	return &Exec{backend: CPU, workers: 1, log: logger.Discard()}
}

// Name returns the resolved backend name.
func (e *Exec) Name() string {
	if e == nil {
		return CPU
	}
	return e.backend
}

// Workers returns the fan-out limit.
func (e *Exec) Workers() int {
	if e == nil || e.workers < 1 {
		return 1
	}
	return e.workers
}

// Logger returns the logger carried by the context.
func (e *Exec) Logger() logger.Logger {
	if e == nil || e.log == nil {
		return logger.Discard()
	}
	return e.log
}

// ParallelFor runs fn(i) for i in [0, n) with at most Workers() in flight
// and returns the first error. Every i must write disjoint output so results
// do not depend on scheduling.
func (e *Exec) ParallelFor(n int, fn func(i int) error) error {
	workers := e.Workers()
	if workers == 1 || n <= 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error { return fn(i) })
	}
	return g.Wait()
}
