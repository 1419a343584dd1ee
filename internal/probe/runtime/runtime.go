// Package runtime provides a polled probe reporting the daemon's own Go
// runtime statistics.
package runtime

import (
	"context"
	"os"
	goruntime "runtime"
	"time"

	"codeberg.org/mutker/sensusd/internal/datum"
	"codeberg.org/mutker/sensusd/internal/logger"
	"codeberg.org/mutker/sensusd/internal/probe"
)

// Type is the registry name of the runtime probe.
const Type = "runtime"

// Sampler implements probe.Poller.
type Sampler struct {
	started time.Time
	pid     int
}

func NewSampler() *Sampler {
	return &Sampler{started: time.Now(), pid: os.Getpid()}
}

func (s *Sampler) Poll(context.Context) ([]*datum.Datum, error) {
	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)

	return []*datum.Datum{datum.New("", map[string]any{
		"pid":            s.pid,
		"uptime_s":       int64(time.Since(s.started).Seconds()),
		"goroutines":     goruntime.NumGoroutine(),
		"heap_alloc":     mem.HeapAlloc,
		"heap_objects":   mem.HeapObjects,
		"sys":            mem.Sys,
		"num_gc":         mem.NumGC,
		"gc_pause_total": time.Duration(mem.PauseTotalNs).String(),
	})}, nil
}

// Register adds the runtime probe to r.
func Register(r *probe.Registry, log logger.Logger) error {
	if log == nil {
		log = logger.Default()
	}

	return r.Register(Type, func(spec probe.Spec) (*probe.Probe, error) {
		return probe.NewPolling(spec.Name, NewSampler(), spec.Interval, probe.WithLogger(log.With("probe"))), nil
	})
}
