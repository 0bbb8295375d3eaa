package server

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

type resourcePoint struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	Goroutines int       `json:"goroutines"`
	OpenFiles  int32     `json:"openFiles,omitempty"`
	Children   int       `json:"relayChildren"`
}

type resourceSnapshot struct {
	Current resourcePoint   `json:"current"`
	History []resourcePoint `json:"history,omitempty"`
}

// resourceTracker samples the daemon's own footprint, including how many
// child processes (relays) it currently parents.
type resourceTracker struct {
	proc     *process.Process
	interval time.Duration
	mu       sync.RWMutex
	samples  []resourcePoint
	current  resourcePoint
	maxItems int
}

func newResourceTracker(interval time.Duration) *resourceTracker {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &resourceTracker{
		proc:     p,
		interval: interval,
		maxItems: 24 * 60, // one day at one sample per minute
	}
}

func (r *resourceTracker) start(ctx context.Context) {
	if r == nil {
		return
	}
	r.sample(ctx)
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sample(ctx)
			}
		}
	}()
}

func (r *resourceTracker) sample(ctx context.Context) {
	if r == nil || r.proc == nil {
		return
	}

	point := resourcePoint{
		Timestamp:  time.Now(),
		Goroutines: runtime.NumGoroutine(),
	}
	if cpu, err := r.proc.PercentWithContext(ctx, 0); err == nil {
		point.CPUPercent = cpu
	}
	if mem, err := r.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		point.RSSBytes = mem.RSS
	}
	if fds, err := r.proc.NumFDsWithContext(ctx); err == nil {
		point.OpenFiles = fds
	}
	if children, err := r.proc.ChildrenWithContext(ctx); err == nil {
		point.Children = len(children)
	}

	r.mu.Lock()
	r.current = point
	r.samples = append(r.samples, point)
	if len(r.samples) > r.maxItems {
		r.samples = r.samples[len(r.samples)-r.maxItems:]
	}
	r.mu.Unlock()
}

// snapshot returns the latest sample and, when withHistory is set, the
// retained history.
func (r *resourceTracker) snapshot(withHistory bool) resourceSnapshot {
	if r == nil {
		return resourceSnapshot{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := resourceSnapshot{Current: r.current}
	if withHistory {
		snap.History = make([]resourcePoint, len(r.samples))
		copy(snap.History, r.samples)
	}
	return snap
}
