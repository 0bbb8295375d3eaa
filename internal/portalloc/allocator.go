// Package portalloc hands out relay listen ports from a fixed inclusive range.
package portalloc

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultSpread is the number of leading ports the scan may start from.
const DefaultSpread = 5

// Range is an inclusive span of TCP ports.
type Range struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

// Validate reports whether r describes a usable port range.
func (r Range) Validate() error {
	if r.Start < 1 || r.End > 65535 {
		return fmt.Errorf("port range %s outside 1-65535", r)
	}
	if r.Start > r.End {
		return fmt.Errorf("port range %s: start after end", r)
	}
	return nil
}

// Size returns the number of ports in the range.
func (r Range) Size() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Contains reports whether port lies inside the range.
func (r Range) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// ParseRange parses "6081-6099" or a single port "6081".
func ParseRange(value string) (Range, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Range{}, errors.New("empty port range")
	}
	startStr, endStr, found := strings.Cut(value, "-")
	if !found {
		endStr = startStr
	}
	start, err := strconv.Atoi(strings.TrimSpace(startStr))
	if err != nil {
		return Range{}, fmt.Errorf("parse port range %q: %w", value, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(endStr))
	if err != nil {
		return Range{}, fmt.Errorf("parse port range %q: %w", value, err)
	}
	r := Range{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// Allocator picks free ports. It holds no occupancy state of its own; the
// caller supplies the occupied set on every call.
type Allocator struct {
	spread int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New returns an allocator starting its scans within the first spread ports.
// A non-positive spread selects DefaultSpread.
func New(spread int) *Allocator {
	if spread <= 0 {
		spread = DefaultSpread
	}
	return &Allocator{
		spread: spread,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewWithSource is New with a caller-provided random source.
func NewWithSource(spread int, src rand.Source) *Allocator {
	a := New(spread)
	a.rng = rand.New(src)
	return a
}

// FindAvailable returns the first port not in occupied, starting at a random
// offset among the first few ports of r and wrapping around. It returns false
// once the whole range has been examined without a match.
func (a *Allocator) FindAvailable(occupied map[int]struct{}, r Range) (int, bool) {
	size := r.Size()
	if size == 0 {
		return 0, false
	}
	window := a.spread
	if window > size {
		window = size
	}
	a.rngMu.Lock()
	offset := a.rng.Intn(window)
	a.rngMu.Unlock()

	for i := range size {
		port := r.Start + (offset+i)%size
		if _, taken := occupied[port]; !taken {
			return port, true
		}
	}
	return 0, false
}

// FindAvailable is a convenience wrapper around a default Allocator.
func FindAvailable(occupied map[int]struct{}, r Range) (int, bool) {
	return defaultAllocator.FindAvailable(occupied, r)
}

var defaultAllocator = New(DefaultSpread)
