package control

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/essajiwa/hooklab/internal/server/registry"
)

// portAllocator hands out public ports for TCP tunnels round-robin over a range.
type portAllocator struct {
	start int
	end   int
	next  int
	mu    sync.Mutex
}

func (a *portAllocator) allocate(reg *registry.Registry) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rangeSize := a.end - a.start + 1
	if rangeSize <= 0 {
		return 0, fmt.Errorf("invalid port range")
	}

	for i := 0; i < rangeSize; i++ {
		candidate := a.start + ((a.next - a.start + i + rangeSize) % rangeSize)
		if _, exists := reg.GetByPort(candidate); !exists {
			a.next = candidate + 1
			if a.next > a.end {
				a.next = a.start
			}
			return candidate, nil
		}
	}

	return 0, fmt.Errorf("no available ports in range %d-%d", a.start, a.end)
}

func (a *portAllocator) size() int {
	return a.end - a.start + 1
}

func parsePortRange(r string) (int, int, error) {
	startStr, endStr, ok := strings.Cut(r, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid port range: %s", r)
	}
	start, err := strconv.Atoi(strings.TrimSpace(startStr))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range start: %w", err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(endStr))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range end: %w", err)
	}
	if start <= 0 || end > 65535 || end < start {
		return 0, 0, fmt.Errorf("invalid port range values: %d-%d", start, end)
	}
	return start, end, nil
}
