package bridge

import (
	"fmt"
	"sync"
)

// portAllocator hands out even RTP ports from the configured range. The odd
// port above each RTP port is reserved for RTCP by convention.
type portAllocator struct {
	mu    sync.Mutex
	min   int
	max   int
	next  int
	inUse map[int]struct{}
}

func newPortAllocator(min, max int) *portAllocator {
	if min%2 != 0 {
		min++
	}
	return &portAllocator{min: min, max: max, next: min, inUse: make(map[int]struct{})}
}

// Allocate returns a free even port from the range.
func (a *portAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for scanned := 0; scanned <= (a.max-a.min)/2; scanned++ {
		port := a.next
		a.next += 2
		if a.next > a.max {
			a.next = a.min
		}
		if _, busy := a.inUse[port]; !busy {
			a.inUse[port] = struct{}{}
			return port, nil
		}
	}
	return 0, fmt.Errorf("rtp port range %d-%d exhausted", a.min, a.max)
}

// Release returns a port to the pool. Releasing an unallocated port is a no-op.
func (a *portAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}
