package sqlbisect

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
)

const (
	minPortOffset = 10000
	maxPortOffset = 30000

	baseSQLPort       = 4000
	baseStatusPort    = 10080
	baseDashboardPort = 2379
)

// A portAllocator hands out port offsets which are not used by any other environment of this process
// and whose well-known ports can be bound
type portAllocator struct {
	mu    sync.Mutex
	inUse map[int]int // Reserved port to the offset it was reserved for

	attempts int
	bindable func(port int) bool
}

func newPortAllocator() *portAllocator {
	return &portAllocator{
		inUse:    make(map[int]int),
		attempts: 100,
		bindable: canBind,
	}
}

func offsetPorts(offset int) []int {
	return []int{baseSQLPort + offset, baseStatusPort + offset, baseDashboardPort + offset}
}

// allocate reserves a random offset in [minPortOffset, maxPortOffset)
func (a *portAllocator) allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

candidates:
	for i := 0; i < a.attempts; i++ {
		offset := minPortOffset + rand.Intn(maxPortOffset-minPortOffset)
		ports := offsetPorts(offset)
		for _, port := range ports {
			if _, taken := a.inUse[port]; taken || !a.bindable(port) {
				continue candidates
			}
		}
		for _, port := range ports {
			a.inUse[port] = offset
		}
		return offset, nil
	}
	return 0, fmt.Errorf("no free port offset found after %d attempts", a.attempts)
}

// release frees the ports of the passed offset. Releasing an offset twice is a no-op.
func (a *portAllocator) release(offset int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, port := range offsetPorts(offset) {
		if owner, ok := a.inUse[port]; ok && owner == offset {
			delete(a.inUse, port)
		}
	}
}

func (a *portAllocator) reserved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

func canBind(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
