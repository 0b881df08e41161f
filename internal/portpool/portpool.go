package portpool

import (
	"fmt"
	"sync"
)

type ExhaustedError struct {
	Size int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("Port pool exhausted - all %d ports are bound", e.Size)
}

type NotOwnedError struct {
	Port int
}

func (e *NotOwnedError) Error() string {
	return fmt.Sprintf("Port %d does not belong to this pool", e.Port)
}

// Pool hands out dedicated per-client UDP ports from a fixed contiguous
// range. Ports released after a failed bind or a session teardown go back
// into circulation.
type Pool struct {
	firstPort int
	size      int

	mut_free sync.Mutex
	free     []int
}

// CreatePool builds a pool covering [firstPort, firstPort+size).
func CreatePool(firstPort, size int) *Pool {
	free := make([]int, 0, size)
	for i := 0; i < size; i++ {
		free = append(free, firstPort+i)
	}
	return &Pool{
		firstPort: firstPort,
		size:      size,
		free:      free,
	}
}

func (p *Pool) Size() int {
	return p.size
}

// Acquire removes and returns one free port.
func (p *Pool) Acquire() (int, error) {
	p.mut_free.Lock()
	defer p.mut_free.Unlock()

	if len(p.free) == 0 {
		return 0, &ExhaustedError{Size: p.size}
	}

	port := p.free[0]
	p.free = p.free[1:]
	return port, nil
}

// Release returns a port to the pool.
func (p *Pool) Release(port int) error {
	if port < p.firstPort || port >= p.firstPort+p.size {
		return &NotOwnedError{Port: port}
	}

	p.mut_free.Lock()
	defer p.mut_free.Unlock()

	for _, freePort := range p.free {
		if freePort == port {
			return nil
		}
	}
	p.free = append(p.free, port)
	return nil
}

// Available reports how many ports are currently free.
func (p *Pool) Available() int {
	p.mut_free.Lock()
	defer p.mut_free.Unlock()
	return len(p.free)
}
