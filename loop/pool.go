package loop

import (
	"sync/atomic"

	"github.com/sabouaram/msgbus/logger"
)

// Pool round-robins newly-accepted connections across a fixed set of
// Loops (spec §4.3: "the pool picks loops round-robin").
type Pool struct {
	loops []*Loop
	next  atomic.Uint64
}

// NewPool creates n Loops; n below 1 is treated as 1.
func NewPool(n int, log logger.Logger) (*Pool, error) {
	if n < 1 {
		n = 1
	}
	p := &Pool{loops: make([]*Loop, 0, n)}
	for i := 0; i < n; i++ {
		l, err := New(log)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.loops = append(p.loops, l)
	}
	return p, nil
}

// Pick returns the next loop in round-robin order.
func (p *Pool) Pick() *Loop {
	i := p.next.Add(1) - 1
	return p.loops[i%uint64(len(p.loops))]
}

// Close stops every loop in the pool.
func (p *Pool) Close() {
	for _, l := range p.loops {
		if l != nil {
			l.Close()
		}
	}
}

// Size returns the number of loops in the pool.
func (p *Pool) Size() int { return len(p.loops) }
