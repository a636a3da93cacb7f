package graph

// ConsolePoolName is the distinguished pool that grants exclusive
// terminal access to its one running edge.
const ConsolePoolName = "console"

// Pool is a named concurrency group. Depth <= 0 means unlimited.
type Pool struct {
	Name       string
	Depth      int
	CurrentUse int

	// Delayed holds ready edges that could not be admitted because
	// the pool was full; a slot release promotes exactly one of
	// these back to the plan's ready set.
	Delayed []EdgeID
}

func NewPool(name string, depth int) *Pool {
	return &Pool{Name: name, Depth: depth}
}

// Unlimited reports whether this pool imposes no concurrency bound.
func (p *Pool) Unlimited() bool { return p.Depth <= 0 }

// HasCapacity reports whether one more edge can be admitted right now.
func (p *Pool) HasCapacity() bool {
	return p.Unlimited() || p.CurrentUse < p.Depth
}

func NewConsolePool() *Pool { return NewPool(ConsolePoolName, 1) }
