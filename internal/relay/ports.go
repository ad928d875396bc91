package relay

import "sync/atomic"

// portAllocator hands out listener ports for per-session audio relays using a
// process-wide sequential counter. Past the limit the counter wraps back to
// the base. The wrap does not check for collisions with ports still held by
// active sessions; a bind failure on a colliding port surfaces through the
// normal start-failure path.
type portAllocator struct {
	base uint32
	span uint32
	next atomic.Uint32
}

func newPortAllocator(base, limit int) *portAllocator {
	if limit <= base {
		limit = base + 1
	}
	return &portAllocator{base: uint32(base), span: uint32(limit - base)}
}

// Next returns the next port in sequence. Safe for concurrent use.
func (p *portAllocator) Next() int {
	n := p.next.Add(1) - 1
	return int(p.base + n%p.span)
}
