package analyzer

import (
	"context"
	"encoding/binary"
)

// byteView is a read-only window over the input. Every accessor checks the
// requested range with 64-bit arithmetic before touching the slice, so
// attacker-controlled 32-bit offsets can never wrap or index out of range.
type byteView []byte

func (b byteView) inRange(off, n uint64) bool {
	size := uint64(len(b))
	return off <= size && n <= size-off
}

func (b byteView) slice(off, n uint64) ([]byte, bool) {
	if !b.inRange(off, n) {
		return nil, false
	}
	return b[off : off+n], true
}

func (b byteView) u8(off uint64) (uint8, bool) {
	if !b.inRange(off, 1) {
		return 0, false
	}
	return b[off], true
}

func (b byteView) u16(off uint64) (uint16, bool) {
	s, ok := b.slice(off, 2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(s), true
}

func (b byteView) u32(off uint64) (uint32, bool) {
	s, ok := b.slice(off, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(s), true
}

func (b byteView) u64(off uint64) (uint64, bool) {
	s, ok := b.slice(off, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(s), true
}

// cstring reads a NUL-terminated string of at most max bytes. A string that
// runs off the buffer or past max is rejected.
func (b byteView) cstring(off uint64, max int) (string, bool) {
	if !b.inRange(off, 1) {
		return "", false
	}
	end := off + uint64(max)
	if end > uint64(len(b)) {
		end = uint64(len(b))
	}
	for i := off; i < end; i++ {
		if b[i] == 0 {
			return string(b[off:i]), true
		}
	}
	return "", false
}

// budget bounds the work a single parse may do. Steps are charged by every
// loop whose trip count comes from the file; the context deadline is polled
// on the first step and then every budgetPollInterval steps.
type budget struct {
	ctx       context.Context
	steps     int
	max       int
	nextCheck int
}

const budgetPollInterval = 1024

func newBudget(ctx context.Context, maxSteps int) *budget {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxParseSteps
	}
	return &budget{ctx: ctx, max: maxSteps}
}

func (b *budget) spend(n int) error {
	b.steps += n
	if b.steps > b.max {
		return &MalformedBinaryError{Reason: "step budget exhausted", Offset: -1, Err: ErrParseTimeout}
	}
	if b.steps >= b.nextCheck {
		b.nextCheck = b.steps + budgetPollInterval
		if err := b.ctx.Err(); err != nil {
			return &MalformedBinaryError{Reason: "parse deadline exceeded", Offset: -1, Err: ErrParseTimeout}
		}
	}
	return nil
}
