package diameter

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// A SequenceGenerator is used to provide monotonically increasing values for Diameter Message
// hop-by-hop IDs and end-to-end IDs.
type SequenceGenerator struct {
	hbhGenerator *HopByHopIdGenerator
	eteGenerator *EndToEndIdGenerator
}

// NewSequenceGeneratorSet creates a new SequenceGenerator with the hop-by-hop ID seed set to
// a random uint32 value and the end-to-end ID high-order bits derived from the current time.
func NewSequenceGeneratorSet() *SequenceGenerator {
	return NewSequenceGeneratorSetStartingAt(time.Now())
}

// NewSequenceGeneratorSetStartingAt is the same as NewSequenceGeneratorSet, but the end-to-end
// ID generator's time-derived high-order bits are taken from the supplied startTime rather than
// time.Now(). The time-derived bits are fixed when the generator is created; later
// calls do not re-read the clock.
func NewSequenceGeneratorSetStartingAt(startTime time.Time) *SequenceGenerator {
	return &SequenceGenerator{
		NewHopByHopIdGenerator(),
		NewEndToEndIdGeneratorStartingAt(startTime),
	}
}

// NextHopByHopId returns the next hop-by-hop ID in the sequence.  It will be equal to the last
// value supplied (or the seed on the first invocation of this method) plus 1.  If the limit of
// a uint32 is reached, then 0 is returned.  It is safe to call this method in multiple
// coroutines simultaneously.
func (g *SequenceGenerator) NextHopByHopId() uint32 {
	return g.hbhGenerator.Next()
}

// NextEndToEndId return the next end-to-end ID in the sequence.  The high-order 12 bits are
// fixed at generator creation time to the low-order 12 bits of the seed time in seconds.  The
// low-order 20 bits are a value that increments by one on each call, starting with the seed
// value.  If the low-order 20-bits value exceeds the limit of a 20-bit unsigned integer, it
// wraps to 0 and continues incrementing from there.  It is safe to call this method in multiple
// coroutines simultaneously.
func (g *SequenceGenerator) NextEndToEndId() uint32 {
	return g.eteGenerator.Next()
}

// A HopByHopIdGenerator is used to generate monotonically increasing hop-by-hop IDs
// starting with a random seed.
type HopByHopIdGenerator struct {
	mu        sync.Mutex
	nextValue uint32
}

// An EndToEndIdGenerator is used to generate monotonically increasing end-to-end IDs using the
// method recommended by RFC6733: the high-order 12 bits are the low-order 12 bits of the
// generator's seed time in seconds, fixed for the generator's lifetime, and the low-order 20
// bits start with a random 20-bit value and increment on each call. If the low-order bits
// exceed the limit of a 20-bit unsigned integer, they wrap to 0 and continue incrementing.
type EndToEndIdGenerator struct {
	mu                      sync.Mutex
	highOrder12Bits         uint32
	nextValueForLower20Bits uint32
}

// NewHopByHopIdGenerator returns a HopByHopIdGenerator with the initial seed set to a random
// uint32 value.
func NewHopByHopIdGenerator() *HopByHopIdGenerator {
	n, err := rand.Int(rand.Reader, big.NewInt(0xffffffff))
	if err != nil {
		panic(fmt.Errorf("failed to generate random integer: %s", err))
	}

	return &HopByHopIdGenerator{
		nextValue: uint32(n.Uint64()),
	}
}

// Next returns the next ID according to the rules described above.  It is safe to call
// this method in multiple coroutines simultaneously.
func (g *HopByHopIdGenerator) Next() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.nextValue
	g.nextValue++
	return n
}

// NewEndToEndIdGenerator returns an EndToEndIdGenerator seeded from the current time, with the
// low-order 20-bit counter starting at a random 20-bit unsigned integer.
func NewEndToEndIdGenerator() *EndToEndIdGenerator {
	return NewEndToEndIdGeneratorStartingAt(time.Now())
}

// NewEndToEndIdGeneratorStartingAt is the same as NewEndToEndIdGenerator, but the high-order
// 12 bits are derived from the supplied startTime instead of time.Now(). node.New seeds
// one of these once, when the node is created, and uses it for every end-to-end id the
// node assigns; the time-derived bits are not recomputed on each call.
func NewEndToEndIdGeneratorStartingAt(startTime time.Time) *EndToEndIdGenerator {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<20))
	if err != nil {
		panic(fmt.Errorf("failed to generate random integer: %s", err))
	}

	return &EndToEndIdGenerator{
		highOrder12Bits:         uint32(startTime.Unix()) & 0x00000fff,
		nextValueForLower20Bits: uint32(n.Uint64()),
	}
}

// Next returns the next ID according to the rules described above.  It is safe to call
// this method in multiple coroutines simultaneously.
func (g *EndToEndIdGenerator) Next() uint32 {
	g.mu.Lock()
	n := g.nextValueForLower20Bits
	g.nextValueForLower20Bits++
	g.mu.Unlock()

	return (g.highOrder12Bits << 20) | (n & 0x000fffff)
}

// GenerateSessionId is used to generate a Session-Id using the mechanism described in
// RFC6733.  Specifically, given an originHost value, it produces
// <originHost>;<time-high>;<time-low>.  "time" here is the number of microseconds since
// the Unix epoch as a uint64.  "high" is the high-order 32 bits of this number and "low"
// is the low-order 32 bits of this number.
func GenerateSessionId(originHost string) string {
	now := uint64(time.Now().UnixMicro())
	return fmt.Sprintf("%s;%d;%d", originHost, uint32(now>>32), uint32(now))
}
