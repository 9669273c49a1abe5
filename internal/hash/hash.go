// Package hash provides the keyed hash engines used to derive round scoops
// and nonce deadlines.
package hash

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// DigestSize is the output size of every engine
	DigestSize = 32

	// GensigSize is the generation signature size, used as the hash key
	GensigSize = 32

	// ScoopSize is the size of one scoop message
	ScoopSize = 64

	// ScoopMask keeps the 12 bits that index one of 4096 scoops
	ScoopMask = 0x0FFF
)

// Engine names accepted by NewEngine.
const (
	EngineBlake3 = "blake3"
	EngineSHA256 = "sha256"
)

// Engine is a keyed hash primitive with a fixed 32 byte digest.
//
// Keyed hashes one scoop under a generation signature. KeyedBatch hashes up to
// Lanes() consecutive scoops in one call and must agree with Keyed for every
// lane. Implementations are safe for concurrent use.
type Engine interface {
	Name() string
	Sum(data []byte) [DigestSize]byte
	Keyed(gensig *[GensigSize]byte, scoop []byte) [DigestSize]byte
	Lanes() int
	KeyedBatch(gensig *[GensigSize]byte, scoops []byte, out [][DigestSize]byte) int
}

// NewEngine returns the engine registered under name.
func NewEngine(name string) (Engine, error) {
	switch name {
	case "", EngineBlake3:
		return NewBlake3Engine(), nil
	case EngineSHA256:
		return NewSHA256Engine(), nil
	default:
		return nil, fmt.Errorf("unknown hash engine %q", name)
	}
}

// ScoopNumber derives the round scoop from the generation signature and the
// block height: digest of gensig || BE64(height), low 12 bits of the last two
// digest bytes.
func ScoopNumber(e Engine, gensig [GensigSize]byte, height uint64) uint32 {
	var buf [GensigSize + 8]byte
	copy(buf[:GensigSize], gensig[:])
	binary.BigEndian.PutUint64(buf[GensigSize:], height)

	digest := e.Sum(buf[:])
	return (uint32(digest[30]&0x0F) << 8) | uint32(digest[31])
}

// DeadlineFromDigest converts a scoop digest to a deadline in seconds. A zero
// base target can never produce a usable deadline and yields MaxUint64.
func DeadlineFromDigest(digest [DigestSize]byte, baseTarget uint64) uint64 {
	if baseTarget == 0 {
		return math.MaxUint64
	}
	return binary.LittleEndian.Uint64(digest[:8]) / baseTarget
}

// Deadline computes the deadline of a single scoop.
func Deadline(e Engine, gensig *[GensigSize]byte, scoop []byte, baseTarget uint64) uint64 {
	return DeadlineFromDigest(e.Keyed(gensig, scoop), baseTarget)
}

// BestDeadline scans a contiguous run of scoops and returns the index of the
// lowest deadline and its value. Trailing bytes that do not fill a whole
// scoop are ignored. An empty run returns index -1.
func BestDeadline(e Engine, gensig *[GensigSize]byte, scoops []byte, baseTarget uint64) (int, uint64) {
	count := len(scoops) / ScoopSize
	best, bestIdx := uint64(math.MaxUint64), -1

	lanes := e.Lanes()
	if lanes < 1 {
		lanes = 1
	}
	out := make([][DigestSize]byte, lanes)

	for i := 0; i < count; i += lanes {
		end := i + lanes
		if end > count {
			end = count
		}
		n := e.KeyedBatch(gensig, scoops[i*ScoopSize:end*ScoopSize], out)
		for j := 0; j < n; j++ {
			d := DeadlineFromDigest(out[j], baseTarget)
			if bestIdx < 0 || d < best {
				best, bestIdx = d, i+j
			}
		}
	}

	return bestIdx, best
}

// batchSequential is the KeyedBatch fallback for engines without a wide path.
func batchSequential(e Engine, gensig *[GensigSize]byte, scoops []byte, out [][DigestSize]byte) int {
	n := len(scoops) / ScoopSize
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		out[i] = e.Keyed(gensig, scoops[i*ScoopSize:(i+1)*ScoopSize])
	}
	return n
}
