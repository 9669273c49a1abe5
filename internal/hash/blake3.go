package hash

import "github.com/zeebo/blake3"

// blake3Lanes is how many scoops one keyed hasher processes per batch call.
const blake3Lanes = 8

// Blake3Engine hashes scoops with BLAKE3 in keyed mode, the generation
// signature being the 32 byte key.
type Blake3Engine struct{}

// NewBlake3Engine creates a BLAKE3 engine
func NewBlake3Engine() *Blake3Engine {
	return &Blake3Engine{}
}

// Name returns the engine name
func (e *Blake3Engine) Name() string { return EngineBlake3 }

// Lanes returns the batch width
func (e *Blake3Engine) Lanes() int { return blake3Lanes }

// Sum hashes data without a key
func (e *Blake3Engine) Sum(data []byte) [DigestSize]byte {
	return blake3.Sum256(data)
}

// Keyed hashes one scoop under the generation signature
func (e *Blake3Engine) Keyed(gensig *[GensigSize]byte, scoop []byte) [DigestSize]byte {
	h, err := blake3.NewKeyed(gensig[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic(err)
	}
	var out [DigestSize]byte
	h.Write(scoop)
	h.Sum(out[:0])
	return out
}

// KeyedBatch hashes consecutive scoops reusing one keyed hasher
func (e *Blake3Engine) KeyedBatch(gensig *[GensigSize]byte, scoops []byte, out [][DigestSize]byte) int {
	n := len(scoops) / ScoopSize
	if n > len(out) {
		n = len(out)
	}
	if n == 0 {
		return 0
	}

	h, err := blake3.NewKeyed(gensig[:])
	if err != nil {
		panic(err)
	}
	for i := 0; i < n; i++ {
		h.Reset()
		h.Write(scoops[i*ScoopSize : (i+1)*ScoopSize])
		h.Sum(out[i][:0])
	}
	return n
}
