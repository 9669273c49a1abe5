package hash

import (
	sha256 "github.com/minio/sha256-simd"
)

// SHA256Engine hashes gensig || scoop with SIMD accelerated SHA-256.
type SHA256Engine struct{}

// NewSHA256Engine creates a SHA-256 engine
func NewSHA256Engine() *SHA256Engine {
	return &SHA256Engine{}
}

// Name returns the engine name
func (e *SHA256Engine) Name() string { return EngineSHA256 }

// Lanes returns the batch width
func (e *SHA256Engine) Lanes() int { return 1 }

// Sum hashes data
func (e *SHA256Engine) Sum(data []byte) [DigestSize]byte {
	return sha256.Sum256(data)
}

// Keyed hashes the generation signature followed by the scoop
func (e *SHA256Engine) Keyed(gensig *[GensigSize]byte, scoop []byte) [DigestSize]byte {
	var buf [GensigSize + ScoopSize]byte
	copy(buf[:GensigSize], gensig[:])
	n := copy(buf[GensigSize:], scoop)
	return sha256.Sum256(buf[:GensigSize+n])
}

// KeyedBatch hashes scoops one at a time
func (e *SHA256Engine) KeyedBatch(gensig *[GensigSize]byte, scoops []byte, out [][DigestSize]byte) int {
	return batchSequential(e, gensig, scoops, out)
}
