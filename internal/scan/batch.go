// Package scan streams round scoops out of plot files and verifies them.
//
// Scanners read one plot file each, a Pool runs them per directory, and the
// Verifier hashes the resulting batches and reports the best nonce of every
// batch to a CandidateSink.
package scan

import (
	"errors"
	"fmt"

	"github.com/tos-network/poc-miner/internal/hash"
	"github.com/tos-network/poc-miner/internal/plot"
)

// ErrBatchInvalid marks a batch whose metadata does not match its data.
var ErrBatchInvalid = errors.New("invalid batch")

// MaxBatchNonces caps the nonces one batch may carry (64 MiB of scoops).
const MaxBatchNonces = 1 << 20

// Job describes the scoop to scan for one round.
type Job struct {
	Height uint64
	Gensig [hash.GensigSize]byte
	Scoop  uint32

	// BaseTarget is read when a batch is created so a base target revised
	// during the round applies to the data read after the revision.
	BaseTarget func() uint64
}

func (j *Job) baseTarget() uint64 {
	if j.BaseTarget == nil {
		return 0
	}
	return j.BaseTarget()
}

// Batch is a run of consecutive nonces' scoops from one plot file.
type Batch struct {
	AccountID  uint64
	StartNonce uint64
	Count      int
	Gensig     [hash.GensigSize]byte
	BaseTarget uint64
	Height     uint64
	PlotPath   string
	Data       []byte

	reservation *Reservation
}

// Validate checks that the batch holds exactly Count scoops.
func (b *Batch) Validate() error {
	switch {
	case b.Count <= 0:
		return fmt.Errorf("%w: empty batch from %s", ErrBatchInvalid, b.PlotPath)
	case b.Count > MaxBatchNonces:
		return fmt.Errorf("%w: %d nonces exceeds %d", ErrBatchInvalid, b.Count, MaxBatchNonces)
	case len(b.Data) != b.Count*plot.ScoopSize:
		return fmt.Errorf("%w: %d bytes for %d nonces", ErrBatchInvalid, len(b.Data), b.Count)
	}
	return nil
}

// Release frees the batch data and its buffer reservation.
func (b *Batch) Release() {
	b.Data = nil
	b.reservation.Release()
}

// Candidate is the best nonce found in one batch.
type Candidate struct {
	AccountID uint64
	Nonce     uint64
	Deadline  uint64
	Height    uint64
	PlotPath  string
}

// CandidateSink receives verified candidates. Implementations must be safe
// for concurrent use.
type CandidateSink interface {
	SubmitCandidate(c Candidate)
}

// SinkFunc adapts a function to CandidateSink.
type SinkFunc func(c Candidate)

// SubmitCandidate calls f(c).
func (f SinkFunc) SubmitCandidate(c Candidate) {
	f(c)
}
