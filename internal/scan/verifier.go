package scan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/remeh/sizedwaitgroup"

	"github.com/tos-network/poc-miner/internal/hash"
	"github.com/tos-network/poc-miner/internal/util"
)

// ErrVerifierStopped is returned by Enqueue after Stop.
var ErrVerifierStopped = errors.New("verifier stopped")

// VerifierStats counts verifier activity since start.
type VerifierStats struct {
	Batches int64 `json:"batches"`
	Nonces  int64 `json:"nonces"`
	Dropped int64 `json:"dropped"`
	Stale   int64 `json:"stale"`
}

// Verifier hashes queued batches on a fixed set of workers and reports the
// best nonce of each batch.
type Verifier struct {
	engine  hash.Engine
	sink    CandidateSink
	threads int
	queue   chan *Batch
	quit    chan struct{}
	wg      sizedwaitgroup.SizedWaitGroup

	height  atomic.Uint64
	pending atomic.Int64

	batches atomic.Int64
	nonces  atomic.Int64
	dropped atomic.Int64
	stale   atomic.Int64

	stopOnce sync.Once
}

// NewVerifier creates a verifier with the given worker count and queue depth.
func NewVerifier(engine hash.Engine, sink CandidateSink, threads, queueSize int) *Verifier {
	if threads < 1 {
		threads = 1
	}
	if queueSize < 1 {
		queueSize = threads * 4
	}
	return &Verifier{
		engine:  engine,
		sink:    sink,
		threads: threads,
		queue:   make(chan *Batch, queueSize),
		quit:    make(chan struct{}),
		wg:      sizedwaitgroup.New(threads),
	}
}

// Start launches the workers. They run until ctx is done or Stop is called.
func (v *Verifier) Start(ctx context.Context) {
	for i := 0; i < v.threads; i++ {
		v.wg.Add()
		go v.worker(ctx)
	}
	util.Channel(util.ChannelVerifier).Infof("Started %d verifier workers using %s", v.threads, v.engine.Name())
}

// Stop stops the workers and releases every batch still queued.
func (v *Verifier) Stop() {
	v.stopOnce.Do(func() {
		close(v.quit)
		v.wg.Wait()
		v.drain()
	})
}

func (v *Verifier) drain() {
	for {
		select {
		case b := <-v.queue:
			b.Release()
			v.pending.Add(-1)
		default:
			return
		}
	}
}

// Enqueue blocks until b is queued, ctx is done or the verifier stops. On
// error the caller keeps ownership of b.
func (v *Verifier) Enqueue(ctx context.Context, b *Batch) error {
	select {
	case <-v.quit:
		return ErrVerifierStopped
	default:
	}

	v.pending.Add(1)
	select {
	case v.queue <- b:
		// Stop may have drained the queue between the check above and the send.
		select {
		case <-v.quit:
			v.drain()
		default:
		}
		return nil
	case <-ctx.Done():
		v.pending.Add(-1)
		return ctx.Err()
	case <-v.quit:
		v.pending.Add(-1)
		return ErrVerifierStopped
	}
}

// SetHeight sets the current round. Batches of other rounds are released
// without hashing.
func (v *Verifier) SetHeight(height uint64) {
	v.height.Store(height)
}

// Idle reports whether no enqueued batch is waiting or being hashed.
func (v *Verifier) Idle() bool {
	return v.pending.Load() <= 0
}

// Stats returns the activity counters.
func (v *Verifier) Stats() VerifierStats {
	return VerifierStats{
		Batches: v.batches.Load(),
		Nonces:  v.nonces.Load(),
		Dropped: v.dropped.Load(),
		Stale:   v.stale.Load(),
	}
}

func (v *Verifier) worker(ctx context.Context) {
	defer v.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.quit:
			return
		case b := <-v.queue:
			v.Process(b)
			v.pending.Add(-1)
		}
	}
}

// Process verifies one batch and submits its best nonce. The batch is
// released in every case. Invalid batches are dropped with a warning.
func (v *Verifier) Process(b *Batch) {
	if err := b.Validate(); err != nil {
		b.Release()
		v.dropped.Add(1)
		util.Channel(util.ChannelVerifier).Warnf("Dropping batch: %v", err)
		return
	}
	if h := v.height.Load(); h != 0 && b.Height != h {
		b.Release()
		v.stale.Add(1)
		return
	}

	idx, deadline := hash.BestDeadline(v.engine, &b.Gensig, b.Data, b.BaseTarget)
	count := b.Count
	b.Release()

	v.batches.Add(1)
	v.nonces.Add(int64(count))
	if idx < 0 {
		return
	}

	v.sink.SubmitCandidate(Candidate{
		AccountID: b.AccountID,
		Nonce:     b.StartNonce + uint64(idx),
		Deadline:  deadline,
		Height:    b.Height,
		PlotPath:  b.PlotPath,
	})
}
