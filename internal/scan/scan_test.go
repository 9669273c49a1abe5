package scan

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/tos-network/poc-miner/internal/hash"
	"github.com/tos-network/poc-miner/internal/plot"
)

// stubEngine derives the scoop from a fixed digest and gives every scoop the
// deadline value scoop[0]*1000.
type stubEngine struct {
	sum [32]byte
}

func newStubEngine() *stubEngine {
	e := &stubEngine{}
	e.sum[30] = 0x1A
	e.sum[31] = 0x2B
	return e
}

func (e *stubEngine) Name() string { return "stub" }

func (e *stubEngine) Sum(data []byte) [32]byte { return e.sum }

func (e *stubEngine) Keyed(gensig *[32]byte, scoop []byte) [32]byte {
	var d [32]byte
	binary.LittleEndian.PutUint64(d[:8], uint64(scoop[0])*1000)
	return d
}

func (e *stubEngine) Lanes() int { return 2 }

func (e *stubEngine) KeyedBatch(gensig *[32]byte, scoops []byte, out [][32]byte) int {
	n := len(scoops) / hash.ScoopSize
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		out[i] = e.Keyed(gensig, scoops[i*hash.ScoopSize:])
	}
	return n
}

type collectSink struct {
	mu         sync.Mutex
	candidates []Candidate
}

func (s *collectSink) SubmitCandidate(c Candidate) {
	s.mu.Lock()
	s.candidates = append(s.candidates, c)
	s.mu.Unlock()
}

func (s *collectSink) best() (Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.candidates) == 0 {
		return Candidate{}, false
	}
	best := s.candidates[0]
	for _, c := range s.candidates[1:] {
		if c.Deadline < best.Deadline {
			best = c
		}
	}
	return best, true
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates)
}

// writeScoops creates a plot file whose round scoop carries values[i] as the
// first byte for nonce i. Every other byte is zero.
func writeScoops(t *testing.T, fs afero.Fs, path string, name plot.Name, scoop uint32, values []byte) {
	t.Helper()
	f := &plot.File{Name: name}
	data := make([]byte, name.ExpectedSize())
	for i, v := range values {
		g := uint64(i) / name.Stagger
		inGroup := uint64(i) % name.Stagger
		data[f.ScoopOffset(scoop, g)+int64(inGroup)*plot.ScoopSize] = v
	}
	if err := afero.WriteFile(fs, path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func testJob(e hash.Engine, height uint64) *Job {
	var gensig [32]byte
	for i := range gensig {
		gensig[i] = byte(i)
	}
	return &Job{
		Height:     height,
		Gensig:     gensig,
		Scoop:      hash.ScoopNumber(e, gensig, height),
		BaseTarget: func() uint64 { return 1 },
	}
}

func waitIdle(t *testing.T, v *Verifier) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !v.Idle() {
		if time.Now().After(deadline) {
			t.Fatal("verifier did not drain")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEndToEndBestNonce(t *testing.T) {
	engine := newStubEngine()
	job := testJob(engine, 500)
	if job.Scoop != 0xA2B {
		t.Fatalf("scoop = %#x, want 0xa2b", job.Scoop)
	}

	fs := afero.NewMemMapFs()
	name := plot.Name{AccountID: 12345, StartNonce: 0, Nonces: 10, Stagger: 10}
	writeScoops(t, fs, "/plots/12345_0_10_10", name, job.Scoop, []byte{9, 8, 7, 1, 6, 5, 4, 3, 2, 8})

	idx, err := plot.LoadIndex(fs, []string{"/plots"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &collectSink{}
	verifier := NewVerifier(engine, sink, 3, 4)
	verifier.SetHeight(job.Height)
	verifier.Start(ctx)
	defer verifier.Stop()

	buf := NewScoopBuffer(4 * plot.ScoopSize)
	pool := NewPool(NewScanner(fs, buf, 2*plot.ScoopSize), 0, nil)

	res := pool.Run(ctx, job, idx, func(b *Batch) error {
		return verifier.Enqueue(ctx, b)
	})
	waitIdle(t, verifier)

	if res.Files != 1 || res.Failed != 0 || res.Cancelled {
		t.Errorf("Run() = %+v", res)
	}
	if res.BytesRead != 10*plot.ScoopSize {
		t.Errorf("BytesRead = %d, want %d", res.BytesRead, 10*plot.ScoopSize)
	}
	if sink.count() != 5 {
		t.Errorf("candidates = %d, want one per batch (5)", sink.count())
	}

	best, ok := sink.best()
	if !ok {
		t.Fatal("no candidate reported")
	}
	if best.AccountID != 12345 || best.Nonce != 3 || best.Deadline != 1000 {
		t.Errorf("best = %+v, want account 12345 nonce 3 deadline 1000", best)
	}
	if best.Height != 500 || best.PlotPath != "/plots/12345_0_10_10" {
		t.Errorf("best = %+v", best)
	}
	if buf.InUse() != 0 {
		t.Errorf("buffer InUse() = %d after scan, want 0", buf.InUse())
	}
}

func TestScanStaggeredGroups(t *testing.T) {
	engine := newStubEngine()
	job := testJob(engine, 7)

	fs := afero.NewMemMapFs()
	name := plot.Name{AccountID: 1, StartNonce: 1000, Nonces: 12, Stagger: 4}
	values := []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 2, 9, 9}
	writeScoops(t, fs, "/p/1_1000_12_4", name, job.Scoop, values)

	idx, err := plot.LoadIndex(fs, []string{"/p"})
	if err != nil {
		t.Fatal(err)
	}

	sink := &collectSink{}
	verifier := NewVerifier(engine, sink, 1, 1)
	scanner := NewScanner(fs, NewScoopBuffer(1<<20), 0)

	var batches int
	read, err := scanner.Scan(context.Background(), job, idx.Files()[0], func(b *Batch) error {
		batches++
		verifier.Process(b)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if read != 12*plot.ScoopSize {
		t.Errorf("read = %d", read)
	}
	if batches != 3 {
		t.Errorf("batches = %d, want one per stagger group (3)", batches)
	}

	best, _ := sink.best()
	if best.Nonce != 1009 || best.Deadline != 2000 {
		t.Errorf("best = %+v, want nonce 1009 deadline 2000", best)
	}
}

func TestScanCancelled(t *testing.T) {
	engine := newStubEngine()
	job := testJob(engine, 1)

	fs := afero.NewMemMapFs()
	name := plot.Name{AccountID: 1, Nonces: 4, Stagger: 4}
	writeScoops(t, fs, "/p/1_0_4_4", name, job.Scoop, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	buf := NewScoopBuffer(1 << 20)
	scanner := NewScanner(fs, buf, 0)
	f := &plot.File{Name: name, Path: "/p/1_0_4_4", Dir: "/p"}

	read, err := scanner.Scan(ctx, job, f, func(b *Batch) error {
		t.Error("emit called after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Scan() error = %v, want context.Canceled", err)
	}
	if read != 0 || buf.InUse() != 0 {
		t.Errorf("read = %d, InUse = %d", read, buf.InUse())
	}
}

func TestScanShortFileReleasesBudget(t *testing.T) {
	engine := newStubEngine()
	job := testJob(engine, 1)

	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/p/1_0_4_4", make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}

	buf := NewScoopBuffer(1 << 20)
	f := &plot.File{Name: plot.Name{AccountID: 1, Nonces: 4, Stagger: 4}, Path: "/p/1_0_4_4"}
	_, err := NewScanner(fs, buf, 0).Scan(context.Background(), job, f, func(b *Batch) error {
		b.Release()
		return nil
	})
	if err == nil {
		t.Fatal("Scan() of a short file should fail")
	}
	if buf.InUse() != 0 {
		t.Errorf("InUse() = %d after read failure, want 0", buf.InUse())
	}
}

func TestPoolSkipsFailedFile(t *testing.T) {
	engine := newStubEngine()
	job := testJob(engine, 3)

	fs := afero.NewMemMapFs()
	writeScoops(t, fs, "/a/1_0_4_4", plot.Name{AccountID: 1, Nonces: 4, Stagger: 4}, job.Scoop, []byte{5, 5, 5, 5})
	writeScoops(t, fs, "/a/1_4_4_4", plot.Name{AccountID: 1, StartNonce: 4, Nonces: 4, Stagger: 4}, job.Scoop, []byte{5, 1, 5, 5})
	writeScoops(t, fs, "/b/2_0_4_4", plot.Name{AccountID: 2, Nonces: 4, Stagger: 4}, job.Scoop, []byte{3, 3, 3, 3})

	idx, err := plot.LoadIndex(fs, []string{"/a", "/b"})
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Remove("/a/1_0_4_4"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var updates []float64
	sink := &collectSink{}
	verifier := NewVerifier(engine, sink, 2, 0)
	pool := NewPool(NewScanner(fs, NewScoopBuffer(1<<20), 0), 1, func(scanned, total int64, pct float64) {
		mu.Lock()
		updates = append(updates, pct)
		mu.Unlock()
	})

	res := pool.Run(context.Background(), job, idx, func(b *Batch) error {
		verifier.Process(b)
		return nil
	})

	if res.Files != 3 || res.Failed != 1 {
		t.Errorf("Run() = %+v, want 3 files with 1 failure", res)
	}
	if sink.count() != 2 {
		t.Errorf("candidates = %d, want 2", sink.count())
	}

	best, _ := sink.best()
	if best.AccountID != 1 || best.Nonce != 5 {
		t.Errorf("best = %+v, want account 1 nonce 5", best)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(updates) == 0 {
		t.Fatal("no progress reported")
	}
	for i := 1; i < len(updates); i++ {
		if updates[i] < updates[i-1] {
			t.Errorf("progress went backwards: %v", updates)
		}
	}
}

func TestPoolCancelled(t *testing.T) {
	engine := newStubEngine()
	job := testJob(engine, 3)

	fs := afero.NewMemMapFs()
	writeScoops(t, fs, "/a/1_0_4_4", plot.Name{AccountID: 1, Nonces: 4, Stagger: 4}, job.Scoop, nil)
	idx, err := plot.LoadIndex(fs, []string{"/a"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewPool(NewScanner(fs, NewScoopBuffer(1<<20), 0), 0, nil).Run(ctx, job, idx, func(b *Batch) error {
		b.Release()
		return nil
	})
	if !res.Cancelled || res.Failed != 0 {
		t.Errorf("Run() = %+v, want cancelled without failures", res)
	}
}

func TestProgress(t *testing.T) {
	var reports []float64
	p := NewProgress(10*plot.NonceSize, func(scanned, total int64, pct float64) {
		reports = append(reports, pct)
	})

	p.Add(5 * plot.ScoopSize)
	if p.Percent() != 50 {
		t.Errorf("Percent() = %v, want 50", p.Percent())
	}
	p.Add(0)
	p.Add(5 * plot.ScoopSize)
	if p.Percent() != 100 || p.Scanned() != p.Total() {
		t.Errorf("Percent() = %v, Scanned() = %d", p.Percent(), p.Scanned())
	}
	if len(reports) != 2 {
		t.Errorf("reports = %v, want 2 updates", reports)
	}

	var nilProgress *Progress
	nilProgress.Add(1)

	if NewProgress(0, nil).Percent() != 100 {
		t.Error("empty scan should report 100%")
	}
}
