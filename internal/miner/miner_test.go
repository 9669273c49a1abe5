package miner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/tos-network/poc-miner/internal/config"
	"github.com/tos-network/poc-miner/internal/events"
	"github.com/tos-network/poc-miner/internal/hash"
	"github.com/tos-network/poc-miner/internal/plot"
	"github.com/tos-network/poc-miner/internal/round"
	"github.com/tos-network/poc-miner/internal/rpc"
	"github.com/tos-network/poc-miner/internal/scan"
	"github.com/tos-network/poc-miner/internal/submit"
)

const (
	testAccount = 123
	testNonces  = 8
	testPlot    = "/plots/123_1000_8_8"
)

type stubPool struct {
	mu    sync.Mutex
	info  rpc.MiningInfo
	err   error
	calls int
}

func (p *stubPool) GetMiningInfo(ctx context.Context) (*rpc.MiningInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	info := p.info
	return &info, nil
}

func (p *stubPool) set(height, baseTarget uint64) {
	p.mu.Lock()
	p.info.Height = height
	p.info.BaseTarget = baseTarget
	p.info.Gensig[0] = byte(height)
	p.mu.Unlock()
}

func (p *stubPool) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type stubWallet struct {
	generator uint64
}

func (w *stubWallet) GetBlock(ctx context.Context, height uint64) (*rpc.Block, error) {
	return &rpc.Block{
		Height:      rpc.Uint64(height),
		Generator:   rpc.Uint64(w.generator),
		GeneratorRS: "BURST-TEST",
	}, nil
}

type offlineSender struct{}

func (offlineSender) Send(ctx context.Context, accountID, nonce uint64, timeout time.Duration) (submit.Pending, error) {
	return nil, errors.New("offline")
}

func plotContent() []byte {
	data := make([]byte, testNonces*plot.NonceSize)
	for i := range data {
		data[i] = byte(i*31 + i>>9)
	}
	return data
}

func testConfig() *config.Config {
	return &config.Config{
		Mining: config.MiningConfig{
			PollInterval:       10 * time.Millisecond,
			MaxPollFailures:    3,
			ScanWaitTimeout:    2 * time.Second,
			SubmissionMaxRetry: 1,
			SendMaxRetry:       1,
			ReceiveMaxRetry:    1,
			SendTimeout:        time.Second,
			ReceiveTimeout:     time.Second,
			LastWinner:         true,
		},
		Plots: config.PlotsConfig{
			Paths:           []string{"/plots"},
			BufferSizeMB:    4,
			ChunkSizeKB:     64,
			VerifierThreads: 2,
			QueueSize:       8,
		},
	}
}

type testMiner struct {
	*Miner
	pool   *stubPool
	state  *round.State
	events <-chan events.Event
	fs     afero.Fs
	engine hash.Engine
}

func newTestMiner(t *testing.T, cfg *config.Config, wallet BlockSource) *testMiner {
	t.Helper()
	return newTestMinerWithAccounts(t, cfg, wallet, round.NewAccounts(nil, nil, false))
}

func newTestMinerWithAccounts(t *testing.T, cfg *config.Config, wallet BlockSource, accounts *round.Accounts) *testMiner {
	t.Helper()

	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, testPlot, plotContent(), 0644); err != nil {
		t.Fatal(err)
	}

	engine, err := hash.NewEngine(hash.EngineBlake3)
	if err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus()
	stream, cancel := bus.Subscribe(1024)
	t.Cleanup(cancel)

	state := round.NewState(accounts, bus, false)
	submitter := submit.NewSubmitter(submit.Options{
		SubmissionMaxRetry: 1,
		SendMaxRetry:       1,
		ReceiveMaxRetry:    1,
	}, state, offlineSender{}, nil, bus)
	t.Cleanup(submitter.Stop)

	pool := &stubPool{}
	pool.set(100, 1000)

	m := New(cfg, Deps{
		Fs:        fs,
		Pool:      pool,
		Wallet:    wallet,
		State:     state,
		Submitter: submitter,
		Engine:    engine,
		Bus:       bus,
	})
	return &testMiner{Miner: m, pool: pool, state: state, events: stream, fs: fs, engine: engine}
}

// waitEvent returns the first event of type typ at height, skipping others.
func waitEvent(t *testing.T, stream <-chan events.Event, typ events.Type, height uint64) events.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-stream:
			if e.Type == typ && e.Height == height {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event for block %d", typ, height)
			return events.Event{}
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// expectedBest computes the best nonce of the test plot for a round.
func expectedBest(t *testing.T, engine hash.Engine, gensig [hash.GensigSize]byte, height, baseTarget uint64) (uint64, uint64) {
	t.Helper()
	name, err := plot.ParseName("123_1000_8_8")
	if err != nil {
		t.Fatal(err)
	}
	f := &plot.File{Name: name}
	scoop := hash.ScoopNumber(engine, gensig, height)
	off := f.ScoopOffset(scoop, 0)
	data := plotContent()[off : off+testNonces*plot.ScoopSize]

	idx, deadline := hash.BestDeadline(engine, &gensig, data, baseTarget)
	if idx < 0 {
		t.Fatal("no best deadline in test plot")
	}
	return 1000 + uint64(idx), deadline
}

func TestStartNoPlots(t *testing.T) {
	cfg := testConfig()
	cfg.Plots.Paths = []string{"/empty"}
	tm := newTestMiner(t, cfg, nil)

	if err := tm.Start(); !errors.Is(err, ErrNoPlots) {
		t.Fatalf("Start() error = %v, want ErrNoPlots", err)
	}
	tm.Stop()
}

func TestRoundFindsBestNonce(t *testing.T) {
	for _, inline := range []bool{false, true} {
		name := "queued"
		if inline {
			name = "inline"
		}
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Plots.VerifyInline = inline
			tm := newTestMiner(t, cfg, nil)

			if err := tm.Start(); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			defer tm.Stop()

			started := waitEvent(t, tm.events, events.BlockStarted, 100)
			block := started.Data.(events.BlockInfo)

			e := waitEvent(t, tm.events, events.RoundFinished, 100)
			info := e.Data.(events.RoundInfo)
			if info.Cancelled {
				t.Error("round reported cancelled")
			}
			if info.Files != 1 || info.FailedFiles != 0 {
				t.Errorf("files = %d, failed = %d, want 1, 0", info.Files, info.FailedFiles)
			}
			if info.BytesRead != testNonces*plot.ScoopSize {
				t.Errorf("bytes read = %d, want %d", info.BytesRead, testNonces*plot.ScoopSize)
			}

			var gensig [hash.GensigSize]byte
			gensig[0] = 100
			if want := hash.ScoopNumber(tm.engine, gensig, 100); block.Scoop != want {
				t.Errorf("scoop = %d, want %d", block.Scoop, want)
			}

			nonce, deadline := expectedBest(t, tm.engine, gensig, 100, 1000)
			best := tm.state.CurrentRound().Best()
			if best == nil {
				t.Fatal("no best deadline")
			}
			if best.AccountID() != testAccount || best.Nonce() != nonce || best.Value() != deadline {
				t.Errorf("best = account %d nonce %d deadline %d, want %d %d %d",
					best.AccountID(), best.Nonce(), best.Value(), testAccount, nonce, deadline)
			}
			if info.BestDeadline != deadline {
				t.Errorf("reported best = %d, want %d", info.BestDeadline, deadline)
			}
		})
	}
}

func TestNewBlockStartsRound(t *testing.T) {
	tm := newTestMiner(t, testConfig(), nil)
	if err := tm.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tm.Stop()

	waitEvent(t, tm.events, events.RoundFinished, 100)
	tm.pool.set(101, 2000)
	waitEvent(t, tm.events, events.BlockStarted, 101)
	waitEvent(t, tm.events, events.RoundFinished, 101)

	if h := tm.state.CurrentHeight(); h != 101 {
		t.Errorf("current height = %d, want 101", h)
	}
	if n := len(tm.state.History()); n != 1 {
		t.Errorf("history = %d rounds, want 1", n)
	}
	if best := tm.state.CurrentRound().Best(); best == nil || best.Height() != 101 {
		t.Error("best deadline of block 101 missing")
	}
}

func TestBaseTargetRevision(t *testing.T) {
	tm := newTestMiner(t, testConfig(), nil)
	if err := tm.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tm.Stop()

	waitEvent(t, tm.events, events.BlockStarted, 100)
	tm.pool.set(100, 5000)

	waitFor(t, "base target revision", func() bool {
		return tm.state.CurrentRound().BaseTarget() == 5000
	})
	if got := tm.state.Stats().BlocksMined; got != 1 {
		t.Errorf("blocks mined = %d, want 1", got)
	}
}

func TestLowerHeightIgnored(t *testing.T) {
	tm := newTestMiner(t, testConfig(), nil)
	if err := tm.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tm.Stop()

	waitEvent(t, tm.events, events.BlockStarted, 100)
	tm.pool.set(99, 1000)

	tm.pool.mu.Lock()
	calls := tm.pool.calls
	tm.pool.mu.Unlock()
	waitFor(t, "more polls", func() bool {
		tm.pool.mu.Lock()
		defer tm.pool.mu.Unlock()
		return tm.pool.calls >= calls+3
	})

	if h := tm.state.CurrentHeight(); h != 100 {
		t.Errorf("current height = %d, want 100", h)
	}
	if got := tm.state.Stats().BlocksMined; got != 1 {
		t.Errorf("blocks mined = %d, want 1", got)
	}
}

func TestPollFailuresTolerated(t *testing.T) {
	tm := newTestMiner(t, testConfig(), nil)
	tm.pool.fail(errors.New("connection refused"))

	if err := tm.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tm.Stop()

	waitFor(t, "poll failures", func() bool {
		return tm.Status().PollFailures > 3
	})
	if tm.Status().PoolHealthy {
		t.Error("pool reported healthy beyond 3 failures")
	}

	tm.pool.fail(nil)
	waitEvent(t, tm.events, events.BlockStarted, 100)

	waitFor(t, "failure reset", func() bool {
		return tm.Status().PollFailures == 0
	})
	if !tm.Status().PoolHealthy {
		t.Error("pool not healthy after recovery")
	}
}

func TestPollFailureTolerance(t *testing.T) {
	tm := newTestMiner(t, testConfig(), nil)
	tm.pool.fail(errors.New("timeout"))

	for i := 1; i <= 3; i++ {
		tm.poll()
		if st := tm.Status(); !st.PoolHealthy || st.PollFailures != int32(i) {
			t.Fatalf("after %d failures: healthy = %v, failures = %d", i, st.PoolHealthy, st.PollFailures)
		}
	}
	tm.poll()
	if tm.Status().PoolHealthy {
		t.Error("pool reported healthy after the 4th consecutive failure")
	}

	tm.pool.fail(nil)
	tm.poll()
	if st := tm.Status(); !st.PoolHealthy || st.PollFailures != 0 {
		t.Errorf("after recovery: healthy = %v, failures = %d", st.PoolHealthy, st.PollFailures)
	}
	tm.Stop()
}

func TestLastWinner(t *testing.T) {
	tests := []struct {
		name      string
		generator uint64
		ours      bool
	}{
		{"ours", testAccount, true},
		{"foreign", 999, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := newTestMiner(t, testConfig(), &stubWallet{generator: tt.generator})
			if err := tm.Start(); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			defer tm.Stop()

			e := waitEvent(t, tm.events, events.LastWinner, 99)
			w := e.Data.(events.WinnerInfo)
			if w.AccountID != tt.generator || w.Ours != tt.ours {
				t.Errorf("winner = %+v, want account %d ours %v", w, tt.generator, tt.ours)
			}

			if tt.ours {
				waitEvent(t, tm.events, events.BlockWon, 99)
				if got := tm.state.Stats().BlocksWon; got != 1 {
					t.Errorf("blocks won = %d, want 1", got)
				}
			} else if got := tm.state.Stats().BlocksWon; got != 0 {
				t.Errorf("blocks won = %d, want 0", got)
			}
		})
	}
}

func TestLastWinnerDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Mining.LastWinner = false
	tm := newTestMiner(t, cfg, &stubWallet{generator: testAccount})
	if err := tm.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitEvent(t, tm.events, events.RoundFinished, 100)
	tm.Stop()

	for {
		select {
		case e := <-tm.events:
			if e.Type == events.LastWinner {
				t.Fatal("last winner published while disabled")
			}
		default:
			return
		}
	}
}

func scanCandidate(height uint64) scan.Candidate {
	return scan.Candidate{AccountID: testAccount, Nonce: 7, Deadline: 50, Height: height, PlotPath: testPlot}
}

func TestSubmitCandidateStaleHeight(t *testing.T) {
	tm := newTestMiner(t, testConfig(), nil)
	var gensig [hash.GensigSize]byte
	tm.state.StartNewBlock(100, 1000, gensig, 0, 0)

	tm.SubmitCandidate(scanCandidate(99))
	if best := tm.state.CurrentRound().Best(); best != nil {
		t.Errorf("stale candidate admitted: %v", best)
	}

	tm.SubmitCandidate(scanCandidate(100))
	if best := tm.state.CurrentRound().Best(); best == nil || best.Nonce() != 7 {
		t.Error("current candidate not admitted")
	}
	tm.Stop()
}

func TestStatus(t *testing.T) {
	tm := newTestMiner(t, testConfig(), nil)
	st := tm.Status()
	if st.BufferCapacity != 4<<20 {
		t.Errorf("buffer capacity = %d, want %d", st.BufferCapacity, 4<<20)
	}
	if !st.PoolHealthy || st.Scanning {
		t.Errorf("unexpected initial status %+v", st)
	}
	if tm.Plots() != nil {
		t.Error("plots loaded before Start")
	}
	tm.Stop()
}

type countingFetcher struct {
	mu         sync.Mutex
	names      int
	recipients int
}

func (f *countingFetcher) AccountName(ctx context.Context, id uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names++
	return "plotter", nil
}

func (f *countingFetcher) RewardRecipient(ctx context.Context, id uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipients++
	return 555, nil
}

func (f *countingFetcher) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names, f.recipients
}

func TestAccountsResolvedAndRefreshed(t *testing.T) {
	fetcher := &countingFetcher{}
	accounts := round.NewAccounts(fetcher, nil, true)

	cfg := testConfig()
	cfg.Accounts.RefreshInterval = 20 * time.Millisecond
	tm := newTestMinerWithAccounts(t, cfg, nil, accounts)
	if err := tm.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tm.Stop()

	waitFor(t, "account resolution", func() bool {
		_, ok := accounts.Get(testAccount).CachedRecipient()
		return ok
	})
	a := accounts.Get(testAccount)
	if a.Display() != "plotter" {
		t.Errorf("Display() = %s, want plotter", a.Display())
	}
	if r, _ := a.CachedRecipient(); r != 555 {
		t.Errorf("recipient = %d, want 555", r)
	}

	waitFor(t, "account refresh", func() bool {
		names, recipients := fetcher.counts()
		return names >= 2 && recipients >= 2
	})
}
