// Package miner drives the mining rounds: it polls the pool for mining info,
// starts a plot scan for every new block and hands the verified nonces to the
// submitter.
package miner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
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
	"github.com/tos-network/poc-miner/internal/util"
)

// barrierPollInterval is how often a round transition checks that the
// previous scan has drained.
const barrierPollInterval = 5 * time.Millisecond

// ErrNoPlots is returned by Start when no valid plot file was found.
var ErrNoPlots = errors.New("no valid plot files found")

// MiningInfoSource provides the round data of the pool.
type MiningInfoSource interface {
	GetMiningInfo(ctx context.Context) (*rpc.MiningInfo, error)
}

// BlockSource resolves a block by height.
type BlockSource interface {
	GetBlock(ctx context.Context, height uint64) (*rpc.Block, error)
}

// Deps are the collaborators of a Miner. Wallet may be nil.
type Deps struct {
	Fs        afero.Fs
	Pool      MiningInfoSource
	Wallet    BlockSource
	State     *round.State
	Submitter *submit.Submitter
	Engine    hash.Engine
	Bus       *events.Bus
}

// Status is the runtime view of the round driver
type Status struct {
	PoolHealthy    bool
	PollFailures   int32
	Scanning       bool
	ScanPercent    float64
	BufferInUse    int64
	BufferCapacity int64
	Verifier       scan.VerifierStats
}

// Miner is the round driver
type Miner struct {
	cfg       *config.Config
	fs        afero.Fs
	pool      MiningInfoSource
	wallet    BlockSource
	state     *round.State
	submitter *submit.Submitter
	engine    hash.Engine
	bus       *events.Bus

	buffer   *scan.ScoopBuffer
	scanPool *scan.Pool
	verifier *scan.Verifier

	plots atomic.Pointer[plot.Index]

	// Current scan
	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanDone   chan struct{}
	scanning   atomic.Bool
	percent    atomic.Uint64 // float64 bits

	pollFailures atomic.Int32

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a round driver. Plots are loaded by Start.
func New(cfg *config.Config, deps Deps) *Miner {
	ctx, cancel := context.WithCancel(context.Background())

	fs := deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	m := &Miner{
		cfg:       cfg,
		fs:        fs,
		pool:      deps.Pool,
		wallet:    deps.Wallet,
		state:     deps.State,
		submitter: deps.Submitter,
		engine:    deps.Engine,
		bus:       deps.Bus,
		buffer:    scan.NewScoopBuffer(cfg.BufferBytes()),
		ctx:       ctx,
		cancel:    cancel,
	}

	scanner := scan.NewScanner(fs, m.buffer, int64(cfg.ChunkBytes()))
	m.scanPool = scan.NewPool(scanner, cfg.Plots.MaxScanDirs, m.onProgress)
	m.verifier = scan.NewVerifier(m.engine, scan.SinkFunc(m.SubmitCandidate), cfg.Plots.VerifierThreads, cfg.Plots.QueueSize)
	return m
}

// Start loads the plots and begins polling the pool
func (m *Miner) Start() error {
	log := util.Channel(util.ChannelMiner)
	log.Info("Starting miner...")

	idx, err := m.loadPlots()
	if err != nil {
		return err
	}
	if len(idx.Files()) == 0 {
		return ErrNoPlots
	}

	if !m.cfg.Plots.VerifyInline {
		m.verifier.Start(m.ctx)
	}

	m.wg.Add(2)
	go m.pollLoop()
	go m.accountLoop(m.cfg.Accounts.RefreshInterval)

	log.Infof("Miner started, polling %s every %s", m.cfg.MiningInfoURL(), m.cfg.Mining.PollInterval)
	return nil
}

// Stop cancels the running scan and stops the poll loop
func (m *Miner) Stop() {
	util.Channel(util.ChannelMiner).Info("Stopping miner...")
	m.cancel()
	m.wg.Wait()
	m.verifier.Stop()
}

// Plots returns the current plot index, nil before Start.
func (m *Miner) Plots() *plot.Index {
	return m.plots.Load()
}

// Status returns a snapshot of the driver state
func (m *Miner) Status() Status {
	failures := m.pollFailures.Load()
	return Status{
		PoolHealthy:    failures <= int32(m.maxPollFailures()),
		PollFailures:   failures,
		Scanning:       m.scanning.Load(),
		ScanPercent:    math.Float64frombits(m.percent.Load()),
		BufferInUse:    m.buffer.InUse(),
		BufferCapacity: m.buffer.Capacity(),
		Verifier:       m.verifier.Stats(),
	}
}

// SubmitCandidate offers a verified nonce to the round state and starts a
// submission for it when it is admitted.
func (m *Miner) SubmitCandidate(c scan.Candidate) {
	d := m.state.Submit(c.Nonce, c.AccountID, c.Deadline, c.Height, c.PlotPath)
	if d == nil || m.submitter == nil {
		return
	}
	m.submitter.Start(d)
}

func (m *Miner) loadPlots() (*plot.Index, error) {
	idx, err := plot.LoadIndex(m.fs, m.cfg.Plots.Paths)
	if err != nil {
		return nil, fmt.Errorf("load plots: %w", err)
	}
	idx.LogSummary()
	m.plots.Store(idx)
	return idx, nil
}

func (m *Miner) maxPollFailures() int {
	if m.cfg.Mining.MaxPollFailures < 1 {
		return 1
	}
	return m.cfg.Mining.MaxPollFailures
}

// pollLoop fetches mining info at the poll interval until the miner stops.
// Failures never end the loop.
func (m *Miner) pollLoop() {
	defer m.wg.Done()
	defer m.stopScan()

	m.poll()

	ticker := time.NewTicker(m.cfg.Mining.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Miner) poll() {
	log := util.Channel(util.ChannelMiner)

	info, err := m.pool.GetMiningInfo(m.ctx)
	if err != nil {
		if m.ctx.Err() != nil {
			return
		}
		failures := m.pollFailures.Add(1)
		if int(failures) > m.maxPollFailures() {
			log.Errorf("Could not get mining info (%d consecutive failures): %v", failures, err)
		} else {
			log.Warnf("Could not get mining info: %v", err)
		}
		return
	}

	if failures := m.pollFailures.Swap(0); int(failures) > m.maxPollFailures() {
		log.Infof("Mining info available again after %d failures", failures)
	}
	m.handleMiningInfo(info)
}

// handleMiningInfo starts a round when the height increases. At the same
// height only a revised base target is applied.
func (m *Miner) handleMiningInfo(info *rpc.MiningInfo) {
	log := util.Channel(util.ChannelMiner)
	current := m.state.CurrentRound()

	switch {
	case current == nil || info.Height > current.Height:
		m.startRound(info)
	case info.Height == current.Height:
		if info.BaseTarget != 0 && info.BaseTarget != current.BaseTarget() {
			log.Infof("Base target of block %d revised: %d -> %d", info.Height, current.BaseTarget(), info.BaseTarget)
			current.SetBaseTarget(info.BaseTarget)
		}
	default:
		log.Debugf("Ignoring mining info for block %d, current block is %d", info.Height, current.Height)
	}
}

func (m *Miner) onProgress(scanned, total int64, percent float64) {
	m.percent.Store(math.Float64bits(percent))
	m.bus.Publish(events.New(events.Progress, m.state.CurrentHeight(), events.ProgressInfo{
		Percent:      percent,
		ScannedBytes: scanned,
		TotalBytes:   total,
	}))
}
