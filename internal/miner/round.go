package miner

import (
	"context"
	"time"

	"github.com/tos-network/poc-miner/internal/events"
	"github.com/tos-network/poc-miner/internal/hash"
	"github.com/tos-network/poc-miner/internal/plot"
	"github.com/tos-network/poc-miner/internal/round"
	"github.com/tos-network/poc-miner/internal/rpc"
	"github.com/tos-network/poc-miner/internal/scan"
	"github.com/tos-network/poc-miner/internal/util"
)

// startRound tears down the previous round's scan and starts scanning for
// info.Height. Called from the poll loop only.
func (m *Miner) startRound(info *rpc.MiningInfo) {
	log := util.Channel(util.ChannelMiner)

	// No batch of the old round may reach the state once the new round is
	// installed, so drain before StartNewBlock.
	m.stopScan()
	m.verifier.SetHeight(info.Height)
	if !m.waitUntil(m.verifier.Idle) {
		log.Warnf("Verifier still busy after %s, starting block %d anyway", m.cfg.Mining.ScanWaitTimeout, info.Height)
	}

	scoop := hash.ScoopNumber(m.engine, info.Gensig, info.Height)
	r := m.state.StartNewBlock(info.Height, info.BaseTarget, info.Gensig, scoop, info.TargetDeadline)

	log.Infof("New block %d: base target %d, scoop %d, gensig %s",
		info.Height, info.BaseTarget, scoop, util.TruncateHex(info.GenerationSignature))

	idx := m.plots.Load()
	if m.cfg.Plots.RescanEveryBlock || idx == nil {
		reloaded, err := m.loadPlots()
		if err != nil {
			log.Errorf("Plot rescan failed, keeping previous index: %v", err)
		} else {
			idx = reloaded
		}
	}

	if m.cfg.Mining.LastWinner && m.wallet != nil && info.Height > 1 {
		m.wg.Add(1)
		go m.reportWinner(info.Height-1, m.lookupBlock(info.Height-1))
	}

	if idx == nil {
		return
	}

	job := &scan.Job{
		Height:     info.Height,
		Gensig:     info.Gensig,
		Scoop:      scoop,
		BaseTarget: r.BaseTarget,
	}

	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})

	m.scanMu.Lock()
	m.scanCancel = cancel
	m.scanDone = done
	m.scanMu.Unlock()

	m.percent.Store(0)
	m.scanning.Store(true)
	m.wg.Add(1)
	go m.runScan(ctx, r, job, idx, done)
}

// stopScan cancels the running scan and waits, bounded by the scan wait
// timeout, for its workers to return.
func (m *Miner) stopScan() {
	m.scanMu.Lock()
	cancel, done := m.scanCancel, m.scanDone
	m.scanCancel, m.scanDone = nil, nil
	m.scanMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	finished := func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	if !m.waitUntil(finished) {
		util.Channel(util.ChannelMiner).Warnf("Previous scan did not stop within %s", m.cfg.Mining.ScanWaitTimeout)
	}
}

// waitUntil polls cond until it holds or the scan wait timeout passes.
func (m *Miner) waitUntil(cond func() bool) bool {
	timeout := m.cfg.Mining.ScanWaitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(barrierPollInterval)
	}
	return true
}

func (m *Miner) runScan(ctx context.Context, r *round.Round, job *scan.Job, idx *plot.Index, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)
	defer m.scanning.Store(false)

	emit := func(b *scan.Batch) error {
		return m.verifier.Enqueue(ctx, b)
	}
	if m.cfg.Plots.VerifyInline {
		emit = func(b *scan.Batch) error {
			m.verifier.Process(b)
			return nil
		}
	}

	res := m.scanPool.Run(ctx, job, idx, emit)

	// Let the queued batches of this round be verified before reporting.
	if !res.Cancelled {
		m.waitUntil(func() bool { return ctx.Err() != nil || m.verifier.Idle() })
		res.Cancelled = ctx.Err() != nil
	}

	m.finishRound(r, res)
}

func (m *Miner) finishRound(r *round.Round, res scan.Result) {
	log := util.Channel(util.ChannelMiner)

	info := events.RoundInfo{
		ElapsedMs:   res.Elapsed.Milliseconds(),
		BytesRead:   res.BytesRead,
		Files:       res.Files,
		FailedFiles: res.Failed,
		Cancelled:   res.Cancelled,
	}
	best := "none"
	if d := r.Best(); d != nil {
		info.BestDeadline = d.Value()
		best = util.FormatDeadline(d.Value())
	}

	var speed uint64
	if secs := res.Elapsed.Seconds(); secs > 0 {
		speed = uint64(float64(res.BytesRead) / secs)
	}

	if res.Cancelled {
		log.Infof("Scan of block %d interrupted after %s: read %s from %d files",
			r.Height, res.Elapsed.Round(time.Millisecond), util.FormatBytes(uint64(res.BytesRead)), res.Files)
	} else {
		log.Infof("Block %d scanned in %s: read %s (%s/s) from %d files, %d failed, best deadline %s",
			r.Height, res.Elapsed.Round(time.Millisecond), util.FormatBytes(uint64(res.BytesRead)),
			util.FormatBytes(speed), res.Files, res.Failed, best)
	}

	m.bus.Publish(events.New(events.RoundFinished, r.Height, info))
}

type blockResult struct {
	block *rpc.Block
	err   error
}

// lookupBlock fetches a block in the background. The result arrives on the
// returned channel exactly once.
func (m *Miner) lookupBlock(height uint64) <-chan blockResult {
	out := make(chan blockResult, 1)
	go func() {
		b, err := m.wallet.GetBlock(m.ctx, height)
		out <- blockResult{block: b, err: err}
	}()
	return out
}

// reportWinner publishes the forger of block height once the lookup
// completes, and counts the block as won when one of our accounts forged it.
func (m *Miner) reportWinner(height uint64, pending <-chan blockResult) {
	defer m.wg.Done()
	log := util.Channel(util.ChannelMiner)

	var res blockResult
	select {
	case <-m.ctx.Done():
		return
	case res = <-pending:
	}
	if res.err != nil {
		log.Debugf("Could not get winner of block %d: %v", height, res.err)
		return
	}

	generator := uint64(res.block.Generator)
	winner := events.WinnerInfo{
		AccountID: generator,
		Name:      res.block.GeneratorRS,
		Ours:      m.ownsAccount(generator),
	}
	if winner.Ours {
		if name := m.state.Accounts().Get(generator).Name(m.ctx); name != "" {
			winner.Name = name
		}
	}

	m.bus.Publish(events.New(events.LastWinner, height, winner))

	if winner.Ours {
		m.state.AddWonBlock()
		log.Infof("Block %d was forged by our account %s", height, winner.Name)
		m.bus.Publish(events.New(events.BlockWon, height, winner))
	} else {
		log.Infof("Block %d was forged by %d", height, generator)
	}
}

func (m *Miner) ownsAccount(id uint64) bool {
	idx := m.plots.Load()
	if idx == nil {
		return false
	}
	for _, a := range idx.Accounts() {
		if a == id {
			return true
		}
	}
	return false
}
