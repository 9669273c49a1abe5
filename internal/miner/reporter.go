package miner

import (
	"fmt"
	"sync"

	"github.com/tos-network/poc-miner/internal/events"
	"github.com/tos-network/poc-miner/internal/round"
	"github.com/tos-network/poc-miner/internal/storage"
	"github.com/tos-network/poc-miner/internal/util"
)

const reporterBuffer = 256

// Recorder persists round outcomes. *storage.RedisClient satisfies it.
type Recorder interface {
	WriteRound(rec *storage.RoundRecord, keep int64) error
	WriteConfirmed(c *storage.ConfirmedDeadline, keep int64) error
	WriteWonBlock(b *storage.WonBlock) error
	IncrStat(field string, n int64) error
}

// Notifier announces noteworthy events. *notify.Notifier satisfies it.
type Notifier interface {
	NotifyBlockWon(height uint64, winner events.WinnerInfo)
	NotifyConfirmed(height uint64, d events.DeadlineInfo)
}

// Telemetry receives metrics. *newrelic.Agent satisfies it.
type Telemetry interface {
	RecordRoundFinished(height uint64, info events.RoundInfo)
	RecordDeadlineConfirmed(height uint64, d events.DeadlineInfo)
	RecordSubmitFailed(height uint64, d events.DeadlineInfo)
	RecordBlockWon(height uint64, w events.WinnerInfo)
	UpdateMiningMetrics(height, baseTarget uint64, plotBytes int64)
}

// ReporterOptions configure a Reporter. Every sink is optional.
type ReporterOptions struct {
	Recorder      Recorder
	Notifier      Notifier
	Telemetry     Telemetry
	HistorySize   int64
	ConfirmedKeep int64

	// PlotBytes reports the plotted capacity for mining metrics.
	PlotBytes func() int64
}

// Reporter forwards bus events to storage, notifications and metrics.
type Reporter struct {
	opts  ReporterOptions
	state *round.State

	stream <-chan events.Event
	cancel func()
	wg     sync.WaitGroup
}

// NewReporter subscribes to bus. Call Start to begin forwarding.
func NewReporter(opts ReporterOptions, state *round.State, bus *events.Bus) *Reporter {
	stream, cancel := bus.Subscribe(reporterBuffer)
	return &Reporter{
		opts:   opts,
		state:  state,
		stream: stream,
		cancel: cancel,
	}
}

// Start forwards events until Stop.
func (r *Reporter) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop unsubscribes and waits for the pending events to be handled.
func (r *Reporter) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reporter) loop() {
	defer r.wg.Done()
	for e := range r.stream {
		r.handle(e)
	}
}

func (r *Reporter) handle(e events.Event) {
	switch e.Type {
	case events.BlockStarted:
		if info, ok := e.Data.(events.BlockInfo); ok && r.opts.Telemetry != nil {
			var plotBytes int64
			if r.opts.PlotBytes != nil {
				plotBytes = r.opts.PlotBytes()
			}
			r.opts.Telemetry.UpdateMiningMetrics(e.Height, info.BaseTarget, plotBytes)
		}

	case events.NonceFound:
		r.incr(storage.StatDeadlinesFound)

	case events.RoundFinished:
		info, ok := e.Data.(events.RoundInfo)
		if !ok {
			return
		}
		if r.opts.Recorder != nil {
			if rec := r.roundRecord(e, info); rec != nil {
				if err := r.opts.Recorder.WriteRound(rec, r.opts.HistorySize); err != nil {
					r.warn(fmt.Sprintf("round %d", e.Height), err)
				}
			}
		}
		if r.opts.Telemetry != nil {
			r.opts.Telemetry.RecordRoundFinished(e.Height, info)
		}

	case events.NonceConfirmed:
		d, ok := e.Data.(events.DeadlineInfo)
		if !ok {
			return
		}
		if r.opts.Recorder != nil {
			err := r.opts.Recorder.WriteConfirmed(&storage.ConfirmedDeadline{
				Height:    e.Height,
				AccountID: d.AccountID,
				Nonce:     d.Nonce,
				Deadline:  d.Deadline,
				PlotFile:  d.PlotFile,
				Timestamp: e.Timestamp / 1000,
			}, r.opts.ConfirmedKeep)
			if err != nil {
				r.warn(fmt.Sprintf("confirmed deadline of block %d", e.Height), err)
			}
		}
		if r.opts.Notifier != nil {
			r.opts.Notifier.NotifyConfirmed(e.Height, d)
		}
		if r.opts.Telemetry != nil {
			r.opts.Telemetry.RecordDeadlineConfirmed(e.Height, d)
		}

	case events.SubmitFailed:
		r.incr(storage.StatSubmitFailed)
		if d, ok := e.Data.(events.DeadlineInfo); ok && r.opts.Telemetry != nil {
			r.opts.Telemetry.RecordSubmitFailed(e.Height, d)
		}

	case events.BlockWon:
		w, ok := e.Data.(events.WinnerInfo)
		if !ok {
			return
		}
		if r.opts.Recorder != nil {
			err := r.opts.Recorder.WriteWonBlock(&storage.WonBlock{
				Height:    e.Height,
				AccountID: w.AccountID,
				Name:      w.Name,
				Timestamp: e.Timestamp / 1000,
			})
			if err != nil {
				r.warn(fmt.Sprintf("won block %d", e.Height), err)
			}
		}
		if r.opts.Notifier != nil {
			r.opts.Notifier.NotifyBlockWon(e.Height, w)
		}
		if r.opts.Telemetry != nil {
			r.opts.Telemetry.RecordBlockWon(e.Height, w)
		}
	}
}

// roundRecord builds the history record of a finished round. The round may
// already be archived when its scan was interrupted by the next block.
func (r *Reporter) roundRecord(e events.Event, info events.RoundInfo) *storage.RoundRecord {
	rd := r.findRound(e.Height)
	if rd == nil {
		return nil
	}
	s := rd.Summary()
	return &storage.RoundRecord{
		Height:         s.Height,
		BaseTarget:     s.BaseTarget,
		Gensig:         s.Gensig,
		Scoop:          s.Scoop,
		TargetDeadline: s.TargetDeadline,
		HasBest:        s.HasBest,
		BestAccount:    s.BestAccount,
		BestNonce:      s.BestNonce,
		BestDeadline:   s.BestDeadline,
		BestState:      s.BestState,
		ScanMs:         info.ElapsedMs,
		BytesRead:      info.BytesRead,
		StartedAt:      s.StartedAt.Unix(),
		FinishedAt:     e.Timestamp / 1000,
	}
}

func (r *Reporter) findRound(height uint64) *round.Round {
	if cur := r.state.CurrentRound(); cur != nil && cur.Height == height {
		return cur
	}
	history := r.state.History()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Height == height {
			return history[i]
		}
	}
	return nil
}

func (r *Reporter) incr(field string) {
	if r.opts.Recorder == nil {
		return
	}
	if err := r.opts.Recorder.IncrStat(field, 1); err != nil {
		util.Channel(util.ChannelStorage).Warnf("Failed to update %s counter: %v", field, err)
	}
}

func (r *Reporter) warn(what string, err error) {
	util.Channel(util.ChannelStorage).Warnf("Failed to store %s: %v", what, err)
}
