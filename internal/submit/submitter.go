// Package submit sends admitted deadlines to the pool and tracks them until
// the pool confirms them, they are superseded or the retry budget runs out.
package submit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/poc-miner/internal/events"
	"github.com/tos-network/poc-miner/internal/round"
	"github.com/tos-network/poc-miner/internal/rpc"
	"github.com/tos-network/poc-miner/internal/util"
)

var (
	errAbandoned        = errors.New("abandoned")
	errDeadlineMismatch = errors.New("deadline mismatch")
)

// Options bound the submission of one deadline.
type Options struct {
	// TargetDeadline is the configured cap in seconds, 0 for none. The
	// round's own target deadline applies as well; the lower one wins.
	TargetDeadline uint64

	SubmissionMaxRetry int
	SendMaxRetry       int
	ReceiveMaxRetry    int
	SendTimeout        time.Duration
	ReceiveTimeout     time.Duration
	RetryDelay         time.Duration

	// MaxThreads caps concurrent submissions, 0 for no cap.
	MaxThreads int
}

func (o *Options) normalize() {
	if o.SubmissionMaxRetry < 1 {
		o.SubmissionMaxRetry = 1
	}
	if o.SendMaxRetry < 1 {
		o.SendMaxRetry = 1
	}
	if o.ReceiveMaxRetry < 1 {
		o.ReceiveMaxRetry = 1
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = 5 * time.Second
	}
}

// Auditor records confirmed deadlines.
type Auditor interface {
	Record(accountID uint64, plotFile string, deadline uint64) error
}

// Stats counts submission outcomes.
type Stats struct {
	Started    uint64 `json:"started"`
	Capped     uint64 `json:"capped"`
	Shed       uint64 `json:"shed"`
	Confirmed  uint64 `json:"confirmed"`
	Failed     uint64 `json:"failed"`
	Superseded uint64 `json:"superseded"`
	Active     int    `json:"active"`
}

// Submitter runs one task per admitted deadline.
type Submitter struct {
	opts    Options
	state   *round.State
	sender  Sender
	auditor Auditor
	bus     *events.Bus

	slots chan struct{}

	started    atomic.Uint64
	capped     atomic.Uint64
	shed       atomic.Uint64
	confirmed  atomic.Uint64
	failed     atomic.Uint64
	superseded atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSubmitter creates a submitter. auditor and bus may be nil.
func NewSubmitter(opts Options, state *round.State, sender Sender, auditor Auditor, bus *events.Bus) *Submitter {
	opts.normalize()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Submitter{
		opts:    opts,
		state:   state,
		sender:  sender,
		auditor: auditor,
		bus:     bus,
		ctx:     ctx,
		cancel:  cancel,
	}
	if opts.MaxThreads > 0 {
		s.slots = make(chan struct{}, opts.MaxThreads)
	}
	return s
}

// Start spawns the submission of d. It returns false without any network
// traffic when d is not below the target deadline, and sheds d with a
// warning when MaxThreads submissions are already running.
func (s *Submitter) Start(d *round.Deadline) bool {
	log := util.Channel(util.ChannelSubmit)

	if target := s.targetDeadline(d.Height()); target != 0 && d.Value() >= target {
		s.capped.Add(1)
		log.Debugf("Not submitting %s: above target deadline %s", d, util.FormatDeadline(target))
		return false
	}

	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
		default:
			s.shed.Add(1)
			log.Warnf("Dropping %s: %d submissions already running", d, s.opts.MaxThreads)
			return false
		}
	}

	s.started.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.slots != nil {
			defer func() { <-s.slots }()
		}
		s.run(d)
	}()
	return true
}

// Stop abandons running submissions and waits for them to return.
func (s *Submitter) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every running submission has finished.
func (s *Submitter) Wait() {
	s.wg.Wait()
}

// Stats returns the outcome counters.
func (s *Submitter) Stats() Stats {
	return Stats{
		Started:    s.started.Load(),
		Capped:     s.capped.Load(),
		Shed:       s.shed.Load(),
		Confirmed:  s.confirmed.Load(),
		Failed:     s.failed.Load(),
		Superseded: s.superseded.Load(),
		Active:     len(s.slots),
	}
}

// targetDeadline is the lower non-zero one of the configured cap and the
// cap the round was published with.
func (s *Submitter) targetDeadline(height uint64) uint64 {
	target := s.opts.TargetDeadline
	if r := s.state.CurrentRound(); r != nil && r.Height == height && r.TargetDeadline != 0 {
		if target == 0 || r.TargetDeadline < target {
			target = r.TargetDeadline
		}
	}
	return target
}

// supersededBy returns why d should no longer be submitted, or "".
func (s *Submitter) supersededBy(d *round.Deadline) string {
	if s.state.CurrentHeight() != d.Height() {
		return "round advanced"
	}
	if best := s.state.BestSent(d.AccountID(), d.Height()); best != nil && best != d && best.Value() < d.Value() {
		return "better deadline sent"
	}
	return ""
}

func (s *Submitter) run(d *round.Deadline) {
	log := util.Channel(util.ChannelSubmit)
	var lastErr error

	for attempt := 1; attempt <= s.opts.SubmissionMaxRetry; attempt++ {
		if reason := s.supersededBy(d); reason != "" {
			s.superseded.Add(1)
			log.Debugf("Abandoning %s: %s", d, reason)
			return
		}
		if attempt > 1 && !s.sleep(s.opts.RetryDelay) {
			return
		}

		pending, err := s.send(d)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			lastErr = err
			log.Debugf("Submit attempt %d/%d for %s not sent: %v", attempt, s.opts.SubmissionMaxRetry, d, err)
			continue
		}

		confirmed, err := s.receive(d, pending)
		pending.Close()
		if confirmed {
			s.confirm(d)
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		if errors.Is(err, errAbandoned) {
			s.superseded.Add(1)
			log.Debugf("Abandoning %s while waiting for confirmation", d)
			return
		}
		lastErr = err
		log.Debugf("Submit attempt %d/%d for %s failed: %v", attempt, s.opts.SubmissionMaxRetry, d, err)
	}

	s.fail(d, lastErr)
}

// send writes the request, retrying up to SendMaxRetry times.
func (s *Submitter) send(d *round.Deadline) (Pending, error) {
	d.Advance(round.OnTheWay)

	var err error
	for i := 0; i < s.opts.SendMaxRetry; i++ {
		var p Pending
		p, err = s.sender.Send(s.ctx, d.AccountID(), d.Nonce(), s.opts.SendTimeout)
		if err == nil {
			s.bus.Publish(events.New(events.NonceSubmitted, d.Height(), d.Info()))
			return p, nil
		}
		if s.ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, err
}

// receive waits for the answer, up to ReceiveMaxRetry timeouts. It reports
// true only when the pool returned the deadline value we hold.
func (s *Submitter) receive(d *round.Deadline, pending Pending) (bool, error) {
	log := util.Channel(util.ChannelSubmit)

	var err error
	for i := 0; i < s.opts.ReceiveMaxRetry; i++ {
		var value uint64
		value, err = pending.Receive(s.ctx, s.opts.ReceiveTimeout)
		if errors.Is(err, rpc.ErrReceiveTimeout) {
			if s.supersededBy(d) != "" {
				return false, errAbandoned
			}
			continue
		}
		if err != nil {
			var pe *rpc.PoolError
			if errors.As(err, &pe) || errors.Is(err, rpc.ErrMalformedResponse) {
				d.Advance(round.Sent)
			}
			return false, err
		}

		d.Advance(round.Sent)
		if value == d.Value() {
			return true, nil
		}

		// The pool computed a different deadline; adopt it so the next
		// attempt is judged against the pool's value.
		log.Warnf("Pool reported deadline %s for nonce %d, local value was %s",
			util.FormatDeadline(value), d.Nonce(), util.FormatDeadline(d.Value()))
		d.SetValue(value)
		return false, errDeadlineMismatch
	}
	return false, err
}

func (s *Submitter) confirm(d *round.Deadline) {
	s.confirmed.Add(1)
	s.state.Confirm(d)

	if s.auditor != nil {
		if err := s.auditor.Record(d.AccountID(), d.PlotFile(), d.Value()); err != nil {
			util.Channel(util.ChannelSubmit).Warnf("Could not write confirmed deadline: %v", err)
		}
	}
	util.Channel(util.ChannelSubmit).Infof("Deadline confirmed for %s: nonce %d, deadline %s",
		d.Account().Display(), d.Nonce(), util.FormatDeadline(d.Value()))
}

func (s *Submitter) fail(d *round.Deadline, lastErr error) {
	s.failed.Add(1)

	var reason string
	var pe *rpc.PoolError
	switch {
	case d.State() < round.Sent:
		reason = "network failure"
	case errors.As(lastErr, &pe):
		reason = "pool error: " + pe.Error()
	default:
		reason = "no confirmation"
	}

	util.Channel(util.ChannelSubmit).Warnf("Giving up on %s after %d attempts: %s (%v)",
		d, s.opts.SubmissionMaxRetry, reason, lastErr)

	info := d.Info()
	info.Reason = reason
	s.bus.Publish(events.New(events.SubmitFailed, d.Height(), info))
}

// sleep waits for delay unless the submitter stops first.
func (s *Submitter) sleep(delay time.Duration) bool {
	if delay <= 0 {
		return s.ctx.Err() == nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}
