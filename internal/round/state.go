package round

import (
	"sync"
	"sync/atomic"

	"github.com/tos-network/poc-miner/internal/events"
	"github.com/tos-network/poc-miner/internal/util"
)

// HistorySize is the number of finished rounds kept in memory.
const HistorySize = 30

// Stats are the miner wide counters.
type Stats struct {
	BlocksMined        uint64 `json:"blocksMined"`
	BlocksWon          uint64 `json:"blocksWon"`
	DeadlinesFound     uint64 `json:"deadlinesFound"`
	DeadlinesConfirmed uint64 `json:"deadlinesConfirmed"`
	BestDeadlineEver   uint64 `json:"bestDeadlineEver,omitempty"`
	BestEverHeight     uint64 `json:"bestEverHeight,omitempty"`
	BestEverAccount    uint64 `json:"bestEverAccount,omitempty"`
	HasBestEver        bool   `json:"hasBestEver"`
	AverageDeadline    uint64 `json:"averageDeadline"`
	CurrentHeight      uint64 `json:"currentHeight"`
}

// State owns the current round and the round history.
type State struct {
	accounts      *Accounts
	bus           *events.Bus
	logNonceFound bool

	mu      sync.RWMutex
	current *Round
	history []*Round

	blocksMined atomic.Uint64
	blocksWon   atomic.Uint64
	found       atomic.Uint64
	confirmed   atomic.Uint64

	bestMu   sync.Mutex
	bestEver *Deadline
}

// NewState creates an empty state. bus may be nil.
func NewState(accounts *Accounts, bus *events.Bus, logNonceFound bool) *State {
	if accounts == nil {
		accounts = NewAccounts(nil, nil, false)
	}
	return &State{
		accounts:      accounts,
		bus:           bus,
		logNonceFound: logNonceFound,
	}
}

// Accounts returns the account registry.
func (s *State) Accounts() *Accounts {
	return s.accounts
}

// StartNewBlock archives the current round and installs a fresh one. The
// oldest archived round is evicted once HistorySize is exceeded.
func (s *State) StartNewBlock(height, baseTarget uint64, gensig [util.GensigSize]byte, scoop uint32, targetDeadline uint64) *Round {
	r := NewRound(height, baseTarget, gensig, scoop, targetDeadline)

	s.mu.Lock()
	if s.current != nil {
		s.history = append(s.history, s.current)
		if len(s.history) > HistorySize {
			s.history = append(s.history[:0:0], s.history[len(s.history)-HistorySize:]...)
		}
	}
	s.current = r
	s.mu.Unlock()

	s.accounts.Reset()
	s.blocksMined.Add(1)

	s.bus.Publish(events.New(events.BlockStarted, height, events.BlockInfo{
		BaseTarget:     baseTarget,
		Gensig:         util.BytesToHex(gensig[:]),
		Scoop:          scoop,
		TargetDeadline: targetDeadline,
	}))
	return r
}

// Submit offers a deadline for admission. It returns the admitted deadline,
// or nil when the height is not the current round or the value does not
// beat the account's best.
func (s *State) Submit(nonce, accountID, deadline, height uint64, plotFile string) *Deadline {
	r := s.CurrentRound()
	if r == nil || r.Height != height {
		return nil
	}

	account := s.accounts.Get(accountID)
	d := NewDeadline(nonce, deadline, account, height, plotFile)
	if !r.AccountDeadlines(account).Add(d) {
		return nil
	}

	// The round may have moved on while we were admitting.
	if s.CurrentHeight() != height {
		return nil
	}

	s.found.Add(1)
	if s.logNonceFound {
		util.Channel(util.ChannelMiner).Infof("Nonce found for %s: nonce %d, deadline %s (%s)",
			account.Display(), nonce, util.FormatDeadline(deadline), plotFile)
	}
	s.bus.Publish(events.New(events.NonceFound, height, d.Info()))
	return d
}

// CurrentRound returns the active round or nil before the first block.
func (s *State) CurrentRound() *Round {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// CurrentHeight returns the active round height, 0 before the first block.
func (s *State) CurrentHeight() uint64 {
	if r := s.CurrentRound(); r != nil {
		return r.Height
	}
	return 0
}

// BestSent returns the lowest deadline of accountID that has been answered
// for in round height, or nil.
func (s *State) BestSent(accountID, height uint64) *Deadline {
	r := s.CurrentRound()
	if r == nil || r.Height != height {
		return nil
	}
	ds, ok := r.Lookup(accountID)
	if !ok {
		return nil
	}
	return ds.BestSent()
}

// Confirm records that d was accepted by the remote end.
func (s *State) Confirm(d *Deadline) {
	if !d.Advance(Confirmed) {
		return
	}
	s.confirmed.Add(1)

	s.bestMu.Lock()
	if s.bestEver == nil || d.Less(s.bestEver) {
		s.bestEver = d
	}
	s.bestMu.Unlock()

	s.bus.Publish(events.New(events.NonceConfirmed, d.Height(), d.Info()))
}

// AddWonBlock counts a block forged by one of our accounts.
func (s *State) AddWonBlock() {
	s.blocksWon.Add(1)
}

// History returns the archived rounds, oldest first.
func (s *State) History() []*Round {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Round, len(s.history))
	copy(out, s.history)
	return out
}

// BestEver returns the lowest confirmed deadline since start.
func (s *State) BestEver() *Deadline {
	s.bestMu.Lock()
	defer s.bestMu.Unlock()
	return s.bestEver
}

// AverageDeadline averages the best confirmed deadline of the archived
// rounds that have one. It returns 0 when none do.
func (s *State) AverageDeadline() uint64 {
	var sum, n uint64
	for _, r := range s.History() {
		if d := r.BestConfirmed(); d != nil {
			sum += d.Value()
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

// Stats returns a snapshot of the counters.
func (s *State) Stats() Stats {
	st := Stats{
		BlocksMined:        s.blocksMined.Load(),
		BlocksWon:          s.blocksWon.Load(),
		DeadlinesFound:     s.found.Load(),
		DeadlinesConfirmed: s.confirmed.Load(),
		AverageDeadline:    s.AverageDeadline(),
		CurrentHeight:      s.CurrentHeight(),
	}
	if best := s.BestEver(); best != nil {
		st.HasBestEver = true
		st.BestDeadlineEver = best.Value()
		st.BestEverHeight = best.Height()
		st.BestEverAccount = best.AccountID()
	}
	return st
}
