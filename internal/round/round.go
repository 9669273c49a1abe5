// Package round keeps the per-round deadline bookkeeping: the current
// round, the best deadline chain of every account and the round history.
package round

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/poc-miner/internal/util"
)

// Round is one mining round. Everything except the base target and the
// admitted deadlines is fixed when the round starts.
type Round struct {
	Height         uint64
	Gensig         [util.GensigSize]byte
	Scoop          uint32
	TargetDeadline uint64
	StartedAt      time.Time

	baseTarget atomic.Uint64

	mu        sync.RWMutex
	deadlines map[uint64]*Deadlines
}

// NewRound creates a round without deadlines.
func NewRound(height, baseTarget uint64, gensig [util.GensigSize]byte, scoop uint32, targetDeadline uint64) *Round {
	r := &Round{
		Height:         height,
		Gensig:         gensig,
		Scoop:          scoop,
		TargetDeadline: targetDeadline,
		StartedAt:      time.Now(),
		deadlines:      make(map[uint64]*Deadlines),
	}
	r.baseTarget.Store(baseTarget)
	return r
}

// BaseTarget returns the current base target.
func (r *Round) BaseTarget() uint64 {
	return r.baseTarget.Load()
}

// SetBaseTarget applies a base target revised by the pool.
func (r *Round) SetBaseTarget(v uint64) {
	r.baseTarget.Store(v)
}

// AccountDeadlines returns the deadline chain of account, creating it.
func (r *Round) AccountDeadlines(account *Account) *Deadlines {
	r.mu.RLock()
	ds, ok := r.deadlines[account.ID()]
	r.mu.RUnlock()
	if ok {
		return ds
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ds, ok = r.deadlines[account.ID()]; !ok {
		ds = newDeadlines(account)
		r.deadlines[account.ID()] = ds
	}
	return ds
}

// Lookup returns the deadline chain of accountID if one exists.
func (r *Round) Lookup(accountID uint64) (*Deadlines, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.deadlines[accountID]
	return ds, ok
}

// AccountIDs returns the accounts with deadlines, sorted.
func (r *Round) AccountIDs() []uint64 {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.deadlines))
	for id := range r.deadlines {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Best returns the lowest deadline of the round across all accounts.
func (r *Round) Best() *Deadline {
	var best *Deadline
	for _, id := range r.AccountIDs() {
		ds, _ := r.Lookup(id)
		if d := ds.Best(); d != nil && (best == nil || d.Less(best)) {
			best = d
		}
	}
	return best
}

// BestConfirmed returns the lowest confirmed deadline of the round.
func (r *Round) BestConfirmed() *Deadline {
	var best *Deadline
	for _, id := range r.AccountIDs() {
		ds, _ := r.Lookup(id)
		if d := ds.BestConfirmed(); d != nil && (best == nil || d.Less(best)) {
			best = d
		}
	}
	return best
}

// Summary is a serialisable snapshot of a round.
type Summary struct {
	Height         uint64    `json:"height"`
	BaseTarget     uint64    `json:"baseTarget"`
	Gensig         string    `json:"generationSignature"`
	Scoop          uint32    `json:"scoop"`
	TargetDeadline uint64    `json:"targetDeadline"`
	StartedAt      time.Time `json:"startedAt"`
	Accounts       int       `json:"accounts"`
	BestAccount    uint64    `json:"bestAccount,omitempty"`
	BestNonce      uint64    `json:"bestNonce,omitempty"`
	BestDeadline   uint64    `json:"bestDeadline,omitempty"`
	BestState      string    `json:"bestState,omitempty"`
	HasBest        bool      `json:"hasBest"`
}

// Summary snapshots the round.
func (r *Round) Summary() Summary {
	s := Summary{
		Height:         r.Height,
		BaseTarget:     r.BaseTarget(),
		Gensig:         util.BytesToHex(r.Gensig[:]),
		Scoop:          r.Scoop,
		TargetDeadline: r.TargetDeadline,
		StartedAt:      r.StartedAt,
		Accounts:       len(r.AccountIDs()),
	}
	if best := r.Best(); best != nil {
		s.HasBest = true
		s.BestAccount = best.AccountID()
		s.BestNonce = best.Nonce()
		s.BestDeadline = best.Value()
		s.BestState = best.State().String()
	}
	return s
}
