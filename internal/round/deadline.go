package round

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/poc-miner/internal/events"
	"github.com/tos-network/poc-miner/internal/util"
)

// DeadlineState is the submission progress of a deadline.
type DeadlineState int32

const (
	// Found is the initial state of an admitted deadline.
	Found DeadlineState = iota
	// OnTheWay means a submit request is in flight.
	OnTheWay
	// Sent means the remote end answered the submit request.
	Sent
	// Confirmed means the remote end accepted the deadline value.
	Confirmed
)

func (s DeadlineState) String() string {
	switch s {
	case Found:
		return "found"
	case OnTheWay:
		return "onTheWay"
	case Sent:
		return "sent"
	case Confirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Deadline is one candidate nonce of an account in a round.
type Deadline struct {
	nonce    uint64
	account  *Account
	height   uint64
	plotFile string
	foundAt  time.Time

	value atomic.Uint64
	state atomic.Int32
}

// NewDeadline creates a deadline in state Found.
func NewDeadline(nonce, value uint64, account *Account, height uint64, plotFile string) *Deadline {
	d := &Deadline{
		nonce:    nonce,
		account:  account,
		height:   height,
		plotFile: plotFile,
		foundAt:  time.Now(),
	}
	d.value.Store(value)
	return d
}

func (d *Deadline) Nonce() uint64     { return d.nonce }
func (d *Deadline) Account() *Account { return d.account }
func (d *Deadline) AccountID() uint64 { return d.account.ID() }
func (d *Deadline) Height() uint64    { return d.height }
func (d *Deadline) PlotFile() string  { return d.plotFile }
func (d *Deadline) FoundAt() time.Time {
	return d.foundAt
}

// Value returns the deadline in seconds.
func (d *Deadline) Value() uint64 {
	return d.value.Load()
}

// SetValue corrects the deadline to the value the pool computed.
func (d *Deadline) SetValue(v uint64) {
	d.value.Store(v)
}

// State returns the current submission state.
func (d *Deadline) State() DeadlineState {
	return DeadlineState(d.state.Load())
}

// Advance moves the deadline forward to s. States never move backwards;
// Advance reports whether the state changed.
func (d *Deadline) Advance(s DeadlineState) bool {
	for {
		cur := d.state.Load()
		if int32(s) <= cur {
			return false
		}
		if d.state.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

// Less orders deadlines by value, then nonce.
func (d *Deadline) Less(o *Deadline) bool {
	if dv, ov := d.Value(), o.Value(); dv != ov {
		return dv < ov
	}
	return d.nonce < o.nonce
}

// Info builds the event payload for d.
func (d *Deadline) Info() events.DeadlineInfo {
	name, _ := d.account.CachedName()
	return events.DeadlineInfo{
		AccountID:   d.AccountID(),
		AccountName: name,
		Nonce:       d.nonce,
		Deadline:    d.Value(),
		DeadlineStr: util.FormatDeadline(d.Value()),
		PlotFile:    d.plotFile,
	}
}

func (d *Deadline) String() string {
	return fmt.Sprintf("%s: nonce %d, deadline %s (%s)",
		d.account.Display(), d.nonce, util.FormatDeadline(d.Value()), d.State())
}

// Deadlines is the chain of improving deadlines of one account in one
// round. Only strictly better deadlines are admitted, so the newest entry is
// always the best one found. Its mutex is the account's admission lock.
type Deadlines struct {
	mu      sync.Mutex
	account *Account
	list    []*Deadline
}

func newDeadlines(account *Account) *Deadlines {
	return &Deadlines{account: account}
}

// Account returns the owning account.
func (ds *Deadlines) Account() *Account {
	return ds.account
}

// Add admits d if it is strictly lower than the current best.
func (ds *Deadlines) Add(d *Deadline) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if best := ds.bestLocked(nil); best != nil && d.Value() >= best.Value() {
		return false
	}
	ds.list = append(ds.list, d)
	return true
}

// Best returns the lowest deadline regardless of state.
func (ds *Deadlines) Best() *Deadline {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.bestLocked(nil)
}

// BestFound returns the lowest deadline that has not been submitted yet.
func (ds *Deadlines) BestFound() *Deadline {
	return ds.bestWhere(func(s DeadlineState) bool { return s == Found })
}

// BestSent returns the lowest deadline the remote end has answered for.
func (ds *Deadlines) BestSent() *Deadline {
	return ds.bestWhere(func(s DeadlineState) bool { return s >= Sent })
}

// BestConfirmed returns the lowest confirmed deadline.
func (ds *Deadlines) BestConfirmed() *Deadline {
	return ds.bestWhere(func(s DeadlineState) bool { return s == Confirmed })
}

// All returns the admitted deadlines in admission order.
func (ds *Deadlines) All() []*Deadline {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	out := make([]*Deadline, len(ds.list))
	copy(out, ds.list)
	return out
}

// Len returns the number of admitted deadlines.
func (ds *Deadlines) Len() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.list)
}

func (ds *Deadlines) bestWhere(match func(DeadlineState) bool) *Deadline {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.bestLocked(match)
}

// bestLocked scans the whole chain since corrected values may reorder it.
func (ds *Deadlines) bestLocked(match func(DeadlineState) bool) *Deadline {
	var best *Deadline
	for _, d := range ds.list {
		if match != nil && !match(d.State()) {
			continue
		}
		if best == nil || d.Less(best) {
			best = d
		}
	}
	return best
}
