package scan

import (
	"sync/atomic"

	"github.com/tos-network/poc-miner/internal/plot"
)

// ProgressFunc receives scan progress. It is called from scanner goroutines
// and must not block.
type ProgressFunc func(scannedBytes, totalBytes int64, percent float64)

// Progress tracks plot bytes covered by the current round's scan. Scoop reads
// are scaled to the plot bytes they stand for, so the total is the plot size.
type Progress struct {
	total       int64
	scanned     atomic.Int64
	lastPercent atomic.Int64
	report      ProgressFunc
}

// NewProgress starts tracking a scan over total plot bytes.
func NewProgress(total int64, report ProgressFunc) *Progress {
	p := &Progress{total: total, report: report}
	p.lastPercent.Store(-1)
	return p
}

// Add records scoopBytes read and reports when the whole percent changes.
func (p *Progress) Add(scoopBytes int64) {
	if p == nil {
		return
	}
	scanned := p.scanned.Add(scoopBytes * plot.ScoopsPerNonce)
	if p.report == nil {
		return
	}

	pct := p.Percent()
	whole := int64(pct)
	last := p.lastPercent.Load()
	if whole > last && p.lastPercent.CompareAndSwap(last, whole) {
		p.report(scanned, p.total, pct)
	}
}

// Scanned returns the plot bytes covered so far.
func (p *Progress) Scanned() int64 {
	return p.scanned.Load()
}

// Total returns the plot bytes of the scan.
func (p *Progress) Total() int64 {
	return p.total
}

// Percent returns the completion in the range [0, 100].
func (p *Progress) Percent() float64 {
	if p.total <= 0 {
		return 100
	}
	pct := float64(p.scanned.Load()) * 100 / float64(p.total)
	if pct > 100 {
		pct = 100
	}
	return pct
}
