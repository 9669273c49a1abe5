package scan

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tos-network/poc-miner/internal/plot"
	"github.com/tos-network/poc-miner/internal/util"
)

// Result summarises one round's scan.
type Result struct {
	Files     int
	Failed    int
	BytesRead int64
	Elapsed   time.Duration
	Cancelled bool
}

// Pool scans plot directories in parallel. Files inside one directory are
// scanned one after another.
type Pool struct {
	scanner  *Scanner
	maxDirs  int
	progress ProgressFunc
}

// NewPool creates a pool running at most maxDirs directories at once. Zero
// means one worker per directory.
func NewPool(scanner *Scanner, maxDirs int, progress ProgressFunc) *Pool {
	return &Pool{scanner: scanner, maxDirs: maxDirs, progress: progress}
}

// Run scans every file of idx for job, handing batches to emit. A file that
// fails is logged and skipped. Run returns once every directory worker has
// stopped, which after cancellation happens at the next chunk boundary.
func (p *Pool) Run(ctx context.Context, job *Job, idx *plot.Index, emit func(*Batch) error) Result {
	log := util.Channel(util.ChannelPlots)
	start := time.Now()
	progress := NewProgress(idx.TotalSize(), p.progress)

	var (
		files  atomic.Int64
		failed atomic.Int64
		read   atomic.Int64
	)

	var g errgroup.Group
	if p.maxDirs > 0 {
		g.SetLimit(p.maxDirs)
	}

	for _, dir := range idx.Dirs() {
		dirFiles := idx.DirFiles(dir)
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			for _, f := range dirFiles {
				if ctx.Err() != nil {
					return nil
				}
				n, err := p.scanner.Scan(ctx, job, f, func(b *Batch) error {
					if err := emit(b); err != nil {
						return err
					}
					progress.Add(int64(len(b.Data)))
					return nil
				})
				read.Add(n)
				files.Add(1)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return nil
					}
					failed.Add(1)
					log.Warnf("Scan of %s aborted: %v", f.Path, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return Result{
		Files:     int(files.Load()),
		Failed:    int(failed.Load()),
		BytesRead: read.Load(),
		Elapsed:   time.Since(start),
		Cancelled: ctx.Err() != nil,
	}
}
