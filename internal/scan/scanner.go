package scan

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/tos-network/poc-miner/internal/plot"
)

// DefaultChunkSize is the read size used when none is configured.
const DefaultChunkSize = 1 << 20

// Scanner reads the round scoop of plot files in bounded chunks.
type Scanner struct {
	fs        afero.Fs
	buffer    *ScoopBuffer
	chunkSize int64
}

// NewScanner creates a scanner reading from fs. Chunks never exceed the
// buffer capacity and are rounded down to whole scoops.
func NewScanner(fs afero.Fs, buffer *ScoopBuffer, chunkSize int64) *Scanner {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if c := buffer.Capacity(); chunkSize > c {
		chunkSize = c
	}
	chunkSize -= chunkSize % plot.ScoopSize
	if chunkSize < plot.ScoopSize {
		chunkSize = plot.ScoopSize
	}
	return &Scanner{fs: fs, buffer: buffer, chunkSize: chunkSize}
}

// ChunkSize returns the effective read size in bytes.
func (s *Scanner) ChunkSize() int64 {
	return s.chunkSize
}

// Scan streams the job's scoop for every nonce of f to emit, one batch per
// chunk, stagger group by stagger group. Each chunk waits for buffer budget
// before it is read. The batch owns the reservation once emit succeeds.
//
// Scan stops between chunks when ctx is done and returns ctx.Err(). The
// returned count is the number of scoop bytes read.
func (s *Scanner) Scan(ctx context.Context, job *Job, f *plot.File, emit func(*Batch) error) (int64, error) {
	file, err := s.fs.Open(f.Path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer file.Close()

	var read int64
	for g := uint64(0); g < f.Groups(); g++ {
		groupBytes := int64(f.GroupNonces(g)) * plot.ScoopSize
		base := f.ScoopOffset(job.Scoop, g)
		startNonce := f.GroupStartNonce(g)

		for pos := int64(0); pos < groupBytes; {
			if err := ctx.Err(); err != nil {
				return read, err
			}

			n := groupBytes - pos
			if n > s.chunkSize {
				n = s.chunkSize
			}

			res, err := s.buffer.Acquire(ctx, n)
			if err != nil {
				return read, err
			}

			data := make([]byte, n)
			m, err := file.ReadAt(data, base+pos)
			if err != nil && !(err == io.EOF && int64(m) == n) {
				res.Release()
				return read, fmt.Errorf("read %s at %d: %w", f.Path, base+pos, err)
			}

			batch := &Batch{
				AccountID:   f.AccountID,
				StartNonce:  startNonce + uint64(pos/plot.ScoopSize),
				Count:       int(n / plot.ScoopSize),
				Gensig:      job.Gensig,
				BaseTarget:  job.baseTarget(),
				Height:      job.Height,
				PlotPath:    f.Path,
				Data:        data,
				reservation: res,
			}
			if err := emit(batch); err != nil {
				batch.Release()
				return read, err
			}

			read += n
			pos += n
		}
	}

	return read, nil
}
