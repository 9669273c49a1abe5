// Package plot describes plot files: their name format, on-disk scoop layout
// and the index of configured plot locations.
package plot

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// ScoopSize is the size of one scoop in bytes
	ScoopSize = 64

	// ScoopsPerNonce is the number of scoops per nonce
	ScoopsPerNonce = 4096

	// NonceSize is the plot data size of a single nonce (256 KiB)
	NonceSize = ScoopSize * ScoopsPerNonce

	// MaxNonces is the largest nonce count whose file size fits an int64.
	MaxNonces = math.MaxInt64 / NonceSize
)

// ErrInvalidName is returned for file names that are not
// {accountId}_{startNonce}_{nonceCount}_{staggerSize}.
var ErrInvalidName = errors.New("invalid plot file name")

// Name holds the fields encoded in a plot file name.
type Name struct {
	AccountID  uint64
	StartNonce uint64
	Nonces     uint64
	Stagger    uint64
}

// ParseName parses a plot file base name.
func ParseName(name string) (Name, error) {
	parts := strings.Split(filepath.Base(name), "_")
	if len(parts) != 4 {
		return Name{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	var values [4]uint64
	for i, p := range parts {
		// ParseUint accepts a leading '+', the name format does not.
		if p == "" || p[0] < '0' || p[0] > '9' {
			return Name{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Name{}, fmt.Errorf("%w: %q: %v", ErrInvalidName, name, err)
		}
		values[i] = v
	}

	n := Name{
		AccountID:  values[0],
		StartNonce: values[1],
		Nonces:     values[2],
		Stagger:    values[3],
	}
	if n.Nonces == 0 || n.Stagger == 0 {
		return Name{}, fmt.Errorf("%w: %q: nonce count and stagger must be positive", ErrInvalidName, name)
	}
	if n.Nonces > MaxNonces {
		return Name{}, fmt.Errorf("%w: %q: more than %d nonces", ErrInvalidName, name, uint64(MaxNonces))
	}
	return n, nil
}

// String formats the name back to its file name form.
func (n Name) String() string {
	return fmt.Sprintf("%d_%d_%d_%d", n.AccountID, n.StartNonce, n.Nonces, n.Stagger)
}

// ExpectedSize is the size a complete plot file with this name has.
func (n Name) ExpectedSize() int64 {
	return int64(n.Nonces) * NonceSize
}

// File is a validated plot file.
type File struct {
	Name
	Path string
	Dir  string
	Size int64
}

// Groups returns the number of stagger groups in the file. The last group
// may hold fewer than Stagger nonces.
func (f *File) Groups() uint64 {
	return (f.Nonces + f.Stagger - 1) / f.Stagger
}

// GroupNonces returns how many nonces stagger group g holds.
func (f *File) GroupNonces(g uint64) uint64 {
	first := g * f.Stagger
	if first >= f.Nonces {
		return 0
	}
	if rest := f.Nonces - first; rest < f.Stagger {
		return rest
	}
	return f.Stagger
}

// GroupStartNonce returns the absolute nonce of the first nonce in group g.
func (f *File) GroupStartNonce(g uint64) uint64 {
	return f.StartNonce + g*f.Stagger
}

// ScoopOffset returns the byte offset of scoop s inside stagger group g.
// Within a group the scoop is stored for all nonces back to back:
//
//	offset = g*stagger*NonceSize + s*stagger*ScoopSize
//
// A short last group strides by its own nonce count.
func (f *File) ScoopOffset(scoop uint32, g uint64) int64 {
	return int64(g*f.Stagger)*NonceSize + int64(scoop)*int64(f.GroupNonces(g))*ScoopSize
}

// ScoopBytes is the number of scoop bytes one round reads from the file.
func (f *File) ScoopBytes() int64 {
	return int64(f.Nonces) * ScoopSize
}
