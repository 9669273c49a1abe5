package util

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
)

const secondsPerYear = 365 * 24 * 60 * 60

// maxDurationSeconds is the largest second count a time.Duration can hold.
const maxDurationSeconds = uint64(math.MaxInt64 / int64(time.Second))

// ParseDeadline parses a deadline given as plain seconds ("86400"), a Go
// duration ("24h") or a clock string ("HH:MM:SS" or "D:HH:MM:SS").
// An empty string means no deadline and yields 0.
func ParseDeadline(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}

	if strings.Contains(s, ":") {
		return parseClockDeadline(s)
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid deadline %q: negative", s)
	}
	return uint64(d / time.Second), nil
}

func parseClockDeadline(s string) (uint64, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return 0, fmt.Errorf("invalid deadline %q: want HH:MM:SS or D:HH:MM:SS", s)
	}

	values := make([]uint64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid deadline %q: %w", s, err)
		}
		values[i] = v
	}

	var days uint64
	if len(values) == 4 {
		days, values = values[0], values[1:]
	}
	hours, minutes, seconds := values[0], values[1], values[2]
	if minutes >= 60 || seconds >= 60 {
		return 0, fmt.Errorf("invalid deadline %q: minutes and seconds must be below 60", s)
	}

	return days*86400 + hours*3600 + minutes*60 + seconds, nil
}

// FormatDeadline renders a deadline in seconds as a short human string,
// e.g. "2 hours 5 minutes".
func FormatDeadline(seconds uint64) string {
	if seconds > maxDurationSeconds {
		return fmt.Sprintf("%d years", seconds/secondsPerYear)
	}
	if seconds == 0 {
		return "0 seconds"
	}
	return durafmt.Parse(time.Duration(seconds) * time.Second).LimitFirstN(2).String()
}

// FormatBytes renders a byte count using binary units ("1.5 TiB").
func FormatBytes(n uint64) string {
	return humanize.IBytes(n)
}
