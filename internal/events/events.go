// Package events carries the miner's round notifications to subscribers
// such as the API websocket, storage and webhook notifiers.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names an event kind.
type Type string

const (
	BlockStarted   Type = "blockStarted"
	NonceFound     Type = "nonceFound"
	NonceSubmitted Type = "nonceSubmitted"
	NonceConfirmed Type = "nonceConfirmed"
	SubmitFailed   Type = "submitFailed"
	Progress       Type = "progress"
	LastWinner     Type = "lastWinner"
	BlockWon       Type = "blockWon"
	RoundFinished  Type = "roundFinished"
)

// Event is one timestamped notification.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Height    uint64      `json:"height"`
	Data      interface{} `json:"data,omitempty"`
}

// New stamps an event with the current time in milliseconds.
func New(t Type, height uint64, data interface{}) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		Height:    height,
		Data:      data,
	}
}

// DeadlineInfo describes a deadline in nonceFound, nonceSubmitted,
// nonceConfirmed and submitFailed events.
type DeadlineInfo struct {
	AccountID   uint64 `json:"accountId"`
	AccountName string `json:"accountName,omitempty"`
	Nonce       uint64 `json:"nonce"`
	Deadline    uint64 `json:"deadline"`
	DeadlineStr string `json:"deadlineStr"`
	PlotFile    string `json:"plotFile"`
	Reason      string `json:"reason,omitempty"`
}

// BlockInfo describes a new round.
type BlockInfo struct {
	BaseTarget     uint64 `json:"baseTarget"`
	Gensig         string `json:"generationSignature"`
	Scoop          uint32 `json:"scoop"`
	TargetDeadline uint64 `json:"targetDeadline"`
}

// ProgressInfo reports scan completion.
type ProgressInfo struct {
	Percent      float64 `json:"percent"`
	ScannedBytes int64   `json:"scannedBytes"`
	TotalBytes   int64   `json:"totalBytes"`
}

// WinnerInfo names the forger of the previous block.
type WinnerInfo struct {
	AccountID uint64 `json:"accountId"`
	Name      string `json:"name,omitempty"`
	Ours      bool   `json:"ours"`
}

// RoundInfo summarises a finished scan.
type RoundInfo struct {
	ElapsedMs    int64  `json:"elapsedMs"`
	BytesRead    int64  `json:"bytesRead"`
	Files        int    `json:"files"`
	FailedFiles  int    `json:"failedFiles"`
	BestDeadline uint64 `json:"bestDeadline"`
	Cancelled    bool   `json:"cancelled"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer. The returned
// cancel func unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for full subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
