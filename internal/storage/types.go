// Package storage persists miner state: the account cache, round history,
// confirmed deadlines and counters in Redis, and the confirmed-deadline
// audit file.
package storage

// RoundRecord is a finished round as kept in the history.
type RoundRecord struct {
	Height         uint64 `json:"height"`
	BaseTarget     uint64 `json:"base_target"`
	Gensig         string `json:"gensig"`
	Scoop          uint32 `json:"scoop"`
	TargetDeadline uint64 `json:"target_deadline,omitempty"`
	HasBest        bool   `json:"has_best"`
	BestAccount    uint64 `json:"best_account,omitempty"`
	BestNonce      uint64 `json:"best_nonce,omitempty"`
	BestDeadline   uint64 `json:"best_deadline,omitempty"`
	BestState      string `json:"best_state,omitempty"`
	ScanMs         int64  `json:"scan_ms"`
	BytesRead      int64  `json:"bytes_read"`
	StartedAt      int64  `json:"started_at"`
	FinishedAt     int64  `json:"finished_at"`
}

// ConfirmedDeadline is a deadline the pool accepted.
type ConfirmedDeadline struct {
	Height    uint64 `json:"height"`
	AccountID uint64 `json:"account_id"`
	Nonce     uint64 `json:"nonce"`
	Deadline  uint64 `json:"deadline"`
	PlotFile  string `json:"plot_file"`
	Timestamp int64  `json:"timestamp"`
}

// WonBlock is a block forged by one of our accounts.
type WonBlock struct {
	Height    uint64 `json:"height"`
	AccountID uint64 `json:"account_id"`
	Name      string `json:"name,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Counter names kept in the stats hash.
const (
	StatRounds             = "rounds"
	StatDeadlinesFound     = "deadlines_found"
	StatDeadlinesConfirmed = "deadlines_confirmed"
	StatSubmitFailed       = "submit_failed"
	StatBlocksWon          = "blocks_won"
)
