// Package newrelic reports miner rounds and submissions to New Relic APM.
package newrelic

import (
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/tos-network/poc-miner/internal/config"
	"github.com/tos-network/poc-miner/internal/events"
	"github.com/tos-network/poc-miner/internal/util"
)

// Agent wraps New Relic APM functionality
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	// Wait for connection (up to 5 seconds)
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// RecordRoundFinished records the outcome of a plot scan
func (a *Agent) RecordRoundFinished(height uint64, info events.RoundInfo) {
	a.RecordCustomEvent("RoundFinished", map[string]interface{}{
		"height":       height,
		"elapsedMs":    info.ElapsedMs,
		"bytesRead":    info.BytesRead,
		"files":        info.Files,
		"failedFiles":  info.FailedFiles,
		"bestDeadline": info.BestDeadline,
		"cancelled":    info.Cancelled,
	})
	if info.ElapsedMs > 0 {
		mibPerSec := float64(info.BytesRead) / (1 << 20) / (float64(info.ElapsedMs) / 1000)
		a.RecordCustomMetric("Custom/Scan/MiBPerSecond", mibPerSec)
	}
	a.RecordCustomMetric("Custom/Scan/ElapsedMs", float64(info.ElapsedMs))
}

// RecordDeadlineConfirmed records a deadline accepted by the pool
func (a *Agent) RecordDeadlineConfirmed(height uint64, d events.DeadlineInfo) {
	a.RecordCustomEvent("DeadlineConfirmed", map[string]interface{}{
		"height":    height,
		"accountId": d.AccountID,
		"nonce":     d.Nonce,
		"deadline":  d.Deadline,
		"plotFile":  d.PlotFile,
	})
}

// RecordSubmitFailed records a deadline the pool never confirmed
func (a *Agent) RecordSubmitFailed(height uint64, d events.DeadlineInfo) {
	a.RecordCustomEvent("SubmitFailed", map[string]interface{}{
		"height":    height,
		"accountId": d.AccountID,
		"nonce":     d.Nonce,
		"deadline":  d.Deadline,
		"reason":    d.Reason,
	})
}

// RecordBlockWon records a block forged by one of our accounts
func (a *Agent) RecordBlockWon(height uint64, w events.WinnerInfo) {
	a.RecordCustomEvent("BlockWon", map[string]interface{}{
		"height":    height,
		"accountId": w.AccountID,
		"name":      w.Name,
	})
}

// UpdateMiningMetrics updates per-round network and capacity metrics
func (a *Agent) UpdateMiningMetrics(height, baseTarget uint64, plotBytes int64) {
	a.RecordCustomMetric("Custom/Network/Height", float64(height))
	a.RecordCustomMetric("Custom/Network/BaseTarget", float64(baseTarget))
	a.RecordCustomMetric("Custom/Miner/PlotBytes", float64(plotBytes))
}
