package miner

import (
	"time"

	"github.com/tos-network/poc-miner/internal/util"
)

// resolveAccounts looks up the name and reward recipient of every plotted
// account so they are cached before the first deadline is logged.
func (m *Miner) resolveAccounts() {
	idx := m.plots.Load()
	if idx == nil {
		return
	}
	log := util.Channel(util.ChannelMiner)
	registry := m.state.Accounts()

	for _, id := range idx.Accounts() {
		if m.ctx.Err() != nil {
			return
		}
		a := registry.Get(id)
		a.Name(m.ctx)
		recipient, ok := a.RewardRecipient(m.ctx)
		switch {
		case !ok:
			log.Debugf("Reward recipient of account %s unknown", a.Display())
		case recipient == id:
			log.Infof("Account %s is solo mining", a.Display())
		default:
			log.Infof("Account %s assigns its rewards to %d", a.Display(), recipient)
		}
	}
}

// accountLoop re-resolves the plotted accounts at every refresh interval.
func (m *Miner) accountLoop(interval time.Duration) {
	defer m.wg.Done()

	m.resolveAccounts()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			ids := m.state.Accounts().InvalidateAll(m.ctx)
			util.Channel(util.ChannelMiner).Debugf("Refreshing %d cached accounts", len(ids))
			m.resolveAccounts()
		}
	}
}
