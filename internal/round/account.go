package round

import (
	"context"
	"strconv"
	"sync"

	"github.com/tos-network/poc-miner/internal/util"
)

// AccountFetcher looks up account details from the wallet.
type AccountFetcher interface {
	AccountName(ctx context.Context, id uint64) (string, error)
	RewardRecipient(ctx context.Context, id uint64) (uint64, error)
}

// AccountCache persists fetched account details between runs.
type AccountCache interface {
	LoadAccount(ctx context.Context, id uint64) (name string, recipient uint64, found bool, err error)
	SaveAccount(ctx context.Context, id uint64, name string, recipient uint64) error
	InvalidateAccount(ctx context.Context, id uint64) error
}

// Account is a mining account. The id is its only identity; the name and
// reward recipient are fetched on first use and cached until invalidated.
//
// Lookups run under fetchMu only. mu guards the cached fields and is never
// held across a wallet or cache call, so deadline admission does not wait on
// the network.
type Account struct {
	id      uint64
	fetcher AccountFetcher
	cache   AccountCache

	fetchMu sync.Mutex

	mu           sync.Mutex
	name         string
	hasName      bool
	recipient    uint64
	hasRecipient bool
	loaded       bool
	gen          uint64 // bumped by Invalidate
}

func newAccount(id uint64, fetcher AccountFetcher, cache AccountCache) *Account {
	return &Account{id: id, fetcher: fetcher, cache: cache}
}

// ID returns the numeric account id.
func (a *Account) ID() uint64 {
	return a.id
}

// Name returns the account name, fetching it when not cached. An empty
// string means the account has no name or the lookup failed.
func (a *Account) Name(ctx context.Context) string {
	if name, ok := a.CachedName(); ok {
		return name
	}

	a.fetchMu.Lock()
	defer a.fetchMu.Unlock()

	a.load(ctx)
	a.mu.Lock()
	name, ok, gen := a.name, a.hasName, a.gen
	a.mu.Unlock()
	if ok || a.fetcher == nil {
		return name
	}

	name, err := a.fetcher.AccountName(ctx, a.id)
	if err != nil {
		util.Channel(util.ChannelMiner).Debugf("Account %d name lookup failed: %v", a.id, err)
		return ""
	}

	a.mu.Lock()
	if a.gen == gen {
		a.name, a.hasName = name, true
	}
	a.mu.Unlock()
	a.save(ctx)
	return name
}

// RewardRecipient returns the account the rewards of this account go to.
func (a *Account) RewardRecipient(ctx context.Context) (uint64, bool) {
	if r, ok := a.CachedRecipient(); ok {
		return r, true
	}

	a.fetchMu.Lock()
	defer a.fetchMu.Unlock()

	a.load(ctx)
	a.mu.Lock()
	recipient, ok, gen := a.recipient, a.hasRecipient, a.gen
	a.mu.Unlock()
	if ok || a.fetcher == nil {
		return recipient, ok
	}

	recipient, err := a.fetcher.RewardRecipient(ctx, a.id)
	if err != nil {
		util.Channel(util.ChannelMiner).Debugf("Account %d reward recipient lookup failed: %v", a.id, err)
		return 0, false
	}

	a.mu.Lock()
	if a.gen == gen {
		a.recipient, a.hasRecipient = recipient, true
	}
	a.mu.Unlock()
	a.save(ctx)
	return recipient, true
}

// CachedName returns the name without any lookup.
func (a *Account) CachedName() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name, a.hasName
}

// CachedRecipient returns the reward recipient without any lookup.
func (a *Account) CachedRecipient() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recipient, a.hasRecipient
}

// Display returns the cached name, or the numeric id when there is none.
func (a *Account) Display() string {
	if name, ok := a.CachedName(); ok && name != "" {
		return name
	}
	return strconv.FormatUint(a.id, 10)
}

// Invalidate drops the cached details so the next call fetches them again.
// A lookup in flight does not store its result.
func (a *Account) Invalidate() {
	a.mu.Lock()
	a.name, a.hasName = "", false
	a.recipient, a.hasRecipient = 0, false
	a.loaded = true
	a.gen++
	a.mu.Unlock()
}

// load reads the persisted details once. Caller holds fetchMu.
func (a *Account) load(ctx context.Context) {
	a.mu.Lock()
	if a.loaded || a.cache == nil {
		a.mu.Unlock()
		return
	}
	gen := a.gen
	a.mu.Unlock()

	name, recipient, found, err := a.cache.LoadAccount(ctx, a.id)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen != gen {
		return
	}
	a.loaded = true
	if err != nil {
		util.Channel(util.ChannelStorage).Debugf("Account %d cache read failed: %v", a.id, err)
		return
	}
	if found {
		a.name, a.hasName = name, true
		a.recipient, a.hasRecipient = recipient, recipient != 0
	}
}

// save persists the cached details. Caller holds fetchMu.
func (a *Account) save(ctx context.Context) {
	if a.cache == nil {
		return
	}
	a.mu.Lock()
	name, recipient := a.name, a.recipient
	a.mu.Unlock()

	if err := a.cache.SaveAccount(ctx, a.id, name, recipient); err != nil {
		util.Channel(util.ChannelStorage).Debugf("Account %d cache write failed: %v", a.id, err)
	}
}

// Accounts is the registry of known accounts. A persistent registry keeps
// accounts and their cached details across rounds; an ephemeral one starts
// empty every round.
type Accounts struct {
	mu         sync.Mutex
	accounts   map[uint64]*Account
	persistent bool
	fetcher    AccountFetcher
	cache      AccountCache
}

// NewAccounts creates a registry. fetcher and cache may be nil.
func NewAccounts(fetcher AccountFetcher, cache AccountCache, persistent bool) *Accounts {
	return &Accounts{
		accounts:   make(map[uint64]*Account),
		persistent: persistent,
		fetcher:    fetcher,
		cache:      cache,
	}
}

// Get returns the account with id, creating it on first use.
func (r *Accounts) Get(id uint64) *Account {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[id]
	if !ok {
		a = newAccount(id, r.fetcher, r.cache)
		r.accounts[id] = a
	}
	return a
}

// Lookup returns the account with id if it is registered.
func (r *Accounts) Lookup(id uint64) (*Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	return a, ok
}

// Reset starts a new round. Ephemeral registries forget every account.
func (r *Accounts) Reset() {
	if r.persistent {
		return
	}
	r.mu.Lock()
	r.accounts = make(map[uint64]*Account)
	r.mu.Unlock()
}

// InvalidateAll drops the cached details of every account, in memory and
// in the backing cache, and returns the affected ids.
func (r *Accounts) InvalidateAll(ctx context.Context) []uint64 {
	r.mu.Lock()
	accounts := make([]*Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		accounts = append(accounts, a)
	}
	r.mu.Unlock()

	ids := make([]uint64, 0, len(accounts))
	for _, a := range accounts {
		a.Invalidate()
		ids = append(ids, a.id)
		if r.cache == nil {
			continue
		}
		if err := r.cache.InvalidateAccount(ctx, a.id); err != nil {
			util.Channel(util.ChannelStorage).Debugf("Account %d cache invalidation failed: %v", a.id, err)
		}
	}
	return ids
}

// IDs returns the registered account ids.
func (r *Accounts) IDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	return ids
}

// Persistent reports whether accounts survive a round change.
func (r *Accounts) Persistent() bool {
	return r.persistent
}
