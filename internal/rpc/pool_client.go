package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tos-network/poc-miner/internal/util"
)

// MiningInfo is the round data published by the mining-info endpoint.
type MiningInfo struct {
	Height              uint64
	BaseTarget          uint64
	GenerationSignature string
	Gensig              [util.GensigSize]byte
	TargetDeadline      uint64
}

type miningInfoResponse struct {
	errorFields
	Height              Uint64 `json:"height"`
	BaseTarget          Uint64 `json:"baseTarget"`
	GenerationSignature string `json:"generationSignature"`
	TargetDeadline      Uint64 `json:"targetDeadline"`
}

type submitResponse struct {
	errorFields
	Deadline *Uint64    `json:"deadline"`
	Result   interface{} `json:"result"`
}

// PoolClient polls mining info and submits nonces.
type PoolClient struct {
	poolURL       string
	miningInfoURL string
	passphrase    string
	client        *http.Client

	// Health tracking
	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewPoolClient creates a client. miningInfoURL defaults to poolURL. The
// timeout bounds mining-info requests; submissions use their own timeouts.
func NewPoolClient(poolURL, miningInfoURL, passphrase string, timeout time.Duration) *PoolClient {
	if miningInfoURL == "" {
		miningInfoURL = poolURL
	}
	return &PoolClient{
		poolURL:       strings.TrimRight(poolURL, "/"),
		miningInfoURL: strings.TrimRight(miningInfoURL, "/"),
		passphrase:    passphrase,
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

// recordSuccess records a successful request
func (c *PoolClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

// recordFailure records a failed request
func (c *PoolClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= 3 && c.healthy {
		c.healthy = false
		util.Channel(util.ChannelRPC).Warnf("Pool %s marked unhealthy after %d failures", c.poolURL, c.failCount)
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the pool answered recently
func (c *PoolClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// GetMiningInfo fetches the current round.
func (c *PoolClient) GetMiningInfo(ctx context.Context) (*MiningInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.miningInfoURL+"/burst?requestType=getMiningInfo", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	var info miningInfoResponse
	if err := util.UnmarshalJSON(body, &info); err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("%w: %v: %s", ErrMalformedResponse, err, truncateBody(body))
	}
	if err := info.err(); err != nil {
		c.recordFailure()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		c.recordFailure()
		return nil, fmt.Errorf("mining info: HTTP %d: %s", resp.StatusCode, truncateBody(body))
	}

	gensig, err := util.DecodeGensig(info.GenerationSignature)
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if info.Height == 0 {
		c.recordFailure()
		return nil, fmt.Errorf("%w: missing height: %s", ErrMalformedResponse, truncateBody(body))
	}

	c.recordSuccess()
	return &MiningInfo{
		Height:              uint64(info.Height),
		BaseTarget:          uint64(info.BaseTarget),
		GenerationSignature: strings.ToLower(info.GenerationSignature),
		Gensig:              gensig,
		TargetDeadline:      uint64(info.TargetDeadline),
	}, nil
}

// PendingSubmission is a submit request that has been written to the pool
// and waits for its response.
type PendingSubmission struct {
	cancel context.CancelFunc
	done   chan struct{}

	deadline uint64
	err      error
}

// Receive waits up to timeout for the pool's answer. On success it returns
// the deadline the pool computed. ErrReceiveTimeout leaves the request in
// flight so Receive can be called again.
func (p *PendingSubmission) Receive(ctx context.Context, timeout time.Duration) (uint64, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.deadline, p.err
	case <-timer.C:
		return 0, ErrReceiveTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close abandons the request.
func (p *PendingSubmission) Close() {
	p.cancel()
}

// SendSubmitNonce writes a submitNonce request. It fails with ErrSendTimeout
// when the request is not fully written within sendTimeout.
func (c *PoolClient) SendSubmitNonce(ctx context.Context, accountID, nonce uint64, sendTimeout time.Duration) (*PendingSubmission, error) {
	q := url.Values{}
	q.Set("requestType", "submitNonce")
	q.Set("nonce", strconv.FormatUint(nonce, 10))
	q.Set("accountId", strconv.FormatUint(accountID, 10))
	if c.passphrase != "" {
		q.Set("secretPhrase", c.passphrase)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	written := make(chan struct{})
	var once sync.Once
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				once.Do(func() { close(written) })
			}
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(reqCtx, trace),
		http.MethodPost, c.poolURL+"/burst?"+q.Encode(), nil)
	if err != nil {
		cancel()
		return nil, err
	}

	p := &PendingSubmission{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.deadline, p.err = c.doSubmit(req)
	}()

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case <-written:
		return p, nil
	case <-p.done:
		select {
		case <-written:
			return p, nil
		default:
		}
		if p.err != nil {
			cancel()
			return nil, p.err
		}
		return p, nil
	case <-timer.C:
		cancel()
		c.recordFailure()
		return nil, ErrSendTimeout
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

func (c *PoolClient) doSubmit(req *http.Request) (uint64, error) {
	// Submissions are bounded by the caller's send and receive timeouts,
	// not by the mining-info client timeout.
	client := *c.client
	client.Timeout = 0

	resp, err := client.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.recordFailure()
		}
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return 0, err
	}
	c.recordSuccess()

	var sr submitResponse
	if err := util.UnmarshalJSON(body, &sr); err != nil {
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("submit nonce: HTTP %d: %s", resp.StatusCode, truncateBody(body))
		}
		return 0, fmt.Errorf("%w: %v: %s", ErrMalformedResponse, err, truncateBody(body))
	}
	if err := sr.err(); err != nil {
		return 0, err
	}
	if sr.Deadline != nil {
		return uint64(*sr.Deadline), nil
	}
	if sr.Result != nil {
		return 0, &PoolError{Description: fmt.Sprint(sr.Result)}
	}
	return 0, fmt.Errorf("%w: no deadline: %s", ErrMalformedResponse, truncateBody(body))
}
