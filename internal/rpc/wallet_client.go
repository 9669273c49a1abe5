package rpc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tos-network/poc-miner/internal/util"
)

// WalletClient queries account and block details from a wallet node.
type WalletClient struct {
	endpoint string
	client   *http.Client
}

// NewWalletClient creates a wallet client.
func NewWalletClient(endpoint string, timeout time.Duration) *WalletClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WalletClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// AccountInfo is the getAccount response.
type AccountInfo struct {
	Account   Uint64 `json:"account"`
	AccountRS string `json:"accountRS"`
	Name      string `json:"name"`
	Balance   Uint64 `json:"balanceNQT"`
}

// Block is the part of the getBlock response the miner uses.
type Block struct {
	Height      Uint64 `json:"height"`
	Generator   Uint64 `json:"generator"`
	GeneratorRS string `json:"generatorRS"`
	Timestamp   Uint64 `json:"timestamp"`
	BaseTarget  Uint64 `json:"baseTarget"`
}

// get performs a /burst query and decodes the response into out.
func (w *WalletClient) get(ctx context.Context, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"/burst?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var ef errorFields
	if err := util.UnmarshalJSON(body, &ef); err != nil {
		return fmt.Errorf("%w: %v: %s", ErrMalformedResponse, err, truncateBody(body))
	}
	if err := ef.err(); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncateBody(body))
	}

	if err := util.UnmarshalJSON(body, out); err != nil {
		return fmt.Errorf("%w: %v: %s", ErrMalformedResponse, err, truncateBody(body))
	}
	return nil
}

// GetAccount returns the account details.
func (w *WalletClient) GetAccount(ctx context.Context, accountID uint64) (*AccountInfo, error) {
	params := url.Values{}
	params.Set("requestType", "getAccount")
	params.Set("account", strconv.FormatUint(accountID, 10))

	var info AccountInfo
	if err := w.get(ctx, params, &info); err != nil {
		return nil, fmt.Errorf("getAccount %d: %w", accountID, err)
	}
	return &info, nil
}

// GetRewardRecipient returns the account rewards of accountID are paid to.
func (w *WalletClient) GetRewardRecipient(ctx context.Context, accountID uint64) (uint64, error) {
	params := url.Values{}
	params.Set("requestType", "getRewardRecipient")
	params.Set("account", strconv.FormatUint(accountID, 10))

	var result struct {
		RewardRecipient Uint64 `json:"rewardRecipient"`
	}
	if err := w.get(ctx, params, &result); err != nil {
		return 0, fmt.Errorf("getRewardRecipient %d: %w", accountID, err)
	}
	return uint64(result.RewardRecipient), nil
}

// GetBlock returns the block at height.
func (w *WalletClient) GetBlock(ctx context.Context, height uint64) (*Block, error) {
	params := url.Values{}
	params.Set("requestType", "getBlock")
	params.Set("height", strconv.FormatUint(height, 10))

	var block Block
	if err := w.get(ctx, params, &block); err != nil {
		return nil, fmt.Errorf("getBlock %d: %w", height, err)
	}
	return &block, nil
}

// AccountName returns the account name. Accounts without a name give "".
func (w *WalletClient) AccountName(ctx context.Context, accountID uint64) (string, error) {
	info, err := w.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	return info.Name, nil
}

// RewardRecipient returns the reward recipient of accountID.
func (w *WalletClient) RewardRecipient(ctx context.Context, accountID uint64) (uint64, error) {
	return w.GetRewardRecipient(ctx, accountID)
}
