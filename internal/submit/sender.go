package submit

import (
	"context"
	"time"

	"github.com/tos-network/poc-miner/internal/rpc"
)

// Pending is a sent submission waiting for its answer.
type Pending interface {
	// Receive returns the deadline the remote end computed, or
	// rpc.ErrReceiveTimeout when nothing arrived within timeout.
	Receive(ctx context.Context, timeout time.Duration) (uint64, error)
	Close()
}

// Sender writes submitNonce requests.
type Sender interface {
	Send(ctx context.Context, accountID, nonce uint64, timeout time.Duration) (Pending, error)
}

type poolSender struct {
	client *rpc.PoolClient
}

// PoolSender adapts a pool client to Sender.
func PoolSender(client *rpc.PoolClient) Sender {
	return &poolSender{client: client}
}

func (s *poolSender) Send(ctx context.Context, accountID, nonce uint64, timeout time.Duration) (Pending, error) {
	p, err := s.client.SendSubmitNonce(ctx, accountID, nonce, timeout)
	if err != nil {
		return nil, err
	}
	return p, nil
}
