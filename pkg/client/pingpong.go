package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// PingPongABI is the subset of the PingPong contract interface the responder uses
const PingPongABI = `[
	{"anonymous":false,"inputs":[],"name":"Ping","type":"event"},
	{"inputs":[],"name":"ping","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"bytes32","name":"_txHash","type":"bytes32"}],"name":"pong","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// maxReceiptErrors is how many consecutive receipt lookups may fail before WaitMined gives up
const maxReceiptErrors = 5

func (c *Client) pingQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{c.pingID}},
	}
}

// PingTopic returns the Ping() event signature hash
func (c *Client) PingTopic() common.Hash {
	return c.pingID
}

// FilterPings returns Ping logs emitted by the contract in [from, to], inclusive
func (c *Client) FilterPings(ctx context.Context, from, to uint64) ([]types.Log, error) {
	q := c.pingQuery()
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	logs, err := c.ethClient.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to filter ping logs [%d, %d]: %w", from, to, err)
	}
	return logs, nil
}

// SubscribePings streams new Ping logs into ch. The subscription's Err
// channel reports transport failures.
func (c *Client) SubscribePings(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error) {
	sub, err := c.ethClient.SubscribeFilterLogs(ctx, c.pingQuery(), ch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to ping logs: %w", err)
	}
	return sub, nil
}

// PackPong returns the calldata for pong(pingTxHash)
func (c *Client) PackPong(pingTxHash common.Hash) ([]byte, error) {
	data, err := c.abi.Pack("pong", [32]byte(pingTxHash))
	if err != nil {
		return nil, fmt.Errorf("failed to pack pong call: %w", err)
	}
	return data, nil
}

// SubmitPong signs and broadcasts pong(pingTxHash) with the given nonce
func (c *Client) SubmitPong(ctx context.Context, pingTxHash common.Hash, nonce uint64) (*types.Transaction, error) {
	data, err := c.PackPong(pingTxHash)
	if err != nil {
		return nil, err
	}

	to := c.contract
	gas, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gas += gas * c.gasLimitMargin / 100

	head, err := c.ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	var tx *types.Transaction
	if head.BaseFee != nil {
		tip, err := c.ethClient.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Data:      data,
		})
	} else {
		gasPrice, err := c.ethClient.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &to,
			Data:     data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign pong: %w", err)
	}

	if err := c.ethClient.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send pong: %w", err)
	}

	c.logger.Debug("pong broadcast",
		zap.String("ping_tx", pingTxHash.Hex()),
		zap.String("pong_tx", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas),
	)
	return signed, nil
}

// WaitMined polls for the transaction receipt until it is mined or ctx is done.
// A receipt is returned regardless of its status.
func (c *Client) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		receipt, err := c.ethClient.TransactionReceipt(ctx, tx.Hash())
		switch {
		case err == nil:
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
			failures = 0
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			failures++
			c.logger.Debug("receipt lookup failed",
				zap.String("tx", tx.Hash().Hex()),
				zap.Int("attempt", failures),
				zap.Error(err),
			)
			if failures >= maxReceiptErrors {
				return nil, fmt.Errorf("failed to get receipt for %s: %w", tx.Hash().Hex(), err)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
