package client

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/0xmhha/pingpong-go/internal/constants"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Client talks to the chain on behalf of the responder: it reads Ping logs
// from the PingPong contract and signs and submits pong transactions.
type Client struct {
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	endpoint  string
	logger    *zap.Logger

	contract common.Address
	abi      abi.ABI
	pingID   common.Hash

	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int

	pollInterval   time.Duration
	gasLimitMargin uint64
}

// Config holds client configuration
type Config struct {
	// Endpoint is the RPC URL. Subscriptions require ws:// or wss://.
	Endpoint string
	Timeout  time.Duration
	Logger   *zap.Logger

	// PrivateKey is the hex-encoded signing key, with or without 0x
	PrivateKey string
	Contract   common.Address

	// PollInterval is the receipt polling period used by WaitMined
	PollInterval time.Duration
	// GasLimitMargin is added on top of the gas estimate, in percent
	GasLimitMargin uint64
}

// NewClient dials the endpoint, verifies the connection and loads the signing key
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	client, err := newClient(ctx, rpcClient, cfg)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}

	client.logger.Info("connected to RPC",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("chain_id", client.chainID.String()),
		zap.String("wallet", client.from.Hex()),
		zap.String("contract", client.contract.Hex()),
	)
	return client, nil
}

// newClient builds a Client on an established RPC connection
func newClient(ctx context.Context, rpcClient *rpc.Client, cfg *Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(PingPongABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = constants.DefaultReceiptPollInterval
	}
	margin := cfg.GasLimitMargin
	if margin == 0 {
		margin = constants.DefaultGasLimitMargin
	}

	c := &Client{
		ethClient:      ethclient.NewClient(rpcClient),
		rpcClient:      rpcClient,
		endpoint:       cfg.Endpoint,
		logger:         logger,
		contract:       cfg.Contract,
		abi:            parsed,
		pingID:         parsed.Events["Ping"].ID,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		pollInterval:   pollInterval,
		gasLimitMargin: margin,
	}

	chainID, err := c.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping RPC endpoint: %w", err)
	}
	c.chainID = chainID

	return c, nil
}

// Close closes the client connection
func (c *Client) Close() {
	if c.ethClient != nil {
		c.ethClient.Close()
	}
}

// Address returns the account that signs pong transactions
func (c *Client) Address() common.Address {
	return c.from
}

// ContractAddress returns the watched contract
func (c *Client) ContractAddress() common.Address {
	return c.contract
}

// GetChainID returns the chain ID
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return chainID, nil
}

// GetLatestBlockNumber returns the latest block number
func (c *Client) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	blockNumber, err := c.ethClient.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return blockNumber, nil
}

// Balance returns the signer's balance at the latest block
func (c *Client) Balance(ctx context.Context) (*big.Int, error) {
	balance, err := c.ethClient.BalanceAt(ctx, c.from, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance for %s: %w", c.from.Hex(), err)
	}
	return balance, nil
}

// PendingNonce returns the next nonce for the signer, counting pending transactions
func (c *Client) PendingNonce(ctx context.Context) (uint64, error) {
	nonce, err := c.ethClient.PendingNonceAt(ctx, c.from)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending nonce: %w", err)
	}
	return nonce, nil
}
