package testutil

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/0xmhha/pingpong-go/pkg/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// NewTestLogger creates a logger that writes through t.Log
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// TxHash returns a deterministic transaction hash for n
func TxHash(n int) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d", n)))
}

// NewPingLog creates a Ping log emitted by txHash at the given position
func NewPingLog(contract common.Address, topic, txHash common.Hash, block uint64, index uint) types.Log {
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{topic},
		TxHash:      txHash,
		BlockNumber: block,
		BlockHash:   crypto.Keccak256Hash(new(big.Int).SetUint64(block).Bytes()),
		Index:       index,
	}
}

// NewPongTx creates an unsigned pong-like transaction. Distinct (ping, nonce)
// pairs give distinct hashes.
func NewPongTx(ping common.Hash, nonce uint64) *types.Transaction {
	to := common.HexToAddress("0x7D3a625977bFD7445466439E60C495bdc2855367")
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(1),
		Gas:      30000,
		To:       &to,
		Data:     ping.Bytes(),
	})
}

// NewTestReceipt creates a receipt for the given transaction hash
func NewTestReceipt(txHash common.Hash, blockNumber uint64, status uint64) *types.Receipt {
	return &types.Receipt{
		Type:              types.LegacyTxType,
		Status:            status,
		CumulativeGasUsed: 21000,
		BlockNumber:       new(big.Int).SetUint64(blockNumber),
		TxHash:            txHash,
		GasUsed:           21000,
		Logs:              []*types.Log{},
	}
}

// NewTestStore opens a Pebble store in a temporary directory, closed on cleanup
func NewTestStore(t *testing.T) storage.Store {
	t.Helper()

	s, err := storage.Open(storage.DefaultConfig(storage.BackendPebble, t.TempDir()), NewTestLogger(t))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
