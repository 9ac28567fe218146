package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key prefixes for different data types
const (
	prefixMeta = "/meta/"

	prefixPings = "/data/ping/"
	prefixPongs = "/data/pong/"

	// /index/pong/ping/<ping hash>/<pong hash> -> empty
	prefixPongByPing = "/index/pong/ping/"
)

// PingKey returns the key for a ping record
func PingKey(txHash common.Hash) []byte {
	return []byte(prefixPings + txHash.Hex())
}

// PongKey returns the key for a pong record
func PongKey(txHash common.Hash) []byte {
	return []byte(prefixPongs + txHash.Hex())
}

// PongByPingKey returns the index key linking a pong to its ping
func PongByPingKey(pingTxHash, pongTxHash common.Hash) []byte {
	return []byte(prefixPongByPing + pingTxHash.Hex() + "/" + pongTxHash.Hex())
}

// PongByPingKeyPrefix returns the index prefix for all pongs of a ping
func PongByPingKeyPrefix(pingTxHash common.Hash) []byte {
	return []byte(prefixPongByPing + pingTxHash.Hex() + "/")
}

// ParsePongByPingKey extracts the pong hash from an index key
func ParsePongByPingKey(key []byte) (common.Hash, error) {
	// prefix + 66 chars ping hash + "/" + 66 chars pong hash
	want := len(prefixPongByPing) + 2*66 + 1
	if len(key) != want {
		return common.Hash{}, fmt.Errorf("%w: pong index key length %d", ErrInvalidData, len(key))
	}
	return common.HexToHash(string(key[len(key)-66:])), nil
}

// LastBlockKey returns the key holding the highest stored ping block
func LastBlockKey() []byte {
	return []byte(prefixMeta + "lastblock")
}

// EncodeUint64 encodes a uint64 to bytes (big-endian)
func EncodeUint64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// DecodeUint64 decodes bytes to uint64 (big-endian)
func DecodeUint64(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid uint64 data length: %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// prefixUpperBound returns the smallest key greater than every key with prefix
func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
