package storage

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// pingRLP is the stored form of a PingRecord. Times are unix nanoseconds.
type pingRLP struct {
	TxHash      common.Hash
	BlockNumber uint64
	Status      string
	ProcessedAt uint64
}

// pongRLP is the stored form of a PongRecord. ConfirmedAt is 0 when unset.
type pongRLP struct {
	PingTxHash  common.Hash
	PongTxHash  common.Hash
	Nonce       uint64
	Status      string
	SubmittedAt uint64
	ConfirmedAt uint64
}

func toNanos(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func fromNanos(n uint64) time.Time {
	return time.Unix(0, int64(n)).UTC()
}

// EncodePing encodes a ping record using RLP
func EncodePing(p *PingRecord) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("ping cannot be nil")
	}

	var buf bytes.Buffer
	if err := rlp.Encode(&buf, &pingRLP{
		TxHash:      p.TxHash,
		BlockNumber: p.BlockNumber,
		Status:      string(p.Status),
		ProcessedAt: toNanos(p.ProcessedAt),
	}); err != nil {
		return nil, fmt.Errorf("failed to encode ping: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePing decodes a ping record from RLP
func DecodePing(data []byte) (*PingRecord, error) {
	var raw pingRLP
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to decode ping: %v", ErrInvalidData, err)
	}
	return &PingRecord{
		TxHash:      raw.TxHash,
		BlockNumber: raw.BlockNumber,
		Status:      PingStatus(raw.Status),
		ProcessedAt: fromNanos(raw.ProcessedAt),
	}, nil
}

// EncodePong encodes a pong record using RLP
func EncodePong(p *PongRecord) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("pong cannot be nil")
	}

	raw := &pongRLP{
		PingTxHash:  p.PingTxHash,
		PongTxHash:  p.PongTxHash,
		Nonce:       p.Nonce,
		Status:      string(p.Status),
		SubmittedAt: toNanos(p.SubmittedAt),
	}
	if p.ConfirmedAt != nil {
		raw.ConfirmedAt = toNanos(*p.ConfirmedAt)
	}

	var buf bytes.Buffer
	if err := rlp.Encode(&buf, raw); err != nil {
		return nil, fmt.Errorf("failed to encode pong: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePong decodes a pong record from RLP
func DecodePong(data []byte) (*PongRecord, error) {
	var raw pongRLP
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to decode pong: %v", ErrInvalidData, err)
	}
	p := &PongRecord{
		PingTxHash:  raw.PingTxHash,
		PongTxHash:  raw.PongTxHash,
		Nonce:       raw.Nonce,
		Status:      PongStatus(raw.Status),
		SubmittedAt: fromNanos(raw.SubmittedAt),
	}
	if raw.ConfirmedAt != 0 {
		t := fromNanos(raw.ConfirmedAt)
		p.ConfirmedAt = &t
	}
	return p, nil
}
