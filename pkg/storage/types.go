package storage

import (
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PingStatus is the lifecycle state of a detected Ping event
type PingStatus string

const (
	PingPending   PingStatus = "pending"
	PingConfirmed PingStatus = "confirmed"
)

// Valid reports whether s is a known ping status
func (s PingStatus) Valid() bool {
	return s == PingPending || s == PingConfirmed
}

// PongStatus is the lifecycle state of a submitted pong transaction
type PongStatus string

const (
	PongPending   PongStatus = "pending"
	PongConfirmed PongStatus = "confirmed"
	PongFailed    PongStatus = "failed"
)

// Valid reports whether s is a known pong status
func (s PongStatus) Valid() bool {
	return s == PongPending || s == PongConfirmed || s == PongFailed
}

// PingRecord is one observed Ping event, keyed by the hash of the
// transaction that emitted it.
type PingRecord struct {
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
	Status      PingStatus  `json:"status"`
	ProcessedAt time.Time   `json:"processed_at"`
}

// PongRecord is one pong transaction submitted in answer to a ping.
// ConfirmedAt is only set while Status is PongConfirmed.
type PongRecord struct {
	PingTxHash  common.Hash `json:"ping_tx_hash"`
	PongTxHash  common.Hash `json:"pong_tx_hash"`
	Nonce       uint64      `json:"nonce"`
	Status      PongStatus  `json:"status"`
	SubmittedAt time.Time   `json:"submitted_at"`
	ConfirmedAt *time.Time  `json:"confirmed_at,omitempty"`
}

// Stats aggregates record counts by status
type Stats struct {
	TotalPings     uint64 `json:"total_pings"`
	ConfirmedPings uint64 `json:"confirmed_pings"`
	PendingPings   uint64 `json:"pending_pings"`
	TotalPongs     uint64 `json:"total_pongs"`
	ConfirmedPongs uint64 `json:"confirmed_pongs"`
	PendingPongs   uint64 `json:"pending_pongs"`
	FailedPongs    uint64 `json:"failed_pongs"`
	// SuccessRate is confirmed pongs over total pings as a rounded percentage
	SuccessRate int `json:"success_rate"`
}

func (s *Stats) computeSuccessRate() {
	if s.TotalPings == 0 {
		s.SuccessRate = 0
		return
	}
	s.SuccessRate = int(math.Round(float64(s.ConfirmedPongs) / float64(s.TotalPings) * 100))
}
