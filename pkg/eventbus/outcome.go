package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// OutcomeType names a step in a ping's lifecycle
type OutcomeType string

const (
	OutcomeSubmitted OutcomeType = "submitted"
	OutcomeConfirmed OutcomeType = "confirmed"
	OutcomeTimeout   OutcomeType = "timeout"
	OutcomeFailed    OutcomeType = "failed"
	// OutcomeAbandoned means the confirmation wait stopped because of shutdown
	OutcomeAbandoned OutcomeType = "abandoned"
)

// Outcome describes one transition of a ping/pong pair
type Outcome struct {
	ID          string      `json:"id"`
	Type        OutcomeType `json:"type"`
	PingTxHash  common.Hash `json:"ping_tx_hash"`
	PongTxHash  common.Hash `json:"pong_tx_hash,omitempty"`
	Nonce       uint64      `json:"nonce"`
	BlockNumber uint64      `json:"block_number,omitempty"`
	GasUsed     uint64      `json:"gas_used,omitempty"`
	Error       string      `json:"error,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// NewOutcome creates an outcome with a fresh ID and the current time
func NewOutcome(typ OutcomeType, pingTxHash, pongTxHash common.Hash, nonce uint64) *Outcome {
	return &Outcome{
		ID:         uuid.NewString(),
		Type:       typ,
		PingTxHash: pingTxHash,
		PongTxHash: pongTxHash,
		Nonce:      nonce,
		Timestamp:  time.Now().UTC(),
	}
}

// Marshal encodes the outcome as JSON
func (o *Outcome) Marshal() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return data, nil
}

// UnmarshalOutcome decodes an outcome from JSON
func UnmarshalOutcome(data []byte) (*Outcome, error) {
	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to decode outcome: %w", err)
	}
	return &o, nil
}
