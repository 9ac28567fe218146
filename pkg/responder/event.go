package responder

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Source identifies which producer observed an event
type Source string

const (
	SourceLive Source = "live"
	SourceScan Source = "scan"
)

// Event is a detected Ping emission
type Event struct {
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	Source      Source
}

// EventFromLog converts a Ping log into an Event
func EventFromLog(l types.Log, source Source) Event {
	return Event{
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
		Source:      source,
	}
}
