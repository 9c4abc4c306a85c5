// Package order holds cross-chain transfer intents between the source chain watcher and the
// fulfillment engine. Each order carries its commitment log index and its settlement status.
package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/colorfulnotion/reimann/common"
	"github.com/holiman/uint256"
)

// Status represents the current state of an order in the settlement pipeline
type Status int

const (
	// StatusPending means the order is indexed and waiting for funds on the destination
	StatusPending Status = iota
	// StatusProving means the destination has allowance and the proof is being fetched
	StatusProving
	// StatusSettling means roots are being propagated and fulfil submitted
	StatusSettling
	// StatusSettled means the fulfil transaction succeeded
	StatusSettled
	// StatusFailed means the order exhausted its attempts and will not be retried
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusProving:
		return "Proving"
	case StatusSettling:
		return "Settling"
	case StatusSettled:
		return "Settled"
	case StatusFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Terminal reports whether no further processing happens in this status.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

func ParseStatus(str string) (Status, error) {
	for s := StatusPending; s <= StatusFailed; s++ {
		if s.String() == str {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown order status %q", str)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Order is one cross-chain transfer intent observed on the source chain.
type Order struct {
	Hash  common.Hash `json:"hash"`  // commitment log leaf, emitted by the source settler
	Index uint64      `json:"index"` // commitment log position, the fulfil nonce

	FillDeadline uint32         `json:"fillDeadline"`
	FromToken    common.Address `json:"fromToken"`
	ToToken      common.Address `json:"toToken"`
	Sender       common.Address `json:"sender"`
	Recipient    common.Address `json:"recipient"`
	AmountIn     *uint256.Int   `json:"amountIn"`
	MinAmountOut *uint256.Int   `json:"minAmountOut"`
	Source       uint64         `json:"source"`
	Destination  uint64         `json:"destination"`

	SourceTx    common.Hash `json:"sourceTx"`
	SourceBlock uint64      `json:"sourceBlock"`

	Status        Status      `json:"status"`
	Attempts      int         `json:"attempts"`
	RootWaits     int         `json:"rootWaits,omitempty"` // consecutive fill intervals spent waiting for the source root
	LastError     string      `json:"lastError,omitempty"`
	NextAttemptAt time.Time   `json:"nextAttemptAt,omitempty"`
	ProofRoot     common.Hash `json:"proofRoot"`
	FulfilTx      common.Hash `json:"fulfilTx"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate it outside the store lock.
func (o *Order) Clone() *Order {
	c := *o
	if o.AmountIn != nil {
		c.AmountIn = new(uint256.Int).Set(o.AmountIn)
	}
	if o.MinAmountOut != nil {
		c.MinAmountOut = new(uint256.Int).Set(o.MinAmountOut)
	}
	return &c
}

func (o *Order) String() string {
	return fmt.Sprintf("order{%s idx=%d %s attempts=%d}", common.Str(o.Hash), o.Index, o.Status, o.Attempts)
}
