package conversation

import (
	"github.com/shopspring/decimal"

	"ledgerguard/internal/transfer"
)

type StateName string

const (
	NameCollectAmount  StateName = "COLLECT_AMOUNT"
	NameCollectAddress StateName = "COLLECT_ADDRESS"
	NameConfirm        StateName = "CONFIRM"
	NameSubmitted      StateName = "SUBMITTED"
	NameCancelled      StateName = "CANCELLED"
)

// State is one of CollectAmount, CollectAddress, Confirm, Submitted or Cancelled.
type State interface {
	Name() StateName
	Terminal() bool
	isState()
}

// Draft holds the slots collected so far. Zero values mean "not provided".
type Draft struct {
	Amount    decimal.NullDecimal
	Recipient string
	Memo      string
}

func (d Draft) complete() bool {
	return d.Amount.Valid && d.Recipient != ""
}

type CollectAmount struct{ Draft Draft }
type CollectAddress struct{ Draft Draft }
type Confirm struct{ Draft Draft }

// Submitted records the key the intent was submitted under and, once known, the outcome.
type Submitted struct {
	Draft          Draft
	IdempotencyKey string
	Outcome        *transfer.Outcome
}

type Cancelled struct{}

func (CollectAmount) Name() StateName  { return NameCollectAmount }
func (CollectAddress) Name() StateName { return NameCollectAddress }
func (Confirm) Name() StateName        { return NameConfirm }
func (Submitted) Name() StateName      { return NameSubmitted }
func (Cancelled) Name() StateName      { return NameCancelled }

func (CollectAmount) Terminal() bool  { return false }
func (CollectAddress) Terminal() bool { return false }
func (Confirm) Terminal() bool        { return false }
func (Submitted) Terminal() bool      { return true }
func (Cancelled) Terminal() bool      { return true }

func (CollectAmount) isState()  {}
func (CollectAddress) isState() {}
func (Confirm) isState()        {}
func (Submitted) isState()      {}
func (Cancelled) isState()      {}

// DraftOf returns the draft carried by s, or the zero Draft.
func DraftOf(s State) Draft {
	switch st := s.(type) {
	case CollectAmount:
		return st.Draft
	case CollectAddress:
		return st.Draft
	case Confirm:
		return st.Draft
	case Submitted:
		return st.Draft
	default:
		return Draft{}
	}
}

// next picks the collection state for d: the first missing slot, or Confirm.
func next(d Draft) State {
	switch {
	case !d.Amount.Valid:
		return CollectAmount{Draft: d}
	case d.Recipient == "":
		return CollectAddress{Draft: d}
	default:
		return Confirm{Draft: d}
	}
}
