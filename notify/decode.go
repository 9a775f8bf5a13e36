/*
Package notify decodes gateway reconciliation notifications into ledger records.

PURPOSE:
  The gateway calls back when an asynchronous transaction settles. The
  caller has already authenticated the request; this package only turns
  the body into TransactionRecords.

PAYLOAD:
  {
    "order_id": "order-1",             // optional, resolved by transaction id otherwise
    "checkout": { ...leg... },         // optional hosted payment page wrapper
    "transaction": { ...leg... }       // the settled leg
  }

  A leg carries unique_id, transaction_type, status, amount and optionally
  parent_id, reference_id, currency, timestamp, terminal_token, message.
  When a checkout leg is present and the transaction names no parent, the
  transaction is linked to the checkout.
*/
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/payment-ledger/ledger"
)

// ErrMalformed is returned for bodies that are not a valid notification.
var ErrMalformed = errors.New("malformed notification")

type Leg struct {
	UniqueID      string `json:"unique_id" validate:"required,max=128"`
	ParentID      string `json:"parent_id" validate:"omitempty,max=128"`
	ReferenceID   string `json:"reference_id" validate:"omitempty,max=128"`
	Kind          string `json:"transaction_type" validate:"required"`
	Status        string `json:"status" validate:"required"`
	Amount        string `json:"amount" validate:"required,numeric"`
	Currency      string `json:"currency" validate:"omitempty,len=3,uppercase"`
	Timestamp     string `json:"timestamp" validate:"omitempty"`
	TerminalToken string `json:"terminal_token"`
	Message       string `json:"message"`
}

type Payload struct {
	OrderID     string `json:"order_id" validate:"omitempty,max=128"`
	Checkout    *Leg   `json:"checkout"`
	Transaction *Leg   `json:"transaction" validate:"required"`
}

var validate = validator.New()

// Decode reads one notification. Records are returned wrapper first.
func Decode(r io.Reader) (Payload, []ledger.TransactionRecord, error) {
	var p Payload
	dec := json.NewDecoder(r)
	if err := dec.Decode(&p); err != nil {
		return Payload{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	records, err := p.Records()
	if err != nil {
		return Payload{}, nil, err
	}
	return p, records, nil
}

// Records validates the payload and converts it.
func (p Payload) Records() ([]ledger.TransactionRecord, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var records []ledger.TransactionRecord
	if p.Checkout != nil {
		wrapper, err := p.Checkout.record()
		if err != nil {
			return nil, err
		}
		records = append(records, wrapper)
	}

	leg, err := p.Transaction.record()
	if err != nil {
		return nil, err
	}
	if p.Checkout != nil && leg.ParentID == "" && leg.ReferenceID == "" && leg.UniqueID != p.Checkout.UniqueID {
		leg.ParentID = p.Checkout.UniqueID
	}
	return append(records, leg), nil
}

func (l Leg) record() (ledger.TransactionRecord, error) {
	amount, err := decimal.NewFromString(l.Amount)
	if err != nil {
		return ledger.TransactionRecord{}, fmt.Errorf("%w: amount %q: %v", ErrMalformed, l.Amount, err)
	}
	if amount.IsNegative() {
		return ledger.TransactionRecord{}, fmt.Errorf("%w: negative amount %s", ErrMalformed, l.Amount)
	}

	var created time.Time
	if l.Timestamp != "" {
		created, err = time.Parse(time.RFC3339, l.Timestamp)
		if err != nil {
			return ledger.TransactionRecord{}, fmt.Errorf("%w: timestamp %q: %v", ErrMalformed, l.Timestamp, err)
		}
		created = created.UTC()
	}

	return ledger.TransactionRecord{
		UniqueID:      strings.TrimSpace(l.UniqueID),
		ParentID:      strings.TrimSpace(l.ParentID),
		ReferenceID:   strings.TrimSpace(l.ReferenceID),
		Kind:          ledger.ParseKind(l.Kind),
		Status:        ledger.ParseStatus(l.Status),
		Amount:        amount,
		Currency:      l.Currency,
		CreatedAt:     created,
		TerminalToken: l.TerminalToken,
		Message:       l.Message,
	}, nil
}
