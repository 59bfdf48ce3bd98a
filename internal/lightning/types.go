package lightning

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Payment statuses. The first three are reported by LND; the rest are
// produced by this client when a stream cannot be read to completion.
const (
	StatusSucceeded       = "SUCCEEDED"
	StatusFailed          = "FAILED"
	StatusInFlight        = "IN_FLIGHT"
	StatusTimeout         = "TIMEOUT"
	StatusUnknownPaying   = "UNKNOWNPAYING"
	StatusUnknownTracking = "UNKNOWNTRACKING"
	StatusNotFound        = "NOTFOUND"
)

// Invoice states reported by the lookup endpoint.
const (
	InvoiceOpen     = "OPEN"
	InvoiceSettled  = "SETTLED"
	InvoiceCanceled = "CANCELED"
	InvoiceAccepted = "ACCEPTED"
)

// NeedsTracking reports whether status is non-terminal and worth re-querying.
func NeedsTracking(status string) bool {
	switch status {
	case StatusInFlight, StatusTimeout, StatusUnknownPaying, StatusUnknownTracking, StatusNotFound:
		return true
	}
	return false
}

var ErrInvoiceAmountMismatch = errors.New("invoice amount does not match requested amount")

// Int64 decodes LND's int64 fields, which the REST gateway renders as JSON
// strings, while still accepting bare numbers.
type Int64 int64

func (n *Int64) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("parse int64 %q: %w", b, err)
	}
	*n = Int64(v)
	return nil
}

// Invoice is the response to invoice creation.
type Invoice struct {
	RHash          string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
	AddIndex       Int64  `json:"add_index"`
	PaymentAddr    string `json:"payment_addr,omitempty"`
}

// InvoiceStatus is the subset of the lookup response the bot uses.
type InvoiceStatus struct {
	State      string `json:"state"`
	Value      Int64  `json:"value"`
	AmtPaidSat Int64  `json:"amt_paid_sat"`
	SettleDate Int64  `json:"settle_date"`
	Memo       string `json:"memo"`
}

// DecodedInvoice is the subset of a decoded payment request the bot checks.
type DecodedInvoice struct {
	Destination string `json:"destination"`
	PaymentHash string `json:"payment_hash"`
	NumSatoshis Int64  `json:"num_satoshis"`
	NumMsat     Int64  `json:"num_msat"`
	Timestamp   Int64  `json:"timestamp"`
	Expiry      Int64  `json:"expiry"`
	Description string `json:"description"`
}

// Payment is the outcome of a payment attempt.
type Payment struct {
	Status       string
	FeeMsat      int64
	PaymentHash  string
	PaymentIndex int64
}

// Tracked is the outcome of a tracking query. FeeMsat is nil when LND did
// not report a fee.
type Tracked struct {
	Status  string
	FeeMsat *int64
}

// streamLine is one line of a router stream. It appears either bare or
// wrapped in "result".
type streamLine struct {
	Status        *string `json:"status"`
	FeeMsat       *Int64  `json:"fee_msat"`
	PaymentHash   string  `json:"payment_hash"`
	PaymentIndex  *Int64  `json:"payment_index"`
	FailureReason string  `json:"failure_reason"`
	Message       string  `json:"message"`
}

func decodeStreamLine(raw []byte) (streamLine, error) {
	var wrapped struct {
		Result *json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return streamLine{}, err
	}
	body := json.RawMessage(raw)
	if wrapped.Result != nil {
		body = *wrapped.Result
	}
	var line streamLine
	if err := json.Unmarshal(body, &line); err != nil {
		return streamLine{}, err
	}
	if line.Message == "" && wrapped.Error != nil {
		line.Message = wrapped.Error.Message
	}
	return line, nil
}

// ValidateInvoiceAmount accepts decoded only when both its satoshi and
// millisatoshi amounts equal amountSat exactly.
func ValidateInvoiceAmount(decoded *DecodedInvoice, amountSat int64) error {
	if decoded == nil {
		return fmt.Errorf("%w: invoice could not be decoded", ErrInvoiceAmountMismatch)
	}
	if int64(decoded.NumSatoshis) != amountSat {
		return fmt.Errorf("%w: num_satoshis %d, expected %d", ErrInvoiceAmountMismatch, decoded.NumSatoshis, amountSat)
	}
	if int64(decoded.NumMsat) != amountSat*1000 {
		return fmt.Errorf("%w: num_msat %d, expected %d", ErrInvoiceAmountMismatch, decoded.NumMsat, amountSat*1000)
	}
	return nil
}
