package transfer

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"neargate/fault"
)

// Request describes a single fungible-token transfer. Instances are immutable
// once validated; the dispatch pipeline passes them by value.
type Request struct {
	ReceiverID string `json:"receiverId"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo,omitempty"`
}

const (
	minAccountIDLen = 2
	maxAccountIDLen = 64
	maxMemoLen      = 256
	maxFractional   = 24
)

// accountIDPattern follows the NEAR account grammar: dot-separated segments of
// lowercase alphanumerics where `-` and `_` may only join characters, never
// lead or trail a segment.
var accountIDPattern = regexp.MustCompile(`^(([a-z\d]+[-_])*[a-z\d]+\.)*([a-z\d]+[-_])*[a-z\d]+$`)

// maxAmount bounds a single transfer at 10^12 base units.
var maxAmount = decimal.New(1, 12)

// Validate checks the request against the ingress contract. All failures are
// classified VALIDATION so handlers can map them to HTTP 400 uniformly.
func (r Request) Validate() error {
	if err := ValidateAccountID(r.ReceiverID); err != nil {
		return err
	}
	if err := validateAmount(r.Amount); err != nil {
		return err
	}
	return validateMemo(r.Memo)
}

// ValidateAccountID checks an account identifier against the chain's grammar.
func ValidateAccountID(id string) error {
	if len(id) < minAccountIDLen || len(id) > maxAccountIDLen {
		return fault.Newf(fault.KindValidation, "receiverId must be %d-%d characters", minAccountIDLen, maxAccountIDLen)
	}
	if !accountIDPattern.MatchString(id) {
		return fault.Newf(fault.KindValidation, "receiverId %q is not a valid account id", id)
	}
	return nil
}

func validateAmount(amount string) error {
	if strings.TrimSpace(amount) == "" {
		return fault.New(fault.KindValidation, "amount is required")
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return fault.Newf(fault.KindValidation, "amount %q is not a decimal number", amount)
	}
	if value.Sign() <= 0 {
		return fault.New(fault.KindValidation, "amount must be greater than zero")
	}
	if value.GreaterThan(maxAmount) {
		return fault.New(fault.KindValidation, "amount exceeds 10^12 base units")
	}
	if value.Exponent() < -maxFractional {
		return fault.Newf(fault.KindValidation, "amount has more than %d fractional digits", maxFractional)
	}
	return nil
}

func validateMemo(memo string) error {
	if len(memo) > maxMemoLen {
		return fault.Newf(fault.KindValidation, "memo exceeds %d bytes", maxMemoLen)
	}
	for i := 0; i < len(memo); i++ {
		b := memo[i]
		if b >= 0x20 && b <= 0x7e {
			continue
		}
		if b == '\t' || b == '\r' || b == '\n' {
			continue
		}
		return fault.Newf(fault.KindValidation, "memo contains non-printable byte 0x%02x", b)
	}
	return nil
}
