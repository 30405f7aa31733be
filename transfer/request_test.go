package transfer

import (
	"strings"
	"testing"

	"neargate/fault"
)

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	req := Request{ReceiverID: "alice.testnet", Amount: "100", Memo: "benchmark run 7"}
	if err := req.Validate(); err != nil {
		t.Fatalf("expected request to validate, got %v", err)
	}
}

func TestValidateAccountID(t *testing.T) {
	valid := []string{
		"alice.testnet",
		"a1",
		"sub.acct-1.near",
		"under_score.near",
		strings.Repeat("a", 64),
	}
	for _, id := range valid {
		if err := ValidateAccountID(id); err != nil {
			t.Errorf("expected %q to be valid, got %v", id, err)
		}
	}

	invalid := []string{
		"",
		"a",
		".foo.near",
		"foo.near.",
		"foo..near",
		"UPPER.TESTNET",
		"has space.near",
		"-leading.near",
		"trailing-.near",
		strings.Repeat("a", 65),
	}
	for _, id := range invalid {
		err := ValidateAccountID(id)
		if err == nil {
			t.Errorf("expected %q to be rejected", id)
			continue
		}
		if !fault.IsKind(err, fault.KindValidation) {
			t.Errorf("expected VALIDATION kind for %q, got %v", id, fault.KindOf(err))
		}
	}
}

func TestValidateAmount(t *testing.T) {
	cases := []struct {
		amount string
		ok     bool
	}{
		{"1", true},
		{"100", true},
		{"1000000000000", true},
		{"0.5", true},
		{"0.000000000000000000000001", true},
		{"", false},
		{"0", false},
		{"-1", false},
		{"1e13", false},
		{"1000000000001", false},
		{"0.0000000000000000000000001", false},
		{"abc", false},
	}
	for _, tc := range cases {
		req := Request{ReceiverID: "alice.testnet", Amount: tc.amount}
		err := req.Validate()
		if tc.ok && err != nil {
			t.Errorf("amount %q: expected valid, got %v", tc.amount, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("amount %q: expected rejection", tc.amount)
			} else if !fault.IsKind(err, fault.KindValidation) {
				t.Errorf("amount %q: expected VALIDATION, got %v", tc.amount, fault.KindOf(err))
			}
		}
	}
}

func TestValidateMemo(t *testing.T) {
	ok := Request{ReceiverID: "alice.testnet", Amount: "1", Memo: "line one\nline two\ttabbed"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected printable memo to validate, got %v", err)
	}

	nul := Request{ReceiverID: "alice.testnet", Amount: "1", Memo: "bad\x00memo"}
	if err := nul.Validate(); err == nil {
		t.Fatal("expected memo with NUL byte to be rejected")
	}

	long := Request{ReceiverID: "alice.testnet", Amount: "1", Memo: strings.Repeat("x", 257)}
	if err := long.Validate(); err == nil {
		t.Fatal("expected 257 byte memo to be rejected")
	}
}
