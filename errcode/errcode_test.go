// errcode/errcode_test.go
package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestOfReturnsOutermostCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, OK},
		{"direct", New(Timeout, "op", "msg"), Timeout},
		{"wrapped cause keeps outer code", Wrap(Transport, "op", New(Timeout, "inner", "msg")), Transport},
		{"bare code", Malformed, Malformed},
		{"fmt-wrapped code", fmt.Errorf("read: %w", Timeout), Timeout},
		{"plain error", errors.New("boom"), Error},
	}
	for _, c := range cases {
		if got := Of(c.err); got != c.want {
			t.Errorf("%s: Of = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestIsMatchesAnywhereInChain(t *testing.T) {
	// Transport wrapping a Timeout: both codes are present in the chain.
	err := Wrap(Transport, "request", New(Timeout, "read", "no response"))
	if !Is(err, Transport) {
		t.Error("outer code not matched")
	}
	if !Is(err, Timeout) {
		t.Error("inner code not matched")
	}
	if Is(err, Malformed) {
		t.Error("absent code matched")
	}
}

func TestIsThroughForeignWrappers(t *testing.T) {
	err := fmt.Errorf("poll: %w", Wrap(Transport, "request", Timeout))
	if !Is(err, Transport) || !Is(err, Timeout) {
		t.Errorf("codes lost through fmt wrapping: %v", err)
	}
}

func TestIsNilAndUncoded(t *testing.T) {
	if !Is(nil, OK) {
		t.Error("nil error must match OK")
	}
	if Is(nil, Timeout) {
		t.Error("nil error matched a non-OK code")
	}
	if Is(errors.New("boom"), Error) {
		t.Error("uncoded error carries no code and must not match")
	}
}

func TestErrorFormatting(t *testing.T) {
	err := Wrap(Transport, "st10 write", errors.New("broken pipe"))
	if got := err.Error(); got != "st10 write: transport: broken pipe" {
		t.Errorf("unexpected message %q", got)
	}
}
