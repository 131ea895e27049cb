package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation", Validationf("bad %s", "x"), KindValidation},
		{"wrapped not found", fmt.Errorf("lookup: %w", NotFoundf("vm %q", "a")), KindNotFound},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("exec: %w", context.DeadlineExceeded), KindTimeout},
		{"plain", errors.New("boom"), KindInternal},
		{"external", External("VBoxManage failed", "stderr"), KindExternalTool},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Errorf("%s: KindOf = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestIsMatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Conflictf("VM %q is running", "a"))
	if !errors.Is(err, ErrStateConflict) {
		t.Error("expected errors.Is to match ErrStateConflict")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("did not expect match with ErrNotFound")
	}
	// Two concrete errors of the same kind are not equal to each other.
	if errors.Is(Conflictf("a"), Conflictf("b")) {
		t.Error("concrete errors should not match each other")
	}
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Kind: KindTimeout, Message: "startvm", Err: context.DeadlineExceeded}
	if e.Error() != "startvm: context deadline exceeded" {
		t.Errorf("unexpected message %q", e.Error())
	}
	if !errors.Is(e, context.DeadlineExceeded) {
		t.Error("expected Unwrap to expose the cause")
	}
}

func TestRawAndTransient(t *testing.T) {
	e := External("failed", "VBOX_E_IPRT_ERROR")
	e.Transient = true
	wrapped := fmt.Errorf("list: %w", e)
	if RawOf(wrapped) != "VBOX_E_IPRT_ERROR" {
		t.Errorf("RawOf = %q", RawOf(wrapped))
	}
	if !IsTransient(wrapped) {
		t.Error("expected transient")
	}
	if IsTransient(errors.New("x")) {
		t.Error("plain errors are not transient")
	}
}

func TestIsAmbiguous(t *testing.T) {
	if !IsAmbiguous(Timeoutf("t")) || !IsAmbiguous(External("x", "")) {
		t.Error("timeouts and external failures are ambiguous")
	}
	if IsAmbiguous(Validationf("v")) || IsAmbiguous(NotFoundf("n")) || IsAmbiguous(Conflictf("c")) {
		t.Error("pre-flight errors are not ambiguous")
	}
}
