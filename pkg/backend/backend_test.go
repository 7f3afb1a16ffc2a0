package backend

import (
	"errors"
	"fmt"
	"testing"
)

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrNoAccount, "no-account"},
		{fmt.Errorf("upload: %w", ErrExists), "exists"},
		{fmt.Errorf("list: %w", ErrNoNet), "no-net"},
		{errors.New("boom"), ReasonUnknown},
	}

	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestFromReasonRoundTrip(t *testing.T) {
	for _, r := range reasons {
		if got := FromReason(r.reason); got != r.err {
			t.Errorf("FromReason(%q) = %v, want %v", r.reason, got, r.err)
		}
	}
	if FromReason("nonsense") != nil {
		t.Error("FromReason(nonsense) should be nil")
	}
}

func TestJoinSplitPath(t *testing.T) {
	if got := JoinPath("0xabc", ""); got != "0xabc" {
		t.Errorf("JoinPath root = %q", got)
	}
	if got := JoinPath("0xabc", "/docs/a.txt"); got != "0xabc/docs/a.txt" {
		t.Errorf("JoinPath = %q", got)
	}

	account, rel := SplitPath("0xabc/docs/a.txt")
	if account != "0xabc" || rel != "docs/a.txt" {
		t.Errorf("SplitPath = %q, %q", account, rel)
	}
	account, rel = SplitPath("0xabc")
	if account != "0xabc" || rel != "" {
		t.Errorf("SplitPath root = %q, %q", account, rel)
	}
}

func TestValidName(t *testing.T) {
	for _, name := range []string{"docs", "a.txt", "with space"} {
		if !ValidName(name) {
			t.Errorf("ValidName(%q) = false", name)
		}
	}
	for _, name := range []string{"", ".", "..", "a/b"} {
		if ValidName(name) {
			t.Errorf("ValidName(%q) = true", name)
		}
	}
}
