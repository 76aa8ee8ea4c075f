package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"tagged", NewError(KindNotFound, "gone"), KindNotFound},
		{"wrapped tagged", fmt.Errorf("outer: %w", NewError(KindConflict, "busy")), KindConflict},
		{"untagged", errors.New("boom"), KindInternal},
		{"cause preserved", WrapError(KindStoreUnavailable, "db", errors.New("conn refused")), KindStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapErrorUnwrap(t *testing.T) {
	cause := errors.New("conn refused")
	err := WrapError(KindStoreUnavailable, "db down", cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if !IsKind(err, KindStoreUnavailable) {
		t.Error("IsKind should match the wrapping kind")
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(NewError(KindProviderUnavailable, "down")) {
		t.Error("provider_unavailable should be transient")
	}
	if !IsTransient(NewError(KindStoreUnavailable, "down")) {
		t.Error("store_unavailable should be transient")
	}
	if IsTransient(NewError(KindValidation, "bad input")) {
		t.Error("validation must not be transient")
	}
	if IsTransient(NewError(KindConflict, "resolved already")) {
		t.Error("conflict must not be transient")
	}
}

func TestWithDetails(t *testing.T) {
	err := NewError(KindContextLimit, "too long").WithDetails(map[string]interface{}{
		"model":          "m-small",
		"current_tokens": 9000,
		"limit":          8192,
	})
	if err.Details["model"] != "m-small" {
		t.Errorf("details not attached: %v", err.Details)
	}
}

func TestValidRole(t *testing.T) {
	for _, role := range []string{RoleUser, RoleAssistant, RoleSystem, RoleTool} {
		if !ValidRole(role) {
			t.Errorf("ValidRole(%q) = false", role)
		}
	}
	if ValidRole("moderator") {
		t.Error("unknown role accepted")
	}
}

func TestToolBareName(t *testing.T) {
	tool := Tool{Name: "files.read_file", ServerName: "files"}
	if got := tool.BareName(); got != "read_file" {
		t.Errorf("BareName() = %q, want %q", got, "read_file")
	}

	unqualified := Tool{Name: "read_file"}
	if got := unqualified.BareName(); got != "read_file" {
		t.Errorf("BareName() = %q, want %q", got, "read_file")
	}
}
