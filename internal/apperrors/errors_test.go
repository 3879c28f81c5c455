package apperrors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsKindAndCause(t *testing.T) {
	err := E(ErrNetwork, "api.GetPage", context.DeadlineExceeded)

	if !errors.Is(err, ErrNetwork) {
		t.Error("expected errors.Is(err, ErrNetwork)")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected cause to be reachable")
	}
	if errors.Is(err, ErrRemoteAPI) {
		t.Error("unexpected ErrRemoteAPI match")
	}

	wrapped := fmt.Errorf("refresh page at offset 2000: %w", err)
	if !errors.Is(wrapped, ErrNetwork) {
		t.Error("kind lost after fmt.Errorf wrapping")
	}
}

func TestErrorMessage(t *testing.T) {
	err := HTTP(ErrRemoteAPI, "api.ListCatalog", 502, errors.New("bad gateway"))
	want := "api.ListCatalog: remote API error (HTTP 502): bad gateway"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if StatusCode(err) != 502 {
		t.Errorf("StatusCode() = %d, want 502", StatusCode(err))
	}

	bare := E(ErrCache, "", nil)
	if bare.Error() != "cache error" {
		t.Errorf("Error() = %q, want %q", bare.Error(), "cache error")
	}
}

func TestInvalidFilterIsConfig(t *testing.T) {
	err := Errorf(ErrInvalidFilter, "db.ParseFilter", "unknown field %q", "colour")
	if !errors.Is(err, ErrConfig) {
		t.Error("ErrInvalidFilter should be a configuration error")
	}
	if KindOf(err) != ErrInvalidFilter {
		t.Errorf("KindOf() = %v, want ErrInvalidFilter", KindOf(err))
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"plain", errors.New("boom"), nil},
		{"config", E(ErrConfig, "config.Validate", nil), ErrConfig},
		{"network", E(ErrNetwork, "op", nil), ErrNetwork},
		{"remote", E(ErrRemoteAPI, "op", nil), ErrRemoteAPI},
		{"not found", E(ErrNotFound, "op", nil), ErrNotFound},
		{"cache", E(ErrCache, "op", nil), ErrCache},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if !IsRetryable(E(ErrNetwork, "op", nil)) {
		t.Error("network errors should be retryable")
	}
	for _, kind := range []error{ErrConfig, ErrRemoteAPI, ErrNotFound, ErrCache} {
		if IsRetryable(E(kind, "op", nil)) {
			t.Errorf("%v should not be retryable", kind)
		}
	}
}
