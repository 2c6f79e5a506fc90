package gberrors

import (
	"fmt"
	"testing"
)

func TestToResult(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Result
	}{
		{"nil", nil, ResultSuccess},
		{"invalid", ErrInvalid, ResultInvalid},
		{"wrapped invalid", fmt.Errorf("bad bundle id: %w", ErrInvalid), ResultInvalid},
		{"validation error", &ValidationError{Field: "cport", Message: "duplicate id"}, ResultInvalid},
		{"nonexistent", ErrNonexistent, ResultNonexistent},
		{"unknown", fmt.Errorf("boom"), ResultUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToResult(tt.err); got != tt.want {
				t.Errorf("ToResult(%v) = %#x, want %#x", tt.err, got, tt.want)
			}
		})
	}
}

func TestResultString(t *testing.T) {
	tests := []struct {
		r    Result
		want string
	}{
		{ResultSuccess, "success"},
		{ResultInvalid, "invalid"},
		{ResultUnknown, "unknown"},
		{Result(0x77), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.r.String(); got != tt.want {
			t.Errorf("Result(%#x).String() = %q, want %q", tt.r, got, tt.want)
		}
	}
}
