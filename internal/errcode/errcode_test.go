package errcode

import (
	"errors"
	"fmt"
	"testing"
)

const errSample Code = "sample"

func TestE_IsMatchesCode(t *testing.T) {
	cause := errors.New("bus nak")
	err := fmt.Errorf("cycle: %w", New(errSample, "sensor.read", cause))

	if !errors.Is(err, errSample) {
		t.Fatalf("errors.Is(err, errSample) = false, want true")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
	if errors.Is(err, Code("other")) {
		t.Fatalf("errors.Is(err, other) = true, want false")
	}
}

func TestE_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *E
		want string
	}{
		{name: "code only", err: &E{C: errSample}, want: "sample"},
		{name: "with op", err: &E{C: errSample, Op: "wifi.scan"}, want: "wifi.scan: sample"},
		{name: "with msg", err: Newf(errSample, "wifi.scan", "no radio"), want: "wifi.scan: sample: no radio"},
		{name: "with cause", err: New(errSample, "", errors.New("boom")), want: "sample: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOf(t *testing.T) {
	if got := Of(nil); got != "" {
		t.Errorf("Of(nil) = %q, want empty", got)
	}
	if got := Of(errSample); got != errSample {
		t.Errorf("Of(code) = %q, want %q", got, errSample)
	}
	wrapped := fmt.Errorf("outer: %w", New(errSample, "op", nil))
	if got := Of(wrapped); got != errSample {
		t.Errorf("Of(wrapped) = %q, want %q", got, errSample)
	}
	if got := Of(errors.New("plain")); got != Unknown {
		t.Errorf("Of(plain) = %q, want %q", got, Unknown)
	}
}
