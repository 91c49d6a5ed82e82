package errors

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestCategories(t *testing.T) {
	tests := []struct {
		err                            error
		notFound, validation, hardware bool
	}{
		{ErrBlobNotFound, true, false, false},
		{NewNotFound("calibration", "HX711"), true, false, false},
		{ErrOutOfRange, false, true, false},
		{NewMissingField("listen"), false, true, false},
		{Hardware("sht3x", New("nack")), false, false, true},
		{ErrHomingFailed, false, false, true},
		{ErrCorruptBlob, false, false, false},
	}
	for _, tt := range tests {
		if got := IsNotFound(tt.err); got != tt.notFound {
			t.Errorf("IsNotFound(%v) = %v", tt.err, got)
		}
		if got := IsValidation(tt.err); got != tt.validation {
			t.Errorf("IsValidation(%v) = %v", tt.err, got)
		}
		if got := IsHardware(tt.err); got != tt.hardware {
			t.Errorf("IsHardware(%v) = %v", tt.err, got)
		}
	}
}

func TestErrorToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{NewValidation("w_cut", "must be finite"), http.StatusBadRequest},
		{Wrap(ErrCalibrationNotFound, "load"), http.StatusNotFound},
		{Hardware("hx711", New("timeout")), http.StatusInternalServerError},
		{ErrStorage, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := ErrorToStatus(tt.err); got != tt.want {
			t.Errorf("ErrorToStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil || Wrapf(nil, "x %d", 1) != nil || Hardware("d", nil) != nil {
		t.Fatal("wrapping nil returned an error")
	}

	err := Wrapf(ErrKeyRange, "key %d", 7)
	if err.Error() != "key 7: "+ErrKeyRange.Error() {
		t.Errorf("Wrapf = %q", err)
	}
	if !Is(err, ErrKeyRange) {
		t.Error("Wrapf lost the sentinel")
	}

	cause := New("i2c nack")
	err = Hardware("inside", cause)
	if !Is(err, cause) || !Is(err, ErrHardware) {
		t.Errorf("Hardware(%v) does not wrap both errors", err)
	}
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	if v.HasErrors() || v.Err() != nil {
		t.Fatal("empty collector reports errors")
	}

	v.Add(nil)
	v.AddField("step_times[0]", "must be 0")
	if got := v.Error(); got != NewValidation("step_times[0]", "must be 0").Error() {
		t.Errorf("single error message = %q", got)
	}

	v.AddMissing("listen")
	v.Add(fmt.Errorf("extra: %w", ErrInvalidRequest))
	err := v.Err()
	if !IsValidation(err) {
		t.Errorf("IsValidation(%v) = false", err)
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "validation failed with 3 errors:") {
		t.Errorf("message = %q", msg)
	}
	for _, want := range []string{"step_times[0]", "listen", "extra"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q misses %q", msg, want)
		}
	}
}
