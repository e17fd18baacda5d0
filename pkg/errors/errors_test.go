package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New("test error")
	if err == nil {
		t.Fatal("New() returned nil")
	}

	if !strings.Contains(err.Error(), "test error") {
		t.Errorf("Expected error message to contain 'test error', got: %s", err.Error())
	}

	if err.Location() == "" {
		t.Error("Location should not be empty")
	}
}

func TestWrap(t *testing.T) {
	baseErr := errors.New("base error")
	err := Wrap(baseErr, "wrapped")

	if err == nil {
		t.Fatal("Wrap() returned nil")
	}

	if !strings.Contains(err.Error(), "wrapped") {
		t.Errorf("Expected error message to contain 'wrapped', got: %s", err.Error())
	}

	unwrapped := errors.Unwrap(err)
	if unwrapped != baseErr {
		t.Errorf("Unwrap() returned wrong error: %v", unwrapped)
	}
}

func TestWithField(t *testing.T) {
	err := New("test error").WithField("key", "value")

	fields := err.GetFields()
	if len(fields) != 1 {
		t.Fatalf("Expected 1 field, got %d", len(fields))
	}

	if fields["key"] != "value" {
		t.Errorf("Expected field['key'] = 'value', got: %v", fields["key"])
	}
}

func TestEngineCodePreserved(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int32
	}{
		{"initialization", NewInitializationError(-60008, "license rejected"), -60008},
		{"authentication", NewAuthenticationFailed(-57), -57},
		{"registration", NewRegistrationFailed(403, "Forbidden"), 403},
		{"api call", NewAPICallFailed("hold", -12), -12},
	}

	for _, tc := range cases {
		code, ok := EngineCode(tc.err)
		if !ok {
			t.Errorf("%s: EngineCode() should find a code", tc.name)
			continue
		}
		if code != tc.code {
			t.Errorf("%s: expected code %d, got %d", tc.name, tc.code, code)
		}
		if !errors.Is(tc.err, ErrEngineCall) {
			t.Errorf("%s: should match ErrEngineCall", tc.name)
		}
	}
}

func TestEngineCodeAbsent(t *testing.T) {
	if _, ok := EngineCode(NewSessionNotFound(4)); ok {
		t.Error("local errors should not carry an engine code")
	}
	if _, ok := EngineCode(errors.New("plain")); ok {
		t.Error("plain errors should not carry an engine code")
	}
}

func TestSentinelMatching(t *testing.T) {
	if !errors.Is(NewDuplicateSession(9), ErrSessionExists) {
		t.Error("NewDuplicateSession should match ErrSessionExists")
	}
	if !errors.Is(NewSessionNotFound(9), ErrSessionNotFound) {
		t.Error("NewSessionNotFound should match ErrSessionNotFound")
	}
	if !errors.Is(NewInvalidState("hold", "ringing"), ErrInvalidState) {
		t.Error("NewInvalidState should match ErrInvalidState")
	}
	if !errors.Is(NewNotInitialised("register"), ErrNotInitialised) {
		t.Error("NewNotInitialised should match ErrNotInitialised")
	}
}

func TestErrorCodes(t *testing.T) {
	if got := GetErrorCode(NewDuplicateSession(1)); got != "DUPLICATE_SESSION_ID" {
		t.Errorf("unexpected code: %s", got)
	}
	if got := GetErrorCode(NewNotInitialised("register")); got != "NOT_INITIALISED" {
		t.Errorf("unexpected code: %s", got)
	}
}
