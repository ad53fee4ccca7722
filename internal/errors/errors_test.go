package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad request", BadRequest("bad"), http.StatusBadRequest},
		{"not found", NotFound("job", "1"), http.StatusNotFound},
		{"conflict", Conflict("expired"), http.StatusBadRequest},
		{"insufficient balance", InsufficientBalance("t", 1, 2), http.StatusPaymentRequired},
		{"unavailable", Unavailable("none"), http.StatusNotFound},
		{"unauthorized", Unauthorized("no"), http.StatusUnauthorized},
		{"rate limited", RateLimitExceeded(1, "1m0s"), http.StatusTooManyRequests},
		{"internal", Internal("boom", nil), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("ctx: %w", NotFound("job", "1")), http.StatusNotFound},
		{"plain", stderrors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsAndAs(t *testing.T) {
	err := fmt.Errorf("sign: %w", Conflict("job %s expired", "j1"))
	if !Is(err, CodeConflict) {
		t.Fatal("expected conflict code")
	}
	if Is(err, CodeNotFound) {
		t.Fatal("unexpected not found code")
	}
	se, ok := As(err)
	if !ok || se.Message != "job j1 expired" {
		t.Fatalf("As() = %v, %v", se, ok)
	}
	if _, ok := As(stderrors.New("plain")); ok {
		t.Fatal("plain error is not a ServiceError")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("db down")
	err := Internal("failed to load job", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("cause not reachable through Unwrap")
	}
	if err.Error() != "failed to load job: db down" {
		t.Errorf("Error() = %q", err.Error())
	}

	base := Unauthorized("invalid token")
	wrapped := base.Wrap(cause)
	if base.Err != nil {
		t.Error("Wrap must not mutate the receiver")
	}
	if !stderrors.Is(wrapped, cause) {
		t.Error("wrapped cause not reachable")
	}
}
