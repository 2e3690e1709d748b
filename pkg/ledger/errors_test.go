package ledger

import (
	"errors"
	"testing"
)

func TestWrapErrorNilPassthrough(test *testing.T) {
	test.Parallel()
	if err := WrapError("grant", "entry", "insert", nil); err != nil {
		test.Fatalf("expected nil, got %v", err)
	}
}

func TestWrapErrorPreservesSentinel(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("grant", "entry", "duplicate", ErrDuplicateIdempotencyKey)
	if !errors.Is(wrapped, ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected wrapped sentinel to survive errors.Is, got %v", wrapped)
	}
}

func TestOperationErrorFormatsSegments(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("consume", "user", "update", ErrUserNotFound)
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "consume" {
		test.Fatalf("unexpected operation %q", operationError.Operation())
	}
	if operationError.Subject() != "user" {
		test.Fatalf("unexpected subject %q", operationError.Subject())
	}
	if operationError.Code() != "update" {
		test.Fatalf("unexpected code %q", operationError.Code())
	}
	want := "consume.user.update: user not found"
	if wrapped.Error() != want {
		test.Fatalf("expected %q, got %q", want, wrapped.Error())
	}
}
