// Package helpers provides assertion helpers for tests.
package helpers

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"
)

// TestContext creates a context with timeout for testing.
func TestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// DefaultTestContext creates a context with the default 30 second timeout.
func DefaultTestContext() (context.Context, context.CancelFunc) {
	return TestContext(30 * time.Second)
}

// AssertEqual asserts that two values are equal.
func AssertEqual(t *testing.T, expected, actual interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		t.Errorf("%sExpected %v, got %v", formatMessage(msgAndArgs...), expected, actual)
	}
}

// AssertNil asserts that a value is nil.
func AssertNil(t *testing.T, actual interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if !isNil(actual) {
		t.Errorf("%sExpected nil, got %v", formatMessage(msgAndArgs...), actual)
	}
}

// AssertNotNil asserts that a value is not nil.
func AssertNotNil(t *testing.T, actual interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if isNil(actual) {
		t.Errorf("%sExpected a value, got nil", formatMessage(msgAndArgs...))
	}
}

// AssertNoError fails the test immediately on error.
func AssertNoError(t *testing.T, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf("%sUnexpected error: %v", formatMessage(msgAndArgs...), err)
	}
}

// AssertError fails the test when err is nil.
func AssertError(t *testing.T, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err == nil {
		t.Fatalf("%sExpected an error, got nil", formatMessage(msgAndArgs...))
	}
}

// AssertTrue asserts that a condition holds.
func AssertTrue(t *testing.T, condition bool, msgAndArgs ...interface{}) {
	t.Helper()
	if !condition {
		t.Errorf("%sExpected condition to be true", formatMessage(msgAndArgs...))
	}
}

// AssertContains asserts that a string slice contains a value.
func AssertContains(t *testing.T, haystack []string, needle string, msgAndArgs ...interface{}) {
	t.Helper()
	for _, item := range haystack {
		if item == needle {
			return
		}
	}
	t.Errorf("%sExpected %v to contain %q", formatMessage(msgAndArgs...), haystack, needle)
}

// AssertNotContains asserts that a string slice does not contain a value.
func AssertNotContains(t *testing.T, haystack []string, needle string, msgAndArgs ...interface{}) {
	t.Helper()
	for _, item := range haystack {
		if item == needle {
			t.Errorf("%sExpected %v to not contain %q", formatMessage(msgAndArgs...), haystack, needle)
			return
		}
	}
}

func formatMessage(msgAndArgs ...interface{}) string {
	if len(msgAndArgs) == 0 {
		return ""
	}
	if format, ok := msgAndArgs[0].(string); ok && len(msgAndArgs) > 1 {
		return fmt.Sprintf(format, msgAndArgs[1:]...) + ": "
	}
	return fmt.Sprintf("%v", msgAndArgs[0]) + ": "
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
