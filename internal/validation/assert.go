// Package validation enforces constructor contracts. Violations are programmer
// errors, so the helpers panic instead of returning errors.
package validation

import "fmt"

// AssertNotNil panics if ptr is nil.
//
//	validation.AssertNotNil(registry, "flag registry")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}

// AssertPresent panics if an interface dependency is nil.
func AssertPresent(dep any, name string) {
	if dep == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}

// AssertPositive panics unless n is greater than zero.
func AssertPositive(n int, name string) {
	if n <= 0 {
		panic(fmt.Sprintf("critical error: %s must be positive, got %d", name, n))
	}
}
