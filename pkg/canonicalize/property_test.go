//go:build property
// +build property

// Property-based tests for canonical hashing determinism.
package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestHashKeyOrderInvariance verifies the core canonicalizer guarantee:
// two objects with identical key/value sets hash identically regardless of
// construction order.
func TestHashKeyOrderInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("insertion order never changes the digest", prop.ForAll(
		func(keys []string, values []string) bool {
			forward := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				forward[keys[i]] = values[i]
			}

			// Rebuild the same map inserting in reverse.
			reverse := make(map[string]any)
			for i := min(len(keys), len(values)) - 1; i >= 0; i-- {
				reverse[keys[i]] = values[i]
			}

			h1, err1 := Hash(forward)
			h2, err2 := Hash(reverse)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("nested maps are order-invariant too", prop.ForAll(
		func(a, b string, x, y int) bool {
			if a == b {
				// Same key: insertion order decides the value, not a
				// canonicalization concern.
				return true
			}
			v1 := map[string]any{"outer": map[string]any{a: x, b: y}, "tag": a}
			v2 := map[string]any{"tag": a, "outer": map[string]any{b: y, a: x}}

			h1, err1 := Hash(v1)
			h2, err2 := Hash(v2)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Int(),
		gen.Int(),
	))

	properties.TestingRun(t)
}
