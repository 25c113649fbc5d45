package capability

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestWildcardAlwaysPermitsProperty verifies the contractual matcher table
// entry `{kind: "*"}` permits anything: for any single-segment kind, the
// unconditional wildcard pattern always matches.
func TestWildcardAlwaysPermitsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	segment := gen.RegexMatch(`[a-z]{1,8}`)

	properties.Property("kind wildcard matches any single segment kind", prop.ForAll(
		func(k string) bool {
			return Permits(Set{{KindPattern: "*"}}, k, nil)
		},
		segment,
	))

	properties.TestingRun(t)
}

// TestDoubleStarMatchesAnyDepthProperty verifies that "prefix/**" matches a
// kind built from "prefix" followed by any number of additional segments.
func TestDoubleStarMatchesAnyDepthProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	segments := gen.SliceOf(gen.RegexMatch(`[a-z]{1,6}`))

	properties.Property("reasoning/** matches any depth under reasoning", prop.ForAll(
		func(extra []string) bool {
			kind := "reasoning/" + strings.Join(extra, "/")
			return Permits(Set{{KindPattern: "reasoning/**"}}, kind, nil)
		},
		segments,
	))

	properties.TestingRun(t)
}

// TestEmptyCapabilitySetNeverPermitsProperty verifies that
// an empty capability list permits nothing, regardless of kind or payload.
func TestEmptyCapabilitySetNeverPermitsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	segment := gen.RegexMatch(`[a-z/]{1,12}`)

	properties.Property("empty capability set permits nothing", prop.ForAll(
		func(k string) bool {
			return !Permits(Set{}, k, nil)
		},
		segment,
	))

	properties.TestingRun(t)
}
