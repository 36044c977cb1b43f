package repoapi

import (
	"testing"

	"studycore/testutil"
)

// TestAPIBoundaryGuards enforces that the repository contracts stay free
// of engine internals: backends implement them, they never reach back.
func TestAPIBoundaryGuards(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.EngineInternalForbidden,
		"contract package must not import engine internals")
	testutil.AssertNoTransitiveDependency(t, ".", testutil.EngineInternalForbidden,
		"contract package must not reach engine internals transitively")
}
