package script

import (
	"fmt"

	"github.com/dbtoolkit/sysmigrate/internal/catalog"
)

// Statement is one opaque statement of a transfer script. Statements
// must be applied in the order they appear in the script.
type Statement struct {
	Category catalog.Category
	Object   string
	SQL      string
}

// Diagnostic records an object that was skipped during generation
// because its definition could not be scripted.
type Diagnostic struct {
	Category catalog.Category
	Object   string
	Reason   string
}

// Script is the ordered statement sequence that recreates one
// database's selected object set on a target, plus any generation
// diagnostics. A script is generated fresh for every (database,
// destination) pair and never reused.
type Script struct {
	Statements  []Statement
	Diagnostics []Diagnostic
}

// GenerationError reports an object whose recreation statement could
// not be produced. It aborts generation only when the policy disables
// ContinueOnGenerationError.
type GenerationError struct {
	Category catalog.Category
	Object   string
	Reason   string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("cannot script %s %s: %s", e.Category, e.Object, e.Reason)
}
