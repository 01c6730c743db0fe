package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/openconverge/openconverge/pkg/engine"
)

// documentSchema constrains CUE desired state documents before decoding.
// Unifying with the schema catches type errors with CUE's own diagnostics
// instead of Go decode failures.
const documentSchema = `
version: "1"
settings?: {
	max_retries?:      int & >=0
	max_cycles?:       int & >=0
	backoff_base?:     string
	backoff_cap?:      string
	max_parallel?:     int & >=0
	allow_destructive?: bool
	lease_path?:       string
}
resources: [...{
	kind:  string
	name:  string
	state: string
	owner?: string
	params?: [string]: string
	continue_on_failure?: bool
	max_retries?: int & >=0
}]
`

// CUEParser parses CUE desired state documents.
type CUEParser struct {
	ctx *cue.Context
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{ctx: cuecontext.New()}
}

// Parse compiles CUE source, unifies it with the document schema, and
// converts the result to the engine's model.
func (p *CUEParser) Parse(data []byte) (*engine.DesiredState, error) {
	schema := p.ctx.CompileString(documentSchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("internal schema error: %w", err)
	}

	value := p.ctx.CompileBytes(data)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile CUE desired state: %s", cueDetails(err))
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("CUE desired state does not satisfy the schema: %s", cueDetails(err))
	}

	var doc Document
	if err := unified.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode CUE desired state: %s", cueDetails(err))
	}

	return doc.ToDesiredState()
}

// cueDetails renders CUE errors with positions, one per line.
func cueDetails(err error) string {
	return cueerrors.Details(err, nil)
}
