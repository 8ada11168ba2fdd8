package policy

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/cloudsteward/steward/pkg/engine"
)

// documentSchema is the structural shape of a policy document. Definitions
// are closed, so misspelled keys are rejected.
const documentSchema = `
#Mode: {
	type?:     "pull" | "periodic" | "event"
	schedule?: string
	events?: [...string]
}

#Action: string | {
	type: string & !=""
	...
}

#Policy: {
	name:         string & =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"
	resource:     string & =~"^[A-Za-z0-9_-]+(\\.[A-Za-z0-9_-]+)*$"
	description?: string
	filters?: [...{...}]
	actions?: [...#Action]
	query?: {...}
	mode?:  #Mode
	regions?: [...string & !=""]
	tags?: [...string]
}

#File: {
	policies: [...#Policy]
}
`

// SchemaValidator checks raw policy documents against the CUE schema.
type SchemaValidator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	file   cue.Value
	policy cue.Value
}

// NewSchemaValidator compiles the document schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(documentSchema, cue.Filename("policy.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile policy schema: %w", err)
	}
	return &SchemaValidator{
		ctx:    ctx,
		file:   val.LookupPath(cue.ParsePath("#File")),
		policy: val.LookupPath(cue.ParsePath("#Policy")),
	}, nil
}

// CheckFile validates a decoded document of the form {policies: [...]}.
func (sv *SchemaValidator) CheckFile(doc interface{}) error {
	return sv.check(sv.file, doc)
}

// CheckPolicy validates a single decoded policy.
func (sv *SchemaValidator) CheckPolicy(doc interface{}) error {
	return sv.check(sv.policy, doc)
}

// cue.Context is not safe for concurrent use.
func (sv *SchemaValidator) check(schema cue.Value, doc interface{}) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	data := sv.ctx.Encode(doc)
	if err := data.Err(); err != nil {
		return engine.NewSchemaError("policy document cannot be encoded", err)
	}
	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return engine.NewSchemaError("policy document does not match schema", schemaDetails(err))
	}
	return nil
}

// schemaDetails flattens CUE errors into one error naming each path.
func schemaDetails(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	msgs := make([]string, 0, len(errs))
	seen := make(map[string]bool, len(errs))
	for _, e := range errs {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path := strings.Join(e.Path(), "."); path != "" {
			msg = path + ": " + msg
		}
		if seen[msg] {
			continue
		}
		seen[msg] = true
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
