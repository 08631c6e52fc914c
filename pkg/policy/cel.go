package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// CEL checks see the request as a single "request" map using its JSON field
// names, e.g. request.action.type or request.context.environment.
var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func sharedEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		)
		if celEnvErr != nil {
			celEnvErr = fmt.Errorf("failed to create CEL env: %w", celEnvErr)
		}
	})
	return celEnv, celEnvErr
}

// CELCheck passes when its expression evaluates to true. A false result is
// reported as OnFalse (FAIL unless configured as WARN). Evaluation errors,
// such as a reference to a key the request does not carry, are UNKNOWN.
type CELCheck struct {
	id         string
	kind       contracts.PolicyKind
	required   bool
	expression string
	rationale  string
	onFalse    contracts.CheckOutcome
	prg        cel.Program
}

// CELSpec declares a CEL check.
type CELSpec struct {
	ID         string               `yaml:"id" json:"id"`
	Kind       contracts.PolicyKind `yaml:"kind" json:"kind"`
	Required   bool                 `yaml:"required" json:"required"`
	Expression string               `yaml:"expression" json:"expression"`
	Rationale  string               `yaml:"rationale,omitempty" json:"rationale,omitempty"`
	// OnFalse is FAIL or WARN. Defaults to FAIL.
	OnFalse contracts.CheckOutcome `yaml:"on_false,omitempty" json:"on_false,omitempty"`
}

// NewCELCheck compiles spec. Compile errors are returned here, never at
// evaluation time.
func NewCELCheck(spec CELSpec) (*CELCheck, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("CEL check without id")
	}
	env, err := sharedEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(spec.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error in %s: %w", spec.ID, issues.Err())
	}
	if err := checkFieldPaths(ast); err != nil {
		return nil, fmt.Errorf("check %s: %w", spec.ID, err)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error in %s: %w", spec.ID, err)
	}

	onFalse := spec.OnFalse
	switch onFalse {
	case "":
		onFalse = contracts.CheckFail
	case contracts.CheckFail, contracts.CheckWarn:
	default:
		return nil, fmt.Errorf("check %s: on_false must be FAIL or WARN, got %q", spec.ID, onFalse)
	}

	return &CELCheck{
		id:         spec.ID,
		kind:       spec.Kind,
		required:   spec.Required,
		expression: spec.Expression,
		rationale:  spec.Rationale,
		onFalse:    onFalse,
		prg:        prg,
	}, nil
}

func (c *CELCheck) ID() string                 { return c.id }
func (c *CELCheck) Kind() contracts.PolicyKind { return c.kind }
func (c *CELCheck) Required() bool             { return c.required }
func (c *CELCheck) Expression() string         { return c.expression }

func (c *CELCheck) Evaluate(_ context.Context, req contracts.ExecutionRequest) (contracts.CheckOutcome, string, error) {
	input, err := requestInput(req)
	if err != nil {
		return contracts.CheckUnknown, "", err
	}
	out, _, err := c.prg.Eval(map[string]any{"request": input})
	if err != nil {
		return contracts.CheckUnknown, "", fmt.Errorf("CEL eval error: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return contracts.CheckUnknown, "", fmt.Errorf("result not boolean")
	}
	if ok {
		return contracts.CheckPass, "", nil
	}
	rationale := c.rationale
	if rationale == "" {
		rationale = c.expression
	}
	return c.onFalse, rationale, nil
}

func requestInput(req contracts.ExecutionRequest) (map[string]any, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
