package authorization

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/asakaida/monban/internal/entities"
)

// DefaultProgramCacheSize is the number of compiled expressions kept by a CELEngine
const DefaultProgramCacheSize = 256

// CELEngine provides CEL expression evaluation for ABAC policies
type CELEngine struct {
	env      *cel.Env
	programs *lru.Cache[string, cel.Program]
}

// EvaluationContext contains the context data for CEL evaluation
type EvaluationContext struct {
	Subject map[string]interface{} // User attributes (e.g., subject.department, subject.tenantId)
	Context map[string]interface{} // Access context (e.g., context.location, context.deviceType)
	Request map[string]interface{} // Evaluation instant (request.hour, request.weekday, request.time)
}

// NewCELEngine creates a new CEL engine keeping up to cacheSize compiled programs.
// A non-positive cacheSize uses DefaultProgramCacheSize.
func NewCELEngine(cacheSize int) (*CELEngine, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultProgramCacheSize
	}

	env, err := cel.NewEnv(
		cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	programs, err := lru.New[string, cel.Program](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program cache: %w", err)
	}

	return &CELEngine{
		env:      env,
		programs: programs,
	}, nil
}

// NewEvaluationContext builds the CEL variables for a user and access context
func NewEvaluationContext(user *entities.User, actx *entities.AccessContext) *EvaluationContext {
	subject := map[string]interface{}{}
	if user != nil {
		subject = user.AsMap()
	}
	now := actx.Now()
	return &EvaluationContext{
		Subject: subject,
		Context: actx.AsMap(),
		Request: map[string]interface{}{
			"hour":    now.Hour(),
			"minute":  now.Minute(),
			"weekday": int(now.Weekday()),
			"time":    now,
			"date":    now.Format(time.DateOnly),
		},
	}
}

// Evaluate evaluates a CEL expression with the given context
func (e *CELEngine) Evaluate(expression string, context *EvaluationContext) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	vars := map[string]interface{}{
		"subject": orEmpty(context.Subject),
		"context": orEmpty(context.Context),
		"request": orEmpty(context.Request),
	}

	result, _, err := program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not evaluate to boolean, got: %T", result.Value())
	}

	return boolResult, nil
}

// ValidateExpression validates a CEL expression without evaluating it
func (e *CELEngine) ValidateExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("invalid CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("CEL expression must return boolean, got: %s", ast.OutputType())
	}

	return nil
}

// program returns the compiled program for expression, compiling it on first use
func (e *CELEngine) program(expression string) (cel.Program, error) {
	if p, ok := e.programs.Get(expression); ok {
		return p, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	p, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.programs.Add(expression, p)
	return p, nil
}

// CachedPrograms returns the number of compiled programs currently cached
func (e *CELEngine) CachedPrograms() int {
	return e.programs.Len()
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
