package cel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"captainhook/pkg/models"
)

// Evaluator compiles and runs subscription conditions against a message.
// Compiled programs are cached by expression.
type Evaluator struct {
	env      *cel.Env
	programs sync.Map
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("message_id", cel.StringType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("trace", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	return nil
}

// EvaluateFilter reports whether msg satisfies expression. An empty
// expression always matches.
func (e *Evaluator) EvaluateFilter(ctx context.Context, expression string, msg models.MessageEnvelope) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	payload := map[string]interface{}{}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return false, fmt.Errorf("payload is not a JSON object: %w", err)
		}
	}

	trace := msg.TraceContext
	if trace == nil {
		trace = map[string]string{}
	}

	vars := map[string]interface{}{
		"message_id": msg.MessageID,
		"event_type": msg.EventType,
		"timestamp":  msg.Timestamp,
		"payload":    payload,
		"trace":      trace,
	}

	result, _, err := program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	if p, ok := e.programs.Load(expression); ok {
		return p.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.programs.Store(expression, program)
	return program, nil
}
