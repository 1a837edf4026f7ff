package cel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"captainhook/pkg/models"
)

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidateFilterExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{
			name:      "valid bool expression",
			expr:      `payload.status == "active"`,
			wantError: false,
		},
		{
			name:      "non-bool expression",
			expr:      `payload.amount`,
			wantError: true,
		},
		{
			name:      "invalid expression",
			expr:      `invalid syntax here!!!`,
			wantError: true,
		},
		{
			name:      "undefined variable",
			expr:      `source == "api"`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateFilterExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateFilterExpression_SubscriptionConditions(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	conditions := map[string]string{
		"simple_equals":       `payload.status == "active"`,
		"simple_not_equals":   `payload.status != "inactive"`,
		"numeric_greater":     `payload.amount > 100.0`,
		"string_contains":     `payload.email.contains("@example.com")`,
		"in_list":             `payload.status in ["active", "pending", "processing"]`,
		"nested_field":        `payload.customer.tier == "premium"`,
		"has_field":           `has(payload.email) && payload.email != ""`,
		"event_type":          `event_type == "OrderPlaced"`,
		"combined_conditions": `(payload.status == "active" || payload.status == "pending") && payload.amount > 50.0`,
		"sampled_trace":       `has(trace.traceparent) && trace.traceparent.endsWith("-01")`,
	}

	for name, expr := range conditions {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, eval.ValidateFilterExpression(expr))
		})
	}
}

func TestEvaluateFilter(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	ctx := context.Background()
	msg := models.MessageEnvelope{
		MessageID: "test-id",
		EventType: "OrderPlaced",
		Timestamp: time.Now(),
		Payload:   []byte(`{"status":"active","amount":150.0,"email":"user@example.com","customer":{"tier":"premium"}}`),
		TraceContext: map[string]string{
			"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"empty expression", ``, true},
		{"simple equality true", `payload.status == "active"`, true},
		{"simple equality false", `payload.status == "inactive"`, false},
		{"numeric comparison", `payload.amount > 100.0`, true},
		{"contains", `payload.email.contains("@other.com")`, false},
		{"nested field", `payload.customer.tier == "premium"`, true},
		{"event type", `event_type == "OrderPlaced"`, true},
		{"trace context", `trace.traceparent.endsWith("-01")`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eval.EvaluateFilter(ctx, tt.expr, msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, result)
		})
	}
}

func TestEvaluateFilter_Errors(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = eval.EvaluateFilter(ctx, `payload.amount`, models.MessageEnvelope{Payload: []byte(`{"amount":1}`)})
	assert.Error(t, err)

	_, err = eval.EvaluateFilter(ctx, `payload.a == 1`, models.MessageEnvelope{Payload: []byte(`[1,2]`)})
	assert.Error(t, err)

	_, err = eval.EvaluateFilter(ctx, `payload.missing == "x"`, models.MessageEnvelope{Payload: []byte(`{}`)})
	assert.Error(t, err, "missing keys are evaluation errors, use has() to guard")
}

func TestEvaluateFilter_CachesPrograms(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	msg := models.MessageEnvelope{Payload: []byte(`{"status":"active"}`)}
	for i := 0; i < 3; i++ {
		ok, err := eval.EvaluateFilter(context.Background(), `payload.status == "active"`, msg)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	count := 0
	eval.programs.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	assert.Equal(t, 1, count)
}
