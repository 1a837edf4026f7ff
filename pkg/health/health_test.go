package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckerRegistry(t *testing.T) {
	ok := NewCheckerFunc("broker", func(ctx context.Context) error { return nil })
	down := NewCheckerFunc("state", func(ctx context.Context) error { return errors.New("connection refused") })
	flaky := NewCheckerFunc("subscriptions", func(ctx context.Context) error { return errors.New("stale") })

	tests := []struct {
		name  string
		setup func(r *CheckerRegistry)
		want  Status
	}{
		{"no checkers", func(r *CheckerRegistry) {}, StatusHealthy},
		{"all healthy", func(r *CheckerRegistry) { r.Register(ok) }, StatusHealthy},
		{"optional failure degrades", func(r *CheckerRegistry) { r.Register(ok); r.RegisterOptional(flaky) }, StatusDegraded},
		{"required failure", func(r *CheckerRegistry) { r.Register(down); r.RegisterOptional(flaky) }, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewCheckerRegistry()
			tt.setup(r)
			h := r.Check(context.Background())
			assert.Equal(t, tt.want, h.Status)
		})
	}
}

func TestCheckerRegistry_ReportsMessages(t *testing.T) {
	r := NewCheckerRegistry()
	r.Register(NewCheckerFunc("state", func(ctx context.Context) error { return errors.New("connection refused") }))

	h := r.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Checks["state"].Status)
	assert.Equal(t, "connection refused", h.Checks["state"].Message)
}

func TestKafkaChecker_NoBrokers(t *testing.T) {
	assert.Error(t, NewKafkaChecker(nil).Check(context.Background()))
}
