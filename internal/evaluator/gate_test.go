package evaluator

import (
	"errors"
	"testing"

	"wisefido-autooff/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubPredicate struct {
	result bool
	err    error
	panics bool
	calls  int
}

func (s *stubPredicate) Evaluate(expression string, snapshot *models.EntityState) (bool, error) {
	s.calls++
	if s.panics {
		panic("boom")
	}
	return s.result, s.err
}

func TestGate_EmptyConditionSkipsEvaluator(t *testing.T) {
	p := &stubPredicate{result: false}
	g := NewGate(p, zap.NewNop())

	assert.True(t, g.Allow("", &models.EntityState{EntityID: "light.x", State: "on"}))
	assert.True(t, g.Allow("   ", nil))
	assert.Equal(t, 0, p.calls)
}

func TestGate_DelegatesToPredicate(t *testing.T) {
	p := &stubPredicate{result: true}
	g := NewGate(p, zap.NewNop())
	assert.True(t, g.Allow("state == 'on'", &models.EntityState{EntityID: "light.x", State: "on"}))

	p.result = false
	assert.False(t, g.Allow("state == 'on'", &models.EntityState{EntityID: "light.x", State: "on"}))
	assert.Equal(t, 2, p.calls)
}

func TestGate_ErrorDenies(t *testing.T) {
	g := NewGate(&stubPredicate{result: true, err: errors.New("missing reference")}, zap.NewNop())
	assert.False(t, g.Allow("foo", &models.EntityState{EntityID: "light.x"}))
}

func TestGate_PanicDenies(t *testing.T) {
	g := NewGate(&stubPredicate{panics: true}, zap.NewNop())
	assert.False(t, g.Allow("foo", &models.EntityState{EntityID: "light.x"}))
}

func TestGate_NilPredicateDenies(t *testing.T) {
	g := NewGate(nil, zap.NewNop())
	assert.False(t, g.Allow("state == 'on'", nil))
	assert.True(t, g.Allow("", nil))
}

func TestGate_ConditionNotMetLogsAtDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	g := NewGate(&stubPredicate{result: false}, zap.New(core))

	snapshot := &models.EntityState{EntityID: "light.porch", State: "on"}
	assert.False(t, g.Allow(`sun == "below_horizon"`, snapshot))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.DebugLevel, entry.Level)
	assert.Equal(t, "Condition not met, timer not started", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "light.porch", fields["entity_id"])
	assert.Equal(t, `sun == "below_horizon"`, fields["condition"])

	// Info 级别下不输出
	assert.Zero(t, logs.FilterLevelExact(zapcore.InfoLevel).Len())
}
