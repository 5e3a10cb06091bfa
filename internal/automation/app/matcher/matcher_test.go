package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/loanflow-go/internal/automation/app/rules"
	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) ListActiveByTrigger(ctx context.Context, trigger automation.TriggerType) ([]*automation.WorkflowDefinition, error) {
	args := m.Called(ctx, trigger)
	defs, _ := args.Get(0).([]*automation.WorkflowDefinition)
	return defs, args.Error(1)
}

func definition(id string, trigger automation.TriggerType, cfg map[string]interface{}, cond *automation.Rule) *automation.WorkflowDefinition {
	return &automation.WorkflowDefinition{
		ID:            id,
		Name:          id,
		IsActive:      true,
		TriggerType:   trigger,
		TriggerConfig: cfg,
		Conditions:    cond,
		Actions:       []automation.Action{{Type: automation.ActionSendEmail}},
	}
}

func ruleRef(r automation.Rule) *automation.Rule { return &r }

func newMatcher(defs ...*automation.WorkflowDefinition) (*Matcher, *mockSource) {
	src := &mockSource{}
	src.On("ListActiveByTrigger", mock.Anything, mock.Anything).Return(defs, nil)
	return New(src, rules.NewEvaluator(), logger.NewNop()), src
}

func ids(res Result) []string {
	out := make([]string, 0, len(res.Matches))
	for _, m := range res.Matches {
		out = append(out, m.Definition.ID)
	}
	return out
}

func TestBuildContext(t *testing.T) {
	ctx := BuildContext(automation.TriggerEvent{
		TriggerType: automation.TriggerEntityCreated,
		EntityType:  "client",
		EntityID:    "c1",
		Entity:      map[string]interface{}{"status": "LEAD"},
		ClientID:    "c1",
		Extra:       map[string]interface{}{"source": "web", "entity": "overwritten"},
	})

	assert.Equal(t, "web", ctx["source"])
	assert.Equal(t, map[string]interface{}{"status": "LEAD"}, ctx["entity"])
	assert.Equal(t, ctx["entity"], ctx["client"])
	assert.Equal(t, "c1", ctx["clientId"])
	assert.Equal(t, "ENTITY_CREATED", ctx["trigger"].(map[string]interface{})["type"])
}

func TestMatch_ClientStatusEqualsLead(t *testing.T) {
	lead := definition("lead", automation.TriggerEntityCreated, nil,
		ruleRef(automation.Leaf("client.status", automation.OpEquals, "LEAD")))
	anyDef := definition("any", automation.TriggerEntityCreated, nil, nil)
	m, src := newMatcher(lead, anyDef)

	res, err := m.Match(context.Background(), automation.TriggerEvent{
		TriggerType: automation.TriggerEntityCreated,
		EntityType:  "client",
		EntityID:    "c1",
		Entity:      map[string]interface{}{"status": "LEAD"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"lead", "any"}, ids(res))
	src.AssertCalled(t, "ListActiveByTrigger", mock.Anything, automation.TriggerEntityCreated)

	res, err = m.Match(context.Background(), automation.TriggerEvent{
		TriggerType: automation.TriggerEntityCreated,
		EntityType:  "client",
		Entity:      map[string]interface{}{"status": "CLIENT"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"any"}, ids(res))
}

func TestMatch_TriggerConfigFilters(t *testing.T) {
	tests := []struct {
		name    string
		def     *automation.WorkflowDefinition
		event   automation.TriggerEvent
		matched bool
	}{
		{
			name:    "entity type mismatch",
			def:     definition("d", automation.TriggerEntityCreated, map[string]interface{}{"entityType": "task"}, nil),
			event:   automation.TriggerEvent{TriggerType: automation.TriggerEntityCreated, EntityType: "client"},
			matched: false,
		},
		{
			name: "status change matches both ends",
			def: definition("d", automation.TriggerEntityStatusChanged,
				map[string]interface{}{"fromStatus": "LEAD", "toStatus": "PRE_APPROVED"}, nil),
			event: automation.TriggerEvent{TriggerType: automation.TriggerEntityStatusChanged, EntityType: "client",
				Extra: map[string]interface{}{"oldStatus": "LEAD", "newStatus": "PRE_APPROVED"}},
			matched: true,
		},
		{
			name: "status change wrong target",
			def: definition("d", automation.TriggerEntityStatusChanged,
				map[string]interface{}{"toStatus": "CLOSED"}, nil),
			event: automation.TriggerEvent{TriggerType: automation.TriggerEntityStatusChanged,
				Extra: map[string]interface{}{"oldStatus": "LEAD", "newStatus": "PRE_APPROVED"}},
			matched: false,
		},
		{
			name:    "inactivity threshold met",
			def:     definition("d", automation.TriggerInactivity, map[string]interface{}{"inactiveDays": 30}, nil),
			event:   automation.TriggerEvent{TriggerType: automation.TriggerInactivity, Extra: map[string]interface{}{"daysInactive": 45}},
			matched: true,
		},
		{
			name:    "inactivity threshold not met",
			def:     definition("d", automation.TriggerInactivity, map[string]interface{}{"inactiveDays": 60.0}, nil),
			event:   automation.TriggerEvent{TriggerType: automation.TriggerInactivity, Extra: map[string]interface{}{"daysInactive": 45}},
			matched: false,
		},
		{
			name:    "due within hoursBefore",
			def:     definition("d", automation.TriggerDueDate, map[string]interface{}{"hoursBefore": "24"}, nil),
			event:   automation.TriggerEvent{TriggerType: automation.TriggerDueDate, Extra: map[string]interface{}{"hoursUntilDue": 5.0}},
			matched: true,
		},
		{
			name:    "due too far out",
			def:     definition("d", automation.TriggerDueDate, map[string]interface{}{"hoursBefore": 2}, nil),
			event:   automation.TriggerEvent{TriggerType: automation.TriggerDueDate, Extra: map[string]interface{}{"hoursUntilDue": 5.0}},
			matched: false,
		},
		{
			name:    "overdue long enough",
			def:     definition("d", automation.TriggerTaskOverdue, map[string]interface{}{"minDaysOverdue": 3}, nil),
			event:   automation.TriggerEvent{TriggerType: automation.TriggerTaskOverdue, Extra: map[string]interface{}{"daysOverdue": 3}},
			matched: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newMatcher(tt.def)
			res, err := m.Match(context.Background(), tt.event)
			require.NoError(t, err)
			assert.Empty(t, res.Failures)
			assert.Equal(t, tt.matched, len(res.Matches) == 1)
		})
	}
}

func TestMatch_IsolatesMisconfiguredDefinitions(t *testing.T) {
	badConfig := definition("bad-config", automation.TriggerInactivity, map[string]interface{}{"inactiveDays": "soon"}, nil)
	badRule := definition("bad-rule", automation.TriggerInactivity, nil, &automation.Rule{Field: "x", Operator: "regex"})
	good := definition("good", automation.TriggerInactivity, map[string]interface{}{"inactiveDays": 7}, nil)
	m, _ := newMatcher(badConfig, badRule, good)

	res, err := m.Match(context.Background(), automation.TriggerEvent{
		TriggerType: automation.TriggerInactivity,
		Extra:       map[string]interface{}{"daysInactive": 10},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, ids(res))
	require.Len(t, res.Failures, 2)
	assert.ErrorIs(t, res.Failures[0].Err, ErrInvalidTriggerConfig)
	assert.ErrorIs(t, res.Failures[1].Err, rules.ErrUnknownOperator)
}

func TestMatch_CustomWarningsAreCarried(t *testing.T) {
	def := definition("d", automation.TriggerManual, nil, ruleRef(automation.Or(
		automation.Custom("((("),
		automation.Leaf("entity.status", automation.OpExists, nil),
	)))
	m, _ := newMatcher(def)

	res, err := m.Match(context.Background(), automation.TriggerEvent{
		TriggerType: automation.TriggerManual,
		Entity:      map[string]interface{}{"status": "LEAD"},
	})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Len(t, res.Matches[0].Warnings, 1)
}

func TestMatch_SourceErrorSurfaces(t *testing.T) {
	src := &mockSource{}
	src.On("ListActiveByTrigger", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))
	m := New(src, rules.NewEvaluator(), logger.NewNop())

	_, err := m.Match(context.Background(), automation.TriggerEvent{TriggerType: automation.TriggerManual})
	assert.Error(t, err)
}
