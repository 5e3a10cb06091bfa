package seed_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/loanflow-go/internal/automation/adapters/db/dbtest"
	"github.com/loanflow-go/internal/automation/adapters/db/repository"
	"github.com/loanflow-go/internal/automation/adapters/seed"
	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doc = `
definitions:
  - id: welcome-client
    name: Welcome new client
    active: true
    triggerType: ENTITY_CREATED
    triggerConfig:
      entityType: client
    conditions:
      type: AND
      rules:
        - field: entity.source
          operator: equals
          value: referral
    actions:
      - type: SEND_EMAIL
        config:
          to: "{{client.email}}"
          subject: Welcome
      - type: WAIT
        config:
          hours: 24
    maxRetries: 5
`

func TestParse(t *testing.T) {
	defs, err := seed.Parse(strings.NewReader(doc), "seeder")
	require.NoError(t, err)
	require.Len(t, defs, 1)

	d := defs[0]
	assert.Equal(t, "welcome-client", d.ID)
	assert.True(t, d.IsActive)
	assert.Equal(t, automation.TriggerEntityCreated, d.TriggerType)
	assert.Equal(t, "client", d.TriggerConfig["entityType"])
	require.NotNil(t, d.Conditions)
	assert.Equal(t, automation.RuleAnd, d.Conditions.Type)
	require.Len(t, d.Actions, 2)
	assert.Equal(t, automation.ActionWait, d.Actions[1].Type)
	require.NotNil(t, d.MaxRetries)
	assert.Equal(t, 5, *d.MaxRetries)
	assert.Equal(t, "seeder", d.CreatedBy)
}

func TestParse_RejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown trigger": "definitions:\n  - name: x\n    triggerType: NOPE\n    actions: [{type: WAIT}]\n",
		"no actions":      "definitions:\n  - name: x\n    triggerType: MANUAL\n",
		"unknown field":   "definitions:\n  - name: x\n    trigger: MANUAL\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := seed.Parse(strings.NewReader(in), "seeder")
			assert.Error(t, err)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	defs, err := seed.Parse(strings.NewReader(""), "seeder")
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestLoader_ApplyTwicePublishesNewVersion(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewDefinitionRepository(dbtest.Open(t))
	loader := seed.NewLoader(repo, logger.NewNop())

	defs, err := seed.Parse(strings.NewReader(doc), "seeder")
	require.NoError(t, err)
	require.NoError(t, loader.Apply(ctx, defs, "seeder"))

	defs, err = seed.Parse(strings.NewReader(doc), "seeder")
	require.NoError(t, err)
	require.NoError(t, loader.Apply(ctx, defs, "seeder"))

	versions, err := repo.ListVersions(ctx, "welcome-client")
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	stored, err := repo.Get(ctx, "welcome-client")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
}

func TestSampleDefinitionsFileParses(t *testing.T) {
	f, err := os.Open("../../../../configs/definitions.yaml")
	require.NoError(t, err)
	defer f.Close()

	defs, err := seed.Parse(f, "seeder")
	require.NoError(t, err)
	assert.NotEmpty(t, defs)
}
