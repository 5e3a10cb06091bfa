// Package seed loads workflow definitions from YAML and publishes them.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/pkg/logger"
	"gopkg.in/yaml.v3"
)

type document struct {
	Definitions []definition `yaml:"definitions"`
}

type definition struct {
	ID            string                 `yaml:"id"`
	Name          string                 `yaml:"name"`
	Description   string                 `yaml:"description"`
	Active        bool                   `yaml:"active"`
	Template      bool                   `yaml:"template"`
	TriggerType   string                 `yaml:"triggerType"`
	TriggerConfig map[string]interface{} `yaml:"triggerConfig"`
	Conditions    *automation.Rule       `yaml:"conditions"`
	Actions       []automation.Action    `yaml:"actions"`
	MaxRetries    *int                   `yaml:"maxRetries"`
}

// Parse decodes a definitions document and validates every entry.
func Parse(r io.Reader, createdBy string) ([]*automation.WorkflowDefinition, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode definitions: %w", err)
	}

	defs := make([]*automation.WorkflowDefinition, 0, len(doc.Definitions))
	for i, d := range doc.Definitions {
		def := automation.NewWorkflowDefinition(d.Name, automation.TriggerType(d.TriggerType), createdBy)
		if d.ID != "" {
			def.ID = d.ID
		}
		def.Description = d.Description
		def.IsActive = d.Active
		def.IsTemplate = d.Template
		if d.TriggerConfig != nil {
			def.TriggerConfig = d.TriggerConfig
		}
		def.Conditions = d.Conditions
		def.Actions = d.Actions
		def.MaxRetries = d.MaxRetries

		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("definition %d (%s): %w", i, d.Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

type Store interface {
	Create(ctx context.Context, d *automation.WorkflowDefinition) error
	Get(ctx context.Context, id string) (*automation.WorkflowDefinition, error)
	Update(ctx context.Context, d *automation.WorkflowDefinition) error
	Publish(ctx context.Context, id, publishedBy string) (*automation.WorkflowVersion, error)
}

type Loader struct {
	store  Store
	logger logger.Logger
}

func NewLoader(store Store, log logger.Logger) *Loader {
	return &Loader{store: store, logger: log}
}

// Apply creates or updates each definition and publishes a new version of it.
func (l *Loader) Apply(ctx context.Context, defs []*automation.WorkflowDefinition, publishedBy string) error {
	for _, def := range defs {
		existing, err := l.store.Get(ctx, def.ID)
		switch {
		case errors.Is(err, automation.ErrDefinitionNotFound):
			if err := l.store.Create(ctx, def); err != nil {
				return fmt.Errorf("failed to create definition %s: %w", def.ID, err)
			}
		case err != nil:
			return fmt.Errorf("failed to load definition %s: %w", def.ID, err)
		default:
			def.Version = existing.Version
			def.CreatedAt = existing.CreatedAt
			if err := l.store.Update(ctx, def); err != nil {
				return fmt.Errorf("failed to update definition %s: %w", def.ID, err)
			}
		}

		version, err := l.store.Publish(ctx, def.ID, publishedBy)
		if err != nil {
			return fmt.Errorf("failed to publish definition %s: %w", def.ID, err)
		}
		l.logger.Info("Definition published", "id", def.ID, "name", def.Name, "version", version.Version)
	}
	return nil
}
