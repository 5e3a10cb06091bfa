package repository

import (
	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/internal/domain/crm"
)

// Models lists every table the automation worker migrates.
func Models() []interface{} {
	return []interface{}{
		&automation.WorkflowDefinition{},
		&automation.WorkflowVersion{},
		&automation.WorkflowExecution{},
		&automation.WorkflowExecutionLog{},
		&crm.Client{},
		&crm.Task{},
		&crm.Note{},
		&crm.ClientTag{},
		&crm.Document{},
		&crm.Activity{},
	}
}
