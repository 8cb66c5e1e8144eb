// Package crm carries action steps out against the CRM. The engine treats
// delivery as an external concern, so the executor here validates the tool
// name, emits the step as a structured event, and records it for telemetry;
// a deployment swaps in its own transport behind the same interface.
package crm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	relayotel "github.com/relaycrm/relay/internal/otel"
	"github.com/relaycrm/relay/internal/procmem"
)

var tracer = relayotel.Tracer("github.com/relaycrm/relay/internal/crm")

// Tools the planner may emit. Anything else is rejected before dispatch.
var knownTools = map[string]bool{
	"crm.send_email":     true,
	"crm.send_sms":       true,
	"crm.schedule_call":  true,
	"crm.update_contact": true,
	"crm.create_task":    true,
}

// ErrUnknownTool is returned for steps naming a tool outside the CRM surface.
var ErrUnknownTool = fmt.Errorf("unknown tool")

// Executor dispatches procedure steps as structured CRM events.
type Executor struct{}

// NewExecutor returns the logging executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// ExecuteStep validates and emits one step.
func (e *Executor) ExecuteStep(ctx context.Context, tenantID string, step procmem.Step) error {
	_, span := tracer.Start(ctx, "crm.execute_step",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("tool", step.Tool),
		))
	defer span.End()

	if !knownTools[step.Tool] {
		err := fmt.Errorf("%w: %s", ErrUnknownTool, step.Tool)
		span.RecordError(err)
		return err
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("tool", step.Tool).
		Int("arg_count", len(step.Args)).
		Msg("crm_step_dispatched")
	return nil
}
