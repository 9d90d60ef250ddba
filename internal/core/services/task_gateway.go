package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
)

type taskGateway struct {
	engine   ports.EngineClient
	identity ports.RelayIdentity
	logger   *logger.Logger
}

// NewTaskGateway forwards generation tasks to the engine. identity may be nil, in which case
// tasks without a client_id are queued anonymously.
func NewTaskGateway(engine ports.EngineClient, identity ports.RelayIdentity, log *logger.Logger) ports.TaskGateway {
	if log == nil {
		log = logger.NewNop()
	}
	return &taskGateway{engine: engine, identity: identity, logger: log}
}

func (g *taskGateway) Submit(ctx context.Context, task domain.TaskDescriptor) (*domain.TaskReceipt, error) {
	if problems := ValidateTask(task); len(problems) > 0 {
		return nil, domain.NewValidationError(problems...)
	}

	payload := make(domain.TaskDescriptor, len(task)+1)
	for k, v := range task {
		payload[k] = v
	}
	if id, _ := payload["client_id"].(string); id == "" && g.identity != nil {
		if relayID := g.identity.UpstreamClientID(); relayID != "" {
			payload["client_id"] = relayID
		}
	}

	receipt, err := g.engine.QueuePrompt(ctx, payload)
	if err != nil {
		var rejected *domain.UpstreamRejectedError
		if errors.As(err, &rejected) || domain.IsEngineUnavailable(err) {
			g.logger.Warnw("task_submission_failed", "error", err)
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTaskSubmission, err)
	}

	g.logger.Infow("task_submitted", "task_id", receipt.TaskID, "number", receipt.Number, "nodes", len(payload["prompt"].(map[string]interface{})))
	return receipt, nil
}

// ValidateTask checks the structural shape of a task and returns every problem found.
func ValidateTask(task domain.TaskDescriptor) []string {
	if task == nil {
		return []string{"task body must be a JSON object"}
	}

	raw, ok := task["prompt"]
	if !ok {
		return []string{"prompt is required"}
	}
	prompt, ok := raw.(map[string]interface{})
	if !ok {
		return []string{"prompt must be an object"}
	}
	if len(prompt) == 0 {
		return []string{"prompt must contain at least one node"}
	}

	var problems []string
	if v, exists := task["client_id"]; exists {
		if _, isString := v.(string); !isString {
			problems = append(problems, "client_id must be a string")
		}
	}

	ids := make([]string, 0, len(prompt))
	for id := range prompt {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node, ok := prompt[id].(map[string]interface{})
		if !ok {
			problems = append(problems, fmt.Sprintf("node %s must be an object", id))
			continue
		}
		if classType, _ := node["class_type"].(string); classType == "" {
			problems = append(problems, fmt.Sprintf("node %s: class_type must be a non-empty string", id))
		}
		if inputs, exists := node["inputs"]; exists {
			if _, isObject := inputs.(map[string]interface{}); !isObject {
				problems = append(problems, fmt.Sprintf("node %s: inputs must be an object", id))
			}
		}
	}
	return problems
}
