package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/flowcanvas/companion/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticIdentity string

func (s staticIdentity) UpstreamClientID() string { return string(s) }

func validTask() domain.TaskDescriptor {
	return domain.TaskDescriptor{
		"prompt": map[string]interface{}{
			"1": map[string]interface{}{
				"class_type": "CheckpointLoaderSimple",
				"inputs":     map[string]interface{}{"ckpt_name": "sdxl.safetensors"},
			},
			"2": map[string]interface{}{
				"class_type": "SaveImage",
			},
		},
	}
}

func TestTaskGatewaySubmitsAndInjectsClientID(t *testing.T) {
	engine := &fakeEngine{}
	g := NewTaskGateway(engine, staticIdentity("relay-client"), nil)

	receipt, err := g.Submit(context.Background(), validTask())
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.TaskID)

	queued := engine.queuedPayloads()
	require.Len(t, queued, 1)
	assert.Equal(t, "relay-client", queued[0]["client_id"])
}

func TestTaskGatewayKeepsCallerClientID(t *testing.T) {
	engine := &fakeEngine{}
	g := NewTaskGateway(engine, staticIdentity("relay-client"), nil)

	task := validTask()
	task["client_id"] = "editor-window-2"
	_, err := g.Submit(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, "editor-window-2", engine.queuedPayloads()[0]["client_id"])
}

func TestTaskGatewayEachSubmitIsDistinct(t *testing.T) {
	engine := &fakeEngine{}
	g := NewTaskGateway(engine, nil, nil)

	first, err := g.Submit(context.Background(), validTask())
	require.NoError(t, err)
	second, err := g.Submit(context.Background(), validTask())
	require.NoError(t, err)

	assert.NotEqual(t, first.TaskID, second.TaskID)
	assert.Len(t, engine.queuedPayloads(), 2)
}

func TestTaskGatewayValidationNeverReachesEngine(t *testing.T) {
	engine := &fakeEngine{}
	g := NewTaskGateway(engine, nil, nil)

	cases := map[string]domain.TaskDescriptor{
		"missing prompt":  {"client_id": "x"},
		"prompt not obj":  {"prompt": "draw a cat"},
		"empty prompt":    {"prompt": map[string]interface{}{}},
		"node not object": {"prompt": map[string]interface{}{"1": 5}},
		"missing class":   {"prompt": map[string]interface{}{"1": map[string]interface{}{"inputs": map[string]interface{}{}}}},
		"inputs not obj":  {"prompt": map[string]interface{}{"1": map[string]interface{}{"class_type": "X", "inputs": []interface{}{}}}},
		"client_id type":  {"prompt": validTask()["prompt"], "client_id": 7},
	}
	for name, task := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := g.Submit(context.Background(), task)
			var validation *domain.ValidationError
			require.ErrorAs(t, err, &validation)
			assert.NotEmpty(t, validation.Problems)
		})
	}
	assert.Empty(t, engine.queuedPayloads())
}

func TestValidateTaskListsEveryProblem(t *testing.T) {
	problems := ValidateTask(domain.TaskDescriptor{
		"prompt": map[string]interface{}{
			"1": map[string]interface{}{"class_type": ""},
			"2": map[string]interface{}{"class_type": "X", "inputs": "bad"},
		},
	})
	assert.Len(t, problems, 2)
}

func TestTaskGatewayPassesEngineErrorsThrough(t *testing.T) {
	rejected := &domain.UpstreamRejectedError{Op: "queue_prompt", Status: 400, Body: []byte(`{"error":"invalid prompt"}`)}
	g := NewTaskGateway(&fakeEngine{queueErr: rejected}, nil, nil)

	_, err := g.Submit(context.Background(), validTask())
	var got *domain.UpstreamRejectedError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, `{"error":"invalid prompt"}`, string(got.Body))

	g = NewTaskGateway(&fakeEngine{queueErr: fmt.Errorf("%w: dial", domain.ErrEngineUnavailable)}, nil, nil)
	_, err = g.Submit(context.Background(), validTask())
	assert.True(t, domain.IsEngineUnavailable(err))
}
