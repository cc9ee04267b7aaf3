// internal/workers/oracle/record-answer/handler.go
package recordanswer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"experiment-oracle/internal/common/config"
	"experiment-oracle/internal/common/errors"
	"experiment-oracle/internal/common/logger"
	"experiment-oracle/internal/common/metrics"
	"experiment-oracle/internal/common/validation"
	"experiment-oracle/internal/models"
)

const (
	TaskType = config.RecordAnswerWorker
)

// AnswerRecorder stores an answer. *answers.Recorder satisfies it.
type AnswerRecorder interface {
	Record(ctx context.Context, a models.Answer) (models.ConversationTurn, error)
}

type Handler struct {
	config       *Config
	recorder     AnswerRecorder
	errorHandler *errors.ErrorHandler
	logger       logger.Logger
}

func NewHandler(config *Config, recorder AnswerRecorder, log logger.Logger) *Handler {
	if config == nil {
		config = LoadConfig()
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		recorder:     recorder,
		errorHandler: errors.NewErrorHandler(log),
		logger:       log,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) error {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	var vars map[string]interface{}
	if err := json.Unmarshal([]byte(job.Variables), &vars); err != nil {
		h.fail(ctx, client, job, errors.NewValidationError(fmt.Sprintf("parse input: %v", err)))
		return nil
	}

	output, err := h.execute(ctx, vars)
	if err != nil {
		h.fail(ctx, client, job, err)
		return nil
	}

	return h.completeJob(ctx, client, job, output)
}

// Execute records the answer carried by vars.
func (h *Handler) Execute(ctx context.Context, vars map[string]interface{}) (*Output, error) {
	return h.execute(ctx, vars)
}

func (h *Handler) execute(ctx context.Context, vars map[string]interface{}) (*Output, error) {
	result, err := validation.ValidateAnswer(vars)
	if err != nil {
		return nil, errors.NewValidationError(err.Error())
	}
	if !result.Valid {
		return nil, errors.NewValidationError(result.Summary())
	}

	raw, err := json.Marshal(vars)
	if err != nil {
		return nil, errors.NewValidationError(err.Error())
	}
	var input Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, errors.NewValidationError(err.Error())
	}

	turn, err := h.recorder.Record(ctx, input)
	if err != nil {
		return nil, err
	}

	return &Output{
		AnswerRecorded: true,
		ConversationID: turn.ConversationID,
		TurnID:         turn.ID,
	}, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) error {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		return fmt.Errorf("create complete job command: %w", err)
	}
	if _, err := cmd.Send(ctx); err != nil {
		return fmt.Errorf("send complete job command: %w", err)
	}

	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	h.logger.Info("answer recorded", map[string]interface{}{
		"jobKey":         job.Key,
		"conversationId": output.ConversationID,
		"turnId":         output.TurnID,
	})
	return nil
}

func (h *Handler) fail(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(errors.AsStandard(err).Code)).Inc()
	h.errorHandler.HandleJobError(ctx, client, job, err)
}
