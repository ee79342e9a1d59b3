package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/FormDrop/internal/config"
	"github.com/dharsanguruparan/FormDrop/internal/notify"
)

const (
	// MailDeliverTask is scheduled for every composed notification or
	// autoresponse.
	MailDeliverTask = "mail:deliver"
	// RecordsPurgeTask removes records past the retention window.
	RecordsPurgeTask = "records:purge"
	// UploadsSweepTask removes temp uploads nobody submitted.
	UploadsSweepTask = "uploads:sweep"
)

const mailMaxRetry = 5

// PurgePayload carries the retention window in days.
type PurgePayload struct {
	Days int `json:"days"`
}

// SweepPayload carries the minimum age of temp uploads to remove.
type SweepPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// Enqueuer is the part of *asynq.Client used here.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// RedisOpt builds the asynq connection settings from cfg.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// NewMailTask serializes msg into a delivery task.
func NewMailTask(msg *notify.Message) (*asynq.Task, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal mail payload: %w", err)
	}
	return asynq.NewTask(MailDeliverTask, data, asynq.MaxRetry(mailMaxRetry)), nil
}

// NewPurgeTask builds a retention purge task.
func NewPurgeTask(days int) (*asynq.Task, error) {
	data, err := json.Marshal(PurgePayload{Days: days})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(RecordsPurgeTask, data, asynq.MaxRetry(1)), nil
}

// NewSweepTask builds a temp upload sweep task.
func NewSweepTask(olderThan time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(SweepPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(UploadsSweepTask, data, asynq.MaxRetry(1)), nil
}

// Mailer hands messages to the worker through Redis.
type Mailer struct {
	client Enqueuer
}

// NewMailer wraps an asynq client.
func NewMailer(client Enqueuer) *Mailer {
	return &Mailer{client: client}
}

// Send enqueues msg for delivery by the worker.
func (m *Mailer) Send(ctx context.Context, msg *notify.Message) error {
	task, err := NewMailTask(msg)
	if err != nil {
		return err
	}
	if _, err := m.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue mail task: %w", err)
	}
	return nil
}
