package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FormDrop/internal/notify"
	"github.com/dharsanguruparan/FormDrop/internal/queue"
)

// Deliverer sends one message synchronously.
type Deliverer interface {
	Send(ctx context.Context, msg *notify.Message) error
}

// Purger removes records past the retention window.
type Purger interface {
	Purge(ctx context.Context, days int) (int, error)
}

// Sweeper removes stale temp uploads.
type Sweeper interface {
	Sweep(age time.Duration) (int, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	mail    Deliverer
	purger  Purger
	sweeper Sweeper
}

// NewProcessor constructs a worker processor. purger and sweeper may be nil,
// in which case their tasks are not registered.
func NewProcessor(mail Deliverer, purger Purger, sweeper Sweeper) *Processor {
	return &Processor{mail: mail, purger: purger, sweeper: sweeper}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.MailDeliverTask, p.handleMail)
	if p.purger != nil {
		mux.HandleFunc(queue.RecordsPurgeTask, p.handlePurge)
	}
	if p.sweeper != nil {
		mux.HandleFunc(queue.UploadsSweepTask, p.handleSweep)
	}
	return mux
}

func (p *Processor) handleMail(ctx context.Context, task *asynq.Task) error {
	var msg notify.Message
	if err := json.Unmarshal(task.Payload(), &msg); err != nil {
		return fmt.Errorf("decode mail payload: %v: %w", err, asynq.SkipRetry)
	}
	entry := log.WithFields(log.Fields{"kind": msg.Kind, "record": msg.Data.ID})
	if err := p.mail.Send(ctx, &msg); err != nil {
		entry.WithError(err).Warn("mail delivery attempt failed")
		return err
	}
	return nil
}

func (p *Processor) handlePurge(ctx context.Context, task *asynq.Task) error {
	var payload queue.PurgePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode purge payload: %v: %w", err, asynq.SkipRetry)
	}
	_, err := p.purger.Purge(ctx, payload.Days)
	return err
}

func (p *Processor) handleSweep(_ context.Context, task *asynq.Task) error {
	var payload queue.SweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode sweep payload: %v: %w", err, asynq.SkipRetry)
	}
	n, err := p.sweeper.Sweep(payload.OlderThan)
	if err != nil {
		return err
	}
	log.WithField("removed", n).Info("temp uploads swept")
	return nil
}
