// Package app assembles FormDrop's components from the runtime
// configuration. Postgres, S3 and Redis are used when configured; otherwise
// the in-process fallbacks take their place.
package app

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FormDrop/internal/api"
	"github.com/dharsanguruparan/FormDrop/internal/captcha"
	"github.com/dharsanguruparan/FormDrop/internal/config"
	"github.com/dharsanguruparan/FormDrop/internal/database"
	"github.com/dharsanguruparan/FormDrop/internal/forms"
	"github.com/dharsanguruparan/FormDrop/internal/mail"
	"github.com/dharsanguruparan/FormDrop/internal/notify"
	"github.com/dharsanguruparan/FormDrop/internal/processing"
	"github.com/dharsanguruparan/FormDrop/internal/queue"
	"github.com/dharsanguruparan/FormDrop/internal/render"
	"github.com/dharsanguruparan/FormDrop/internal/repository"
	"github.com/dharsanguruparan/FormDrop/internal/retention"
	"github.com/dharsanguruparan/FormDrop/internal/s3storage"
	"github.com/dharsanguruparan/FormDrop/internal/server"
	"github.com/dharsanguruparan/FormDrop/internal/session"
	"github.com/dharsanguruparan/FormDrop/internal/signing"
	"github.com/dharsanguruparan/FormDrop/internal/storage"
	"github.com/dharsanguruparan/FormDrop/internal/submission"
	"github.com/dharsanguruparan/FormDrop/internal/upload"
	"github.com/dharsanguruparan/FormDrop/internal/validation"
	"github.com/dharsanguruparan/FormDrop/internal/worker"
)

// Core holds the components shared by the server, the worker and the CLI.
type Core struct {
	Config    *config.Config
	Records   storage.Records
	Blobs     storage.Blobs
	Uploads   *upload.Manager
	Templates *mail.Registry
	Sender    *mail.Sender

	closers []func()
}

// NewCore opens the stores and builds the mail sender.
func NewCore(ctx context.Context, cfg *config.Config) (*Core, error) {
	c := &Core{Config: cfg}
	if err := c.openRecords(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.openBlobs(ctx); err != nil {
		c.Close()
		return nil, err
	}

	var err error
	c.Uploads, err = upload.NewManager(upload.Options{
		Dir:          cfg.UploadDir,
		MaxSize:      cfg.MaxFileSize,
		AllowedTypes: cfg.AllowedTypes,
		TokenTTL:     cfg.UploadTokenTTL,
	}, signing.NewSigner([]byte(cfg.SigningSecret)))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("init uploads: %w", err)
	}
	c.Templates, err = mail.NewRegistry(cfg.TemplatesDir)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("load mail templates: %w", err)
	}
	c.Sender = mail.NewSender(mail.SMTPConfig{
		Addr:     cfg.SMTPAddr,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
		Timeout:  cfg.MailTimeout,
	}, c.Templates, c.Blobs)
	return c, nil
}

func (c *Core) openRecords(ctx context.Context) error {
	if c.Config.DatabaseURL == "" {
		log.Warn("FORMDROP_DATABASE_URL not set; records are kept in memory")
		c.Records = storage.NewMemoryStore()
		return nil
	}
	pool, err := database.Connect(ctx, c.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	c.closers = append(c.closers, pool.Close)
	c.Records = repository.NewRecordRepository(pool)
	return nil
}

// Migrate applies the database schema. It is a no-op for the memory store.
func (c *Core) Migrate(ctx context.Context) error {
	if c.Config.DatabaseURL == "" {
		return nil
	}
	pool, err := database.Connect(ctx, c.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return database.EnsureSchema(ctx, pool)
}

func (c *Core) openBlobs(ctx context.Context) error {
	if !c.Config.UseS3() {
		disk, err := storage.NewDiskStore(c.Config.AttachmentDir)
		if err != nil {
			return fmt.Errorf("init attachment dir: %w", err)
		}
		c.Blobs = disk
		return nil
	}
	s3, err := s3storage.New(c.Config)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	c.Blobs = s3
	return nil
}

// Purger removes records past the retention window.
func (c *Core) Purger() *retention.Purger {
	return retention.New(c.Records, c.Blobs)
}

// Close releases every connection the core opened.
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// NewServer builds the HTTP server. ctx bounds the in-process mail
// dispatcher when no Redis queue is configured.
func (c *Core) NewServer(ctx context.Context) (*server.Server, error) {
	cfg := c.Config
	registry, err := forms.LoadFile(cfg.FormsFile)
	if err != nil {
		return nil, err
	}

	verifier := captcha.New(cfg.RecaptchaSiteKey, cfg.RecaptchaSecretKey,
		captcha.WithEndpoint(cfg.RecaptchaEndpoint),
		captcha.WithTimeout(cfg.RecaptchaTimeout),
	)
	validator, err := validation.New(validation.WithRule(captcha.RuleName, verifier.Rule()))
	if err != nil {
		return nil, err
	}
	for _, alias := range registry.Aliases() {
		form, _ := registry.Get(alias)
		if err := validator.Check(form.Rules); err != nil {
			return nil, fmt.Errorf("form %q rules: %w", alias, err)
		}
		if form.Recaptcha.Enabled && verifier.Misconfigured() {
			log.WithField("form", alias).Warn("recaptcha enabled but site or secret key missing")
		}
	}

	renderer, err := render.New(cfg.PartialsDir)
	if err != nil {
		return nil, fmt.Errorf("load partials: %w", err)
	}
	sessions, err := session.NewStore(cfg.SessionHashKey, cfg.SessionBlockKey, cfg.SessionSecure)
	if err != nil {
		return nil, err
	}

	pipeline := submission.New(submission.Deps{
		Validator:   validator,
		Captcha:     verifier,
		Store:       c.Records,
		Uploads:     c.Uploads,
		Archive:     c.Blobs,
		Mailer:      c.mailer(ctx),
		Composer:    notify.NewComposer(c.Templates),
		Renderer:    renderer,
		CSRFEnabled: cfg.CSRFEnabled,
	})
	return server.New(server.Deps{
		Address:     cfg.Address,
		Forms:       registry,
		Pipeline:    pipeline,
		Sessions:    sessions,
		Captcha:     verifier,
		Renderer:    renderer,
		Uploads:     api.NewUploads(c.Uploads),
		MaxFileSize: c.Uploads.MaxSize(),
		TrustProxy:  cfg.TrustProxy,
	}), nil
}

// mailer picks the asynq queue when Redis is configured and the in-process
// dispatcher otherwise.
func (c *Core) mailer(ctx context.Context) submission.Mailer {
	if c.Config.UseQueue() {
		client := asynq.NewClient(queue.RedisOpt(c.Config))
		c.closers = append(c.closers, func() { _ = client.Close() })
		return queue.NewMailer(client)
	}
	d := processing.New(c.Sender, c.Config.ProcessingPool)
	d.Start(ctx)
	c.closers = append(c.closers, d.Stop)
	return d
}

// NewWorker builds the asynq task processor.
func (c *Core) NewWorker() *worker.Processor {
	return worker.NewProcessor(c.Sender, c.Purger(), c.Uploads)
}
