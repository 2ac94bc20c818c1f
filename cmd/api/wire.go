package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"comms-pipeline/internal/audit"
	"comms-pipeline/internal/calls"
	"comms-pipeline/internal/config"
	"comms-pipeline/internal/conversation"
	"comms-pipeline/internal/db"
	"comms-pipeline/internal/httpapi"
	"comms-pipeline/internal/messages"
	"comms-pipeline/internal/oracle"
	"comms-pipeline/internal/pipeline"
	"comms-pipeline/internal/routing"
	"comms-pipeline/internal/settings"
	"comms-pipeline/internal/telephony"
	"comms-pipeline/internal/telephony/email"
	"comms-pipeline/pkg/logger"
	"comms-pipeline/pkg/phone"
	"comms-pipeline/pkg/utils"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	pathVoice           = "/webhooks/twilio/voice"
	pathCallStatus      = "/webhooks/twilio/call-status"
	pathRecordingStatus = "/webhooks/twilio/recording-status"
	pathDialComplete    = "/webhooks/twilio/dial-complete"
	pathMessageStatus   = "/webhooks/twilio/message-status"
	pathInboundSMS      = "/webhooks/twilio/sms"

	leasePrefix = "comms:lease:"
)

// app holds every long-lived component of the process.
type app struct {
	cfg config.Config

	handlers httpapi.Handlers
	webhooks httpapi.Webhooks

	scheduler *messages.Scheduler
	sweeper   *messages.Sweeper
	runner    *pipeline.Runner

	// exactly one of worker / local is set
	worker *pipeline.Worker
	local  *pipeline.LocalQueue

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type ledgers struct {
	calls    calls.Repository
	messages messages.Repository
	settings settings.Reader
	contacts settings.ContactResolver
	audit    audit.Repository
}

func openLedgers(ctx context.Context, cfg config.Config, log *slog.Logger) (ledgers, *sql.DB, error) {
	if cfg.App.Store == config.StoreMemory {
		log.Warn("using in-memory ledgers; data is lost on restart")
		return ledgers{
			calls:    calls.NewMemoryRepo(),
			messages: messages.NewMemoryRepo(),
			settings: settings.NewMemoryRepo(),
			contacts: settings.NewMemoryContacts(),
			audit:    audit.NewMemoryRepo(),
		}, nil, nil
	}

	pg, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return ledgers{}, nil, fmt.Errorf("postgres: %w", err)
	}
	n, err := db.Migrate(ctx, pg, logger.Component(log, "migrate"))
	if err != nil {
		_ = pg.Close()
		return ledgers{}, nil, err
	}
	log.Info("schema up to date", "applied", n)
	return ledgers{
		calls:    calls.NewPostgresRepo(pg),
		messages: messages.NewPostgresRepo(pg),
		settings: settings.NewPostgresRepo(pg),
		contacts: settings.NewPostgresContacts(pg),
		audit:    audit.NewPostgresRepo(pg),
	}, pg, nil
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg}

	store, pg, err := openLedgers(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if pg != nil {
		a.closers = append(a.closers, func() { _ = pg.Close() })
	}

	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}

	journal := audit.NewService(store.audit, logger.Component(log, "audit"))
	norm := phone.NewNormalizer(cfg.Messaging.DefaultRegion)

	twilio, err := telephony.NewTwilioClient(telephony.TwilioOptions{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		BaseURL:    cfg.Twilio.APIBaseURL,
		Timeout:    cfg.Twilio.RequestTimeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	senders := map[messages.Channel]telephony.MessageSender{messages.ChannelSMS: twilio}
	if cfg.SMTP.Enabled() {
		smtp, err := email.NewSender(email.Options{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			FromName: cfg.SMTP.FromName,
			Timeout:  cfg.Twilio.RequestTimeout,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		senders[messages.ChannelEmail] = smtp
	} else {
		log.Warn("SMTP_HOST not set; email messages will fail")
	}

	var queue pipeline.Queue
	switch cfg.Queue.Backend {
	case config.QueueAsynq:
		if rdb == nil {
			a.Close()
			return nil, errors.New("asynq queue requires redis")
		}
		queue = pipeline.NewAsynqQueue(rdb, cfg.Queue.Name, cfg.Gemini.StageTimeout)
	default:
		a.local = pipeline.NewLocalQueue(256, logger.Component(log, "pipeline"))
		queue = a.local
	}

	callSvc := calls.NewService(calls.Deps{
		Repo:     store.calls,
		Queue:    queue,
		Settings: store.settings,
		Contacts: store.contacts,
		Dialer:   twilio,
		Fetcher:  twilio,
		Journal:  journal,
		Callbacks: calls.Callbacks{
			VoiceURL:     cfg.CallbackURL(pathVoice),
			StatusURL:    cfg.CallbackURL(pathCallStatus),
			RecordingURL: cfg.CallbackURL(pathRecordingStatus),
		},
		Normalizer:    norm,
		DefaultPolicy: calls.Policy{AutoTranscribe: true},
		Log:           logger.Component(log, "calls"),
	})

	submitter := messages.NewSubmitter(store.messages, messages.SubmitterOptions{
		Senders:           senders,
		SMSLimiter:        rate.NewLimiter(rate.Limit(cfg.Messaging.SMSPerSecond), cfg.Messaging.SMSBurst),
		StatusCallbackURL: cfg.CallbackURL(pathMessageStatus),
		MaxSweepAttempts:  cfg.Sweeper.MaxAttempts,
		Timeout:           cfg.Twilio.RequestTimeout,
		Log:               logger.Component(log, "submitter"),
	})

	var guard messages.PassGuard
	if rdb != nil {
		// A pass never outlives the staleness window.
		guard = utils.NewSlots(rdb, leasePrefix, 1, cfg.Sweeper.StaleAfter)
	}
	a.sweeper = messages.NewSweeper(store.messages, submitter, messages.SweeperOptions{
		Interval:        cfg.Sweeper.Interval,
		StaleAfter:      cfg.Sweeper.StaleAfter,
		BatchSize:       cfg.Sweeper.BatchSize,
		KickMinInterval: cfg.Sweeper.KickMinInterval,
		Guard:           guard,
		Journal:         journal,
		Log:             logger.Component(log, "sweeper"),
	})
	a.scheduler = messages.NewScheduler(store.messages, submitter, messages.SchedulerOptions{
		Interval: cfg.Scheduler.Interval,
		PageSize: cfg.Scheduler.PageSize,
		Guard:    guard,
		Log:      logger.Component(log, "scheduler"),
	})

	msgSvc := messages.NewService(messages.Deps{
		Repo:       store.messages,
		Submitter:  submitter,
		Settings:   store.settings,
		Contacts:   store.contacts,
		Normalizer: norm,
		Kicker:     a.sweeper,
		Journal:    journal,
		EmailFrom:  cfg.SMTP.From,
		Log:        logger.Component(log, "messages"),
	})

	var (
		transcriber pipeline.Transcriber = oracle.Unconfigured{}
		analyzer    pipeline.Analyzer    = oracle.Unconfigured{}
	)
	if cfg.Gemini.APIKey != "" {
		g, err := oracle.NewGemini(ctx, cfg.Gemini, oracle.Options{Log: log})
		if err != nil {
			a.Close()
			return nil, err
		}
		transcriber, analyzer = g, g
	} else {
		log.Warn("GEMINI_API_KEY not set; transcription and analysis stages will fail")
	}

	a.runner = pipeline.NewRunner(pipeline.RunnerOptions{
		Repo:         store.calls,
		Fetcher:      twilio,
		Transcriber:  transcriber,
		Analyzer:     analyzer,
		Next:         queue,
		Journal:      journal,
		StageTimeout: cfg.Gemini.StageTimeout,
		Log:          logger.Component(log, "pipeline"),
	})
	if cfg.Queue.Backend == config.QueueAsynq {
		a.worker = pipeline.NewWorker(rdb, pipeline.WorkerConfig{
			Queue:       cfg.Queue.Name,
			Concurrency: cfg.Queue.Concurrency,
		}, a.runner, logger.Component(log, "pipeline"))
	}

	a.handlers = httpapi.NewHandlers(callSvc, msgSvc, conversation.NewService(store.calls, store.messages, 0))
	a.webhooks = httpapi.Webhooks{
		Calls:    callSvc,
		Messages: msgSvc,
		Router:   routing.NewVoIPEngine(store.settings, norm, journal, logger.Component(log, "routing")),
		Journal:  journal,
		Phones:   norm,
		Dial: routing.InstructionOptions{
			RecordingStatusCallbackURL: cfg.CallbackURL(pathRecordingStatus),
			TimeoutSeconds:             30,
			DialActionURL:              cfg.CallbackURL(pathDialComplete),
		},
	}
	return a, nil
}

// runPipeline consumes stage jobs until ctx ends.
func (a *app) runPipeline(ctx context.Context) error {
	if a.worker != nil {
		return a.worker.Run(ctx)
	}
	return a.local.Run(ctx, a.runner)
}

var shutdownGrace = 20 * time.Second
