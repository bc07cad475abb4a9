// Command gateway runs the chat-facing half of the system: it loads
// configuration, wires every pipeline component, starts the enabled
// chat channels, and pumps inbound messages from pkg/bus into
// pkg/router.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kapy9250/cli-gateway-sub000/pkg/agent"
	"github.com/kapy9250/cli-gateway-sub000/pkg/audit"
	"github.com/kapy9250/cli-gateway-sub000/pkg/auth"
	"github.com/kapy9250/cli-gateway-sub000/pkg/billing"
	"github.com/kapy9250/cli-gateway-sub000/pkg/bus"
	"github.com/kapy9250/cli-gateway-sub000/pkg/channels"
	"github.com/kapy9250/cli-gateway-sub000/pkg/config"
	"github.com/kapy9250/cli-gateway-sub000/pkg/logger"
	"github.com/kapy9250/cli-gateway-sub000/pkg/memory"
	"github.com/kapy9250/cli-gateway-sub000/pkg/privileged"
	"github.com/kapy9250/cli-gateway-sub000/pkg/router"
	"github.com/kapy9250/cli-gateway-sub000/pkg/session"
	"github.com/kapy9250/cli-gateway-sub000/pkg/streaming"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./config.json", "path to the gateway JSON config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer log.Sync()

	log.Info("gateway starting",
		logger.String("instance_id", cfg.Runtime.InstanceID),
		logger.String("mode", cfg.Runtime.Mode))

	r := router.New(cfg, log)

	r.Auth = auth.New(
		auth.WithStatePath(cfg.Auth.StatePath),
		auth.WithMaxRequestsPerMinute(cfg.Auth.RateLimitPerMinute),
		auth.WithLogger(log.With(logger.String("component", "auth"))),
		auth.WithChannelAllowed(map[string][]string{
			"telegram": cfg.Channels.Telegram.AllowFrom,
			"discord":  cfg.Channels.Discord.AllowFrom,
			"email":    cfg.Channels.Email.AllowFrom,
		}),
	)

	r.Sessions = session.NewManager(
		session.WithStatePath(cfg.Session.StatePath),
		session.WithMaxSessionsPerUser(cfg.Session.MaxSessionsPerUser),
		session.WithCleanupInactiveAfterHours(cfg.Session.CleanupInactiveAfterHrs),
		session.WithLogger(log.With(logger.String("component", "session"))),
	)

	billingTracker, err := billing.NewTracker(cfg.Billing.Dir, log.With(logger.String("component", "billing")))
	if err != nil {
		log.Error("failed to init billing tracker", logger.Err(err))
		os.Exit(1)
	}
	r.Billing = billingTracker

	r.Formatter = streaming.NewFormatter(cfg.Formatter.MaxMessageLength, cfg.Formatter.ParseMode)

	r.TwoFactor = privileged.NewTwoFactorManager(privileged.TwoFactorManagerConfig{
		Enabled:              cfg.TwoFactor.Enabled,
		Issuer:               cfg.TwoFactor.Issuer,
		StatePath:            cfg.TwoFactor.StatePath,
		TTLSeconds:           cfg.TwoFactor.TTLSeconds,
		ValidWindow:          cfg.TwoFactor.ValidWindow,
		PeriodSeconds:        cfg.TwoFactor.PeriodSeconds,
		Digits:               cfg.TwoFactor.Digits,
		ApprovalGraceSeconds: cfg.TwoFactor.ApprovalGraceSeconds,
		EnrollmentTTLSeconds: cfg.TwoFactor.EnrollmentTTLSeconds,
		Log:                  log.With(logger.String("component", "two_factor")),
	})

	r.SudoState = privileged.NewSudoWindow(cfg.SudoWindow.DefaultTTLSeconds)

	grantSigner := privileged.NewGrantSigner(cfg.Grant.Secret, cfg.Grant.TTLSeconds)
	r.SysGrant = grantSigner

	auditLogger := audit.New(audit.Config{
		Path:                    cfg.Privileged.AuditLogPath,
		PromptGuardEnabled:      cfg.Security.PromptGuard.Enabled,
		PromptGuardAction:       cfg.Security.PromptGuard.Action,
		PromptGuardSensitivity:  cfg.Security.PromptGuard.Sensitivity,
		LeakDetectorEnabled:     cfg.Security.LeakDetector.Enabled,
		LeakDetectorSensitivity: cfg.Security.LeakDetector.Sensitivity,
	})
	defer auditLogger.Close()
	r.Audit = auditLogger

	// A gateway instance either executes privileged ops itself (local
	// mode: no socket in front of pkg/privileged.Executor at all) or
	// forwards them over the Unix socket to a cmd/sysd daemon (split
	// mode, the production topology). RequireRemote on an agent or an
	// empty local Privileged.SocketPath never being dialed both funnel
	// through the same SysClient field; wiring both here lets either
	// agent config choose.
	if cfg.Privileged.SocketPath != "" {
		r.SysClient = privileged.NewClient(cfg.Privileged.SocketPath, cfg.Privileged.RequestTimeoutSeconds, "gateway")
	}

	if cfg.Memory.Enabled {
		mem, err := memory.New(memory.Config{
			Enabled:           cfg.Memory.Enabled,
			DBPath:            cfg.Memory.DBPath,
			EmbeddingAPIBase:  cfg.Memory.EmbeddingAPIBase,
			EmbeddingAPIKey:   cfg.Memory.EmbeddingAPIKey,
			EmbeddingModel:    cfg.Memory.EmbeddingModel,
			EmbeddingDim:      cfg.Memory.EmbeddingDim,
			SearchLimit:       cfg.Memory.SearchLimit,
			MinSimilarity:     cfg.Memory.MinSimilarity,
			CharLimit:         cfg.Memory.CharLimit,
			PromoteShortToMid: cfg.Memory.PromoteShortToMid,
			PromoteMidToLong:  cfg.Memory.PromoteMidToLong,
			ProbeCron:         cfg.Memory.ProbeCron,
			ProbeCommands:     cfg.Memory.ProbeCommands,
		}, log.With(logger.String("component", "memory")))
		if err != nil {
			log.Error("failed to init memory store", logger.Err(err))
			os.Exit(1)
		}
		defer mem.Close()
		r.Memory = mem
	}
	// r.Memory stays nil when memory.enabled is false: ctx.Memory == nil
	// degrades every memory-aware middleware to a no-op, matching
	// pipeline.Context's documented "component absent" contract.

	agents := agent.NewRegistry()
	for name, acfg := range cfg.Agents {
		a := agent.New(name, acfg, cfg.Session.WorkspaceRoot, log.With(logger.String("component", "agent"), logger.String("agent", name)))
		if acfg.RequireRemote {
			a.SysClient = r.SysClient
		}
		agents.Register(name, a)
	}
	r.Agents = agents

	messageBus := bus.NewMessageBus(256)
	defer messageBus.Close()

	if cfg.Channels.Telegram.Enabled {
		ch, err := channels.NewTelegramChannel(cfg.Channels.Telegram, messageBus)
		if err != nil {
			log.Error("failed to init telegram channel", logger.Err(err))
			os.Exit(1)
		}
		r.Channels["telegram"] = ch
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := channels.NewDiscordChannel(cfg.Channels.Discord, messageBus)
		if err != nil {
			log.Error("failed to init discord channel", logger.Err(err))
			os.Exit(1)
		}
		r.Channels["discord"] = ch
	}
	if cfg.Channels.Email.Enabled {
		ch, err := channels.NewEmailChannel(cfg.Channels.Email, messageBus)
		if err != nil {
			log.Error("failed to init email channel", logger.Err(err))
			os.Exit(1)
		}
		r.Channels["email"] = ch
	}
	if len(r.Channels) == 0 {
		log.Warn("no channel is enabled, gateway will accept no traffic")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for name, ch := range r.Channels {
		if err := ch.Start(ctx); err != nil {
			log.Error("failed to start channel", logger.String("channel", name), logger.Err(err))
			os.Exit(1)
		}
		log.Info("channel started", logger.String("channel", name))
	}

	go pumpInbound(ctx, messageBus, r, log)

	log.Info("gateway running")
	<-ctx.Done()
	stop()

	log.Info("gateway shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for name, ch := range r.Channels {
		if err := ch.Stop(shutdownCtx); err != nil {
			log.Warn("channel stop error", logger.String("channel", name), logger.Err(err))
		}
	}
	log.Info("gateway stopped")
}

func pumpInbound(ctx context.Context, messageBus *bus.MessageBus, r *router.Router, log *logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messageBus.Inbound():
			if !ok {
				return
			}
			go func(m bus.IncomingMessage) {
				if err := r.HandleMessage(ctx, m); err != nil {
					log.Error("handle message failed",
						logger.String("channel", m.Channel),
						logger.String("user_id", m.UserID),
						logger.Err(err))
				}
			}(msg)
		}
	}
}
