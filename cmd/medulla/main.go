package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/vthunder/medulla/internal/aggregation"
	"github.com/vthunder/medulla/internal/autonomic"
	"github.com/vthunder/medulla/internal/bus"
	"github.com/vthunder/medulla/internal/channel"
	"github.com/vthunder/medulla/internal/cognition"
	"github.com/vthunder/medulla/internal/config"
	"github.com/vthunder/medulla/internal/core"
	"github.com/vthunder/medulla/internal/filter"
	"github.com/vthunder/medulla/internal/journal"
	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/plugin"
	"github.com/vthunder/medulla/internal/queue"
	"github.com/vthunder/medulla/internal/recipient"
	"github.com/vthunder/medulla/internal/storage"
	"github.com/vthunder/medulla/internal/stress"
	"github.com/vthunder/medulla/internal/types"
)

// Startup exit codes, distinguishable by a supervisor.
const (
	exitConfig   = 1
	exitPlugin   = 2
	exitNeurons  = 3
	exitRegistry = 4
)

func main() {
	logging.Info("main", "medulla - tick-driven agent core")

	if err := godotenv.Load(); err == nil {
		logging.Info("main", "loaded .env")
	}

	cfgPath := os.Getenv("MEDULLA_CONFIG")
	if cfgPath == "" {
		cfgPath = "medulla.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logging.Error("main", "config: %v", err)
		os.Exit(exitConfig)
	}
	logging.SetLevel(cfg.LogLevel)
	closeLog := setupLogFile(cfg.LogDir)
	defer closeLog()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logging.Error("main", "data dir: %v", err)
		os.Exit(exitConfig)
	}
	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		logging.Error("main", "storage: %v", err)
		os.Exit(exitConfig)
	}
	jrnl := journal.New(cfg.DataDir)

	recipients, err := recipient.NewPersistent(store, recipient.Options{
		Debounce: cfg.Recipients.SaveDebounce.D(),
		Strict:   cfg.Recipients.Strict,
	})
	if err != nil {
		logging.Error("main", "recipient registry: %v", err)
		os.Exit(exitRegistry)
	}

	// Pipeline stages.
	q := queue.NewWithWindow(cfg.Queue.AggregationWindow.D())
	b := bus.New()

	filters := filter.NewRegistry()
	filters.Register(filter.NewExpiryFilter(), 10)
	filters.Register(filter.NewNormalizeFilter(), 20)
	filters.Register(filter.NewDedupeFilter(), 30)
	filters.Register(filter.NewEnrichFilter(nil), 40)

	neurons := autonomic.NewRegistry()
	acks := aggregation.NewAckRegistry(cfg.Wake.AckOverrideDelta)
	agg := aggregation.New(aggregation.Config{
		ContactPressure:     cfg.Wake.ContactPressure,
		SocialDebt:          cfg.Wake.SocialDebt,
		LowEnergyMultiplier: cfg.Wake.LowEnergyMultiplier,
		LowEnergyBelow:      cfg.Wake.LowEnergyBelow,
		PatternSensitivity:  cfg.Wake.PatternSensitivity,
	}, acks)

	// Plugin runtime. Emitted signals reach the loop through a late
	// binding: the loop is built after the built-in plugin loads, and
	// nothing emits until ticking starts.
	var loop *core.Loop
	pushSignal := func(sig *types.Signal) {
		if loop != nil {
			loop.PushSignal(sig)
		}
	}

	svc := plugin.NewSchedulerService(cfg.Scheduler.MaxFiresPerTick)
	svc.SetSignalSink(pushSignal)

	toolReg := cognition.NewToolRegistry()
	loader := plugin.NewLoader(plugin.LoaderConfig{
		Store:      store,
		Service:    svc,
		Neurons:    neurons,
		PushSignal: pushSignal,
		Defaults: plugin.Limits{
			MaxSchedules:     cfg.Plugins.MaxSchedules,
			MaxStorageMB:     cfg.Plugins.MaxStorageMB,
			SignalsPerMinute: cfg.Plugins.SignalsPerMinute,
		},
		WarnPercent:     cfg.Plugins.WarningPercent,
		RegisterTool:    toolReg.RegisterPlugin,
		UnregisterTools: toolReg.UnregisterPlugin,
	})

	startCtx := context.Background()
	if err := loader.LoadRequired(startCtx, plugin.NewCoreAgent()); err != nil {
		logging.Error("main", "built-in plugin: %v", err)
		os.Exit(exitPlugin)
	}
	if err := neurons.ValidateRequiredNeurons(types.SignalAlertness); err != nil {
		logging.Error("main", "%v", err)
		os.Exit(exitNeurons)
	}
	var wakeSched *plugin.Scheduler
	if lp, ok := loader.Get(plugin.CoreAgentID); ok {
		wakeSched = lp.Primitives.Scheduler
	}

	// Cognition. Without credentials the agent still runs: it ticks,
	// aggregates and journals, holding wakes until a tier appears.
	var cog core.Cognition
	base := cognition.NewTier("")
	if err := base.Validate(); err != nil {
		logging.Warn("main", "cognition disabled: %v", err)
	} else {
		var smart cognition.Generator
		if st := cognition.NewTier("SMART"); st.Validate() == nil {
			smart = st
		} else {
			logging.Info("main", "no smart tier configured, retries stay on the base tier")
		}
		cog = cognition.NewDispatcher(base, smart, toolReg, cognition.Config{
			EnableSmartRetry: cfg.Cognition.EnableSmartRetry,
			RetryThreshold:   cfg.Cognition.RetryThreshold,
			ToolBudget:       cfg.Cognition.ToolBudget.D(),
			MaxToolRounds:    cfg.Cognition.MaxToolRounds,
		})
	}

	if book, err := cognition.NewTaskBook(store); err != nil {
		logging.Warn("main", "task book unavailable: %v", err)
	} else if err := cognition.RegisterTaskTools(toolReg, book); err != nil {
		logging.Warn("main", "task tools: %v", err)
	}

	monitor := stress.NewMonitor(stress.Config{
		LagSampleInterval: cfg.Stress.LagSampleInterval.D(),
		CPUSampleInterval: cfg.Stress.CPUSampleInterval.D(),
		RecoveryDelay:     cfg.Stress.RecoveryDelay.D(),
		LagElevatedMs:     cfg.Stress.LagElevatedMs,
		LagHighMs:         cfg.Stress.LagHighMs,
		LagCriticalMs:     cfg.Stress.LagCriticalMs,
		CPUElevated:       cfg.Stress.CPUElevated,
		CPUHigh:           cfg.Stress.CPUHigh,
		CPUCritical:       cfg.Stress.CPUCritical,
		OnLevelChange: func(old, new stress.Level, mask stress.TierMask) {
			sig := types.NewSignal(types.SignalStressLevel, "stress", types.PriorityHigh, time.Minute)
			sig.Metrics.Value = float64(new)
			sig.Data.Payload = map[string]any{"from": old.String(), "to": new.String()}
			b.Publish(sig)
			if err := jrnl.LogStress(old.String(), new.String()); err != nil {
				logging.Warn("main", "journal: %v", err)
			}
		},
	})

	outbox := channel.NewOutbox(recipients.Registry)
	if err := registerReactTool(toolReg, outbox); err != nil {
		logging.Warn("main", "react tool: %v", err)
	}

	loop = core.NewLoop(core.Config{
		TickInterval: cfg.Tick.Interval.D(),
		DrainBatch:   cfg.Tick.DrainBatch,
		Prune: queue.PruneConfig{
			MaxAge:             cfg.Queue.PruneMaxAge.D(),
			MaxPriorityToDrop:  types.Priority(cfg.Queue.PruneMaxPriority),
			EmergencyThreshold: cfg.Queue.EmergencyThreshold,
		},
		PrimaryRecipient: cfg.Recipients.PrimaryID,
	}, core.Deps{
		Queue:         q,
		Bus:           b,
		Filters:       filters,
		Autonomic:     autonomic.NewProcessor(neurons),
		Aggregator:    agg,
		Acks:          acks,
		Stress:        monitor,
		Service:       svc,
		Loader:        loader,
		Cognition:     cog,
		Recipients:    recipients.Registry,
		Journal:       jrnl,
		Store:         store,
		WakeScheduler: wakeSched,
		Deliver:       outbox.Deliver,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channels := startChannels(runCtx, cfg, recipients.Registry, outbox, loop)
	monitor.Start()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return loop.Run(gctx) })

	logging.Info("main", "all subsystems started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		logging.Info("main", "received %s, shutting down", s)
	case <-gctx.Done():
		logging.Error("main", "core loop exited early")
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("main", "core loop: %v", err)
	}

	for i := len(channels) - 1; i >= 0; i-- {
		if err := channels[i].Stop(); err != nil {
			logging.Warn("main", "stopping %s: %v", channels[i].Name(), err)
		}
	}
	monitor.Stop()
	if err := recipients.Close(); err != nil {
		logging.Warn("main", "recipient flush: %v", err)
	}
	if err := store.Close(); err != nil {
		logging.Warn("main", "storage close: %v", err)
	}
	logging.Info("main", "goodbye")
}

// startChannels brings up the configured transports. A channel that
// fails to start is skipped, not fatal; the agent can run headless.
func startChannels(ctx context.Context, cfg config.Config, reg *recipient.Registry, outbox *channel.Outbox, loop *core.Loop) []channel.Channel {
	var candidates []channel.Channel

	if cfg.Channels.Discord {
		token := os.Getenv("DISCORD_TOKEN")
		if token == "" {
			logging.Warn("main", "discord enabled but DISCORD_TOKEN unset, skipping")
		} else {
			d, err := channel.NewDiscord(channel.DiscordConfig{
				Token:     token,
				ChannelID: os.Getenv("DISCORD_CHANNEL_ID"),
				OwnerID:   os.Getenv("DISCORD_OWNER_ID"),
			}, reg)
			if err != nil {
				logging.Error("main", "discord: %v", err)
			} else {
				candidates = append(candidates, d)
			}
		}
	}
	if cfg.Channels.Console {
		candidates = append(candidates, channel.NewConsole(reg))
	}

	var started []channel.Channel
	for _, ch := range candidates {
		if err := ch.Start(ctx, loop.PushEvent); err != nil {
			logging.Error("main", "starting %s: %v", ch.Name(), err)
			continue
		}
		outbox.Attach(ch)
		started = append(started, ch)
	}
	if len(started) == 0 {
		logging.Warn("main", "no channels attached, running headless")
	}
	return started
}

// registerReactTool lets cognition acknowledge a message with an emoji
// instead of a full reply.
func registerReactTool(reg *cognition.ToolRegistry, outbox *channel.Outbox) error {
	return reg.Register(plugin.ToolSpec{
		Name:        "react",
		Description: "Add an emoji reaction to a message. Use this for lightweight acknowledgments like 👍 or ✅ instead of sending a text reply",
		Params: map[string]plugin.ParamSpec{
			"recipientId": {Type: "string", Description: "recipient id from the trigger", Required: true},
			"messageId":   {Type: "string", Description: "message id from the trigger", Required: true},
			"emoji":       {Type: "string", Description: "unicode emoji to react with", Required: true},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			recipientID, _ := args["recipientId"].(string)
			messageID, _ := args["messageId"].(string)
			emoji, _ := args["emoji"].(string)
			if err := outbox.React(recipientID, messageID, emoji); err != nil {
				return "", err
			}
			return "reacted with " + emoji, nil
		},
	})
}

// setupLogFile mirrors logs into LogDir when set. Stderr always gets a
// copy.
func setupLogFile(dir string) func() {
	if dir == "" {
		return func() {}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Warn("main", "log dir: %v", err)
		return func() {}
	}
	f, err := os.OpenFile(filepath.Join(dir, "medulla.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logging.Warn("main", "log file: %v", err)
		return func() {}
	}
	logging.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() {
		logging.SetOutput(os.Stderr)
		f.Close()
	}
}
