package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/discord-voice-copilot/internal/commands"
	"github.com/discord-voice-copilot/internal/config"
	"github.com/discord-voice-copilot/internal/errlog"
	"github.com/discord-voice-copilot/internal/guildconf"
	"github.com/discord-voice-copilot/internal/logging"
	"github.com/discord-voice-copilot/internal/metrics"
	"github.com/discord-voice-copilot/internal/starboard"
	"github.com/discord-voice-copilot/internal/stt"
	"github.com/discord-voice-copilot/llm"
)

func main() {
	_ = godotenv.Load()
	logging.Init()

	if err := run(); err != nil {
		logging.Errorw("bot exited with error", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}
	if cfg.Discord.Token == "" {
		return errors.New("DISCORD_BOT_TOKEN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs, err := errlog.New(cfg.Storage.LogDir)
	if err != nil {
		return err
	}

	conf, err := guildconf.Open(filepath.Join(cfg.Storage.ConfigDir, "guilds.json"))
	if err != nil {
		return err
	}
	if err := conf.Watch(ctx); err != nil {
		logging.Warnw("guild config watcher unavailable", "err", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pipeline := metrics.NewPipeline(registry)

	sttClient := stt.NewClient(cfg.STT, cfg.Audio, pipeline)
	llmClient := llm.NewClient(cfg.LLM, os.Getenv("LLM_FALLBACK_MODEL"), pipeline)
	manager := newVoiceManager(cfg, conf, sttClient, llmClient, errs, pipeline)
	handler := commands.NewHandler(llmClient, conf, errs, manager)

	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return err
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent

	session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		logging.Infow("gateway ready", logging.UserFields(r.User.ID, r.User.Username)...)
	})
	session.AddHandler(handler.Route)

	stars := starboard.NewService(session, conf, starboard.NewMapStore(filepath.Join(cfg.Storage.ConfigDir, "starboards")))
	session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if r.Emoji.Name != starboard.StarEmoji || r.UserID == s.State.User.ID {
			return
		}
		go stars.HandleStarChange(r.GuildID, r.ChannelID, r.MessageID)
	})
	session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
		if r.Emoji.Name != starboard.StarEmoji || r.UserID == s.State.User.ID {
			return
		}
		go stars.HandleStarChange(r.GuildID, r.ChannelID, r.MessageID)
	})

	if err := session.Open(); err != nil {
		return err
	}
	defer session.Close()

	appID := cfg.Discord.AppID
	if appID == "" && session.State.User != nil {
		appID = session.State.User.ID
	}
	if err := commands.Register(session, appID, cfg.Discord.GuildID); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		g.Go(func() error {
			logging.Infow("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			<-gctx.Done()
			close(done)
		}()
		errs.RunCleanup(done)
		return nil
	})

	logging.Infow("bot running; send SIGINT or SIGTERM to stop")
	<-gctx.Done()

	manager.StopAll()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Infow("shutdown complete")
	return nil
}
