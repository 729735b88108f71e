package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-copilot/internal/config"
	"github.com/discord-voice-copilot/internal/errlog"
	"github.com/discord-voice-copilot/internal/guildconf"
	"github.com/discord-voice-copilot/internal/logging"
	"github.com/discord-voice-copilot/internal/messaging"
	"github.com/discord-voice-copilot/internal/metrics"
	"github.com/discord-voice-copilot/internal/voice"
	"github.com/discord-voice-copilot/llm"
)

// voiceManager owns one capture pipeline per guild: the voice connection,
// the packet receiver, and the admission guard. It implements
// commands.VoiceController.
type voiceManager struct {
	cfg      config.Config
	conf     *guildconf.Store
	stt      voice.Transcriber
	llm      *llm.Client
	errs     *errlog.Handler
	pipeline *metrics.Pipeline

	// join and leave wrap the gateway voice calls; tests swap them out.
	join  func(s *discordgo.Session, guildID, channelID string) (*discordgo.VoiceConnection, error)
	leave func(vc *discordgo.VoiceConnection) error

	mu       sync.Mutex
	sessions map[string]*guildSession
}

type guildSession struct {
	vc       *discordgo.VoiceConnection
	receiver *voice.Receiver
	guard    *voice.Guard
	cancel   context.CancelFunc
}

func newVoiceManager(cfg config.Config, conf *guildconf.Store, stt voice.Transcriber, llmClient *llm.Client, errs *errlog.Handler, pipeline *metrics.Pipeline) *voiceManager {
	return &voiceManager{
		cfg:      cfg,
		conf:     conf,
		stt:      stt,
		llm:      llmClient,
		errs:     errs,
		pipeline: pipeline,
		join: func(s *discordgo.Session, guildID, channelID string) (*discordgo.VoiceConnection, error) {
			return s.ChannelVoiceJoin(guildID, channelID, false, false)
		},
		leave:    func(vc *discordgo.VoiceConnection) error { return vc.Disconnect() },
		sessions: make(map[string]*guildSession),
	}
}

// Start joins the voice channel and begins capturing. A second start for the
// same guild tears down the previous pipeline first (channel moves). The
// manager lock spans the whole swap so concurrent starts serialize and never
// leave two live connections for one guild.
func (m *voiceManager) Start(s *discordgo.Session, guildID, voiceChannelID, textChannelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.sessions[guildID]; ok {
		delete(m.sessions, guildID)
		m.teardown(guildID, prev)
	}

	vc, err := m.join(s, guildID, voiceChannelID)
	if err != nil {
		return fmt.Errorf("join voice channel: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	audioCfg := m.conf.AudioOverlay(guildID, m.cfg.Audio)
	receiver := voice.NewReceiver(audioCfg, m.pipeline)
	guard := voice.NewGuard(voice.NewTracker(), receiver, m.stt, func() config.Audio {
		return m.conf.AudioOverlay(guildID, m.cfg.Audio)
	}, m.pipeline)
	receiver.AttachGuard(guard)
	if dir := m.cfg.Storage.ArchiveDir; dir != "" {
		guard.Archive = voice.NewArchiver(dir, audioCfg)
	}

	guard.OnTranscript = func(userID, transcript string) {
		m.postTranscript(s, textChannelID, userID, transcript)
	}
	guard.OnError = func(userID string, err error) {
		m.errs.Log(err, errlog.Context{
			"guild_id": guildID,
			"user_id":  userID,
		}, "voice")
		if _, serr := s.ChannelMessageSend(textChannelID, "❌ Error processing speech. Please try again."); serr != nil {
			logging.Warnw("failed to post capture error notice", "guild_id", guildID, "err", serr)
		}
	}

	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		receiver.HandleSpeakingUpdate(ctx, su)
	})
	go receiver.Run(ctx, vc)

	m.sessions[guildID] = &guildSession{vc: vc, receiver: receiver, guard: guard, cancel: cancel}

	logging.Infow("voice capture started",
		"guild_id", guildID, "voice_channel_id", voiceChannelID, "text_channel_id", textChannelID)
	return nil
}

// postTranscript publishes an accepted transcript and asks the assistant for
// a short reply with the bot's recent messages as context.
func (m *voiceManager) postTranscript(s *discordgo.Session, channelID, userID, transcript string) {
	content := fmt.Sprintf("<@%s> said: \"%s\"", userID, transcript)
	if _, err := s.ChannelMessageSend(channelID, content); err != nil {
		logging.Warnw("failed to post transcript", "channel_id", channelID, "err", err)
	}

	history, err := s.ChannelMessages(channelID, 25, "", "", "")
	if err != nil {
		logging.Warnw("fetching assistant context failed", "channel_id", channelID, "err", err)
	}
	var msgs []llm.Message
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Author != nil && s.State.User != nil && msg.Author.ID == s.State.User.ID && msg.Content != "" {
			msgs = append(msgs, llm.Message{Role: "assistant", Content: msg.Content})
		}
	}
	msgs = append(msgs,
		llm.Message{Role: "system", Content: "You are a developer assistant. Provide very concise responses."},
		llm.Message{Role: "user", Content: transcript},
	)

	resp, err := m.llm.CreateChatCompletion(context.Background(), llm.ChatRequest{Messages: msgs})
	if err != nil {
		logging.Errorw("assistant reply failed", "err", err)
		m.errs.Log(err, errlog.Context{"channel_id": channelID, "user_id": userID}, "llm")
		return
	}
	for _, chunk := range messaging.Split(resp.Content, messaging.SplitOptions{}) {
		if _, err := s.ChannelMessageSend(channelID, chunk); err != nil {
			logging.Warnw("failed to post assistant reply", "channel_id", channelID, "err", err)
			return
		}
	}
}

func (m *voiceManager) teardown(guildID string, gs *guildSession) {
	gs.cancel()
	gs.receiver.CloseAll()
	gs.guard.Wait()
	if err := m.leave(gs.vc); err != nil {
		logging.Warnw("voice disconnect failed", "guild_id", guildID, "err", err)
	}
}

// StopAll disconnects every guild pipeline and waits for in-flight captures.
func (m *voiceManager) StopAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*guildSession)
	m.mu.Unlock()
	for guildID, gs := range sessions {
		m.teardown(guildID, gs)
	}
}
