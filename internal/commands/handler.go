package commands

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-copilot/internal/errlog"
	"github.com/discord-voice-copilot/internal/guildconf"
	"github.com/discord-voice-copilot/internal/logging"
	"github.com/discord-voice-copilot/internal/messaging"
	"github.com/discord-voice-copilot/llm"
)

// VoiceController starts the capture pipeline for a guild voice channel.
// Implemented in cmd/bot where the discordgo session and receiver live.
type VoiceController interface {
	// Start joins voiceChannelID and posts transcripts and replies into
	// textChannelID, the channel the command was issued from.
	Start(s *discordgo.Session, guildID, voiceChannelID, textChannelID string) error
}

// Handler routes slash-command interactions to their implementations.
type Handler struct {
	LLM    *llm.Client
	Conf   *guildconf.Store
	Errors *errlog.Handler
	Voice  VoiceController

	started time.Time
}

func NewHandler(llmClient *llm.Client, conf *guildconf.Store, errs *errlog.Handler, voice VoiceController) *Handler {
	return &Handler{
		LLM:     llmClient,
		Conf:    conf,
		Errors:  errs,
		Voice:   voice,
		started: time.Now(),
	}
}

// Route is the InteractionCreate handler registered on the session.
func (h *Handler) Route(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	name := i.ApplicationCommandData().Name
	logging.Infow("slash command", "command", name, "user_id", interactionUserID(i), "guild_id", i.GuildID)

	var err error
	switch name {
	case "ask":
		err = h.handleAsk(s, i)
	case "tltr":
		err = h.handleTLTR(s, i)
	case "config":
		err = h.handleConfig(s, i)
	case "copilot":
		err = h.handleCopilot(s, i)
	case "debuginfo":
		err = h.handleDebugInfo(s, i)
	default:
		return
	}
	if err != nil {
		logging.Errorw("command failed", "command", name, "err", err)
		if h.Errors != nil {
			h.Errors.Log(err, errlog.Context{
				"command":  name,
				"user_id":  interactionUserID(i),
				"guild_id": i.GuildID,
			}, "interaction")
		}
		h.replyError(s, i, "An error occurred while executing this command.")
	}
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func optionValue(i *discordgo.InteractionCreate, name string) string {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == name {
			return opt.StringValue()
		}
	}
	return ""
}

func (h *Handler) handleAsk(s *discordgo.Session, i *discordgo.InteractionCreate) error {
	question := strings.TrimSpace(optionValue(i, "question"))
	if question == "" {
		return h.replyEphemeral(s, i, "❌ Please provide a valid question.")
	}
	if err := deferReply(s, i, false); err != nil {
		return err
	}

	history, err := s.ChannelMessages(i.ChannelID, 20, "", "", "")
	if err != nil {
		logging.Warnw("fetching channel history failed", "channel_id", i.ChannelID, "err", err)
	}
	answer, err := h.askAnswer(context.Background(), historyMessages(history, s.State.User.ID), question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if err := h.editReply(s, i, fmt.Sprintf("<@%s> said: %s", interactionUserID(i), question)); err != nil {
		return err
	}
	return h.followUpLong(s, i, answer, "")
}

const askSystemPrompt = "You are a helpful assistant on a Discord server. Answer the user's question clearly and concisely."

// askAnswer resolves a question against optional channel context. An empty
// channel needs no history plumbing and goes through the single-question
// helper.
func (h *Handler) askAnswer(ctx context.Context, history []llm.Message, question string) (string, error) {
	if len(history) == 0 {
		return h.LLM.Ask(ctx, askSystemPrompt, question)
	}
	msgs := append(history,
		llm.Message{Role: "system", Content: askSystemPrompt},
		llm.Message{Role: "user", Content: question},
	)
	resp, err := h.LLM.CreateChatCompletion(ctx, llm.ChatRequest{
		Messages:  msgs,
		MaxTokens: 800,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Tone instructions appended to the summary system prompt.
var toneInstructions = map[string]string{
	"normal":    "",
	"sarcastic": "Use a very sarcastic and ironic tone in the summary.",
	"formal":    "Write the summary in a very formal tone.",
	"friendly":  "Make the summary sound very friendly and approachable.",
	"concise":   "Keep the summary really short and to the point.",
}

func (h *Handler) handleTLTR(s *discordgo.Session, i *discordgo.InteractionCreate) error {
	if err := deferReply(s, i, false); err != nil {
		return err
	}

	limit := clampLimit(optionValue(i, "limit"))
	tone := optionValue(i, "tone")

	history, err := s.ChannelMessages(i.ChannelID, limit, "", "", "")
	if err != nil {
		return fmt.Errorf("tltr: fetch messages: %w", err)
	}
	if len(history) == 0 {
		return h.editReply(s, i, "❌ Sorry, I couldn't find any messages in this channel.")
	}

	system := "You are an assistant that summarizes conversations. Make SHORT and CONCISE summaries (maximum 300 words). Use a natural tone in the language of the conversation. Focus on key points and the general atmosphere."
	if extra := toneInstructions[tone]; extra != "" {
		system += " " + extra
	}

	msgs := append([]llm.Message{{Role: "system", Content: system}}, historyMessages(history, s.State.User.ID)...)
	resp, err := h.LLM.CreateChatCompletion(context.Background(), llm.ChatRequest{
		Messages:  msgs,
		MaxTokens: 600,
	})
	if err != nil {
		return fmt.Errorf("tltr: %w", err)
	}
	return h.editReplyLong(s, i, resp.Content, "🤖 **TLTR:** ")
}

func (h *Handler) handleConfig(s *discordgo.Session, i *discordgo.InteractionCreate) error {
	if i.Member == nil || i.Member.Permissions&discordgo.PermissionAdministrator == 0 {
		return h.replyEphemeral(s, i, "❌ You need Administrator permissions to manage bot configuration.")
	}

	switch optionValue(i, "action") {
	case "view":
		channel := "Not set"
		if v, ok := h.Conf.Get(i.GuildID, "starboard.channel"); ok {
			if sv, _ := v.(string); sv != "" {
				channel = sv
			}
		}
		embed := &discordgo.MessageEmbed{
			Color: 0x5865F2,
			Title: "⚙️ Guild Configuration",
			Fields: []*discordgo.MessageEmbedField{
				{Name: "⭐ Starboard channel", Value: channel},
			},
			Footer: &discordgo.MessageEmbedFooter{Text: "Use /config set to modify settings"},
		}
		return replyEmbed(s, i, embed)
	case "set":
		setting := optionValue(i, "setting")
		raw := optionValue(i, "value")
		if setting == "" {
			return h.replyEphemeral(s, i, "❌ Provide a setting path, e.g. starboard.channel.")
		}
		if err := h.Conf.Set(i.GuildID, setting, ParseSettingValue(raw)); err != nil {
			return h.replyEphemeral(s, i, fmt.Sprintf("❌ Failed to set `%s`.", setting))
		}
		return reply(s, i, fmt.Sprintf("✅ Successfully set `%s` to `%s`", setting, raw))
	case "reset":
		if err := h.Conf.Reset(i.GuildID); err != nil {
			return fmt.Errorf("config reset: %w", err)
		}
		return reply(s, i, "✅ Successfully reset all settings to defaults.")
	case "list":
		var b strings.Builder
		for _, p := range guildconf.AvailableSettings() {
			fmt.Fprintf(&b, "• `%s`\n", p)
		}
		embed := &discordgo.MessageEmbed{
			Color:       0x5865F2,
			Title:       "📋 Available Settings",
			Description: b.String(),
			Footer:      &discordgo.MessageEmbedFooter{Text: "Use /config set <setting> <value> to modify"},
		}
		return replyEmbed(s, i, embed)
	default:
		return h.replyEphemeral(s, i, "❌ Invalid action.")
	}
}

func (h *Handler) handleCopilot(s *discordgo.Session, i *discordgo.InteractionCreate) error {
	channelID := memberVoiceChannel(s, i.GuildID, interactionUserID(i))
	if channelID == "" {
		return h.replyEphemeral(s, i, "❌ You need to be in a voice channel to use this command.")
	}
	if err := deferReply(s, i, false); err != nil {
		return err
	}
	if err := h.Voice.Start(s, i.GuildID, channelID, i.ChannelID); err != nil {
		_ = h.editReply(s, i, "❌ Failed to join voice channel. Please try again.")
		return fmt.Errorf("copilot: %w", err)
	}
	return h.editReply(s, i, "🎤 Successfully joined voice channel! I'm now listening...")
}

func (h *Handler) handleDebugInfo(s *discordgo.Session, i *discordgo.InteractionCreate) error {
	if err := deferReply(s, i, true); err != nil {
		return err
	}
	stats, err := h.Errors.GetStats()
	if err != nil {
		return fmt.Errorf("debuginfo: %w", err)
	}

	var b strings.Builder
	b.WriteString("📊 **Bot Error Statistics**\n\n")
	fmt.Fprintf(&b, "📁 **Log Files:** %d total, %d today\n\n", stats.TotalFiles, stats.TodayFiles)
	if len(stats.BySeverity) > 0 {
		b.WriteString("📝 **Error Types:**\n")
		type kv struct {
			name  string
			count int
		}
		var entries []kv
		for name, count := range stats.BySeverity {
			entries = append(entries, kv{name, count})
		}
		sort.Slice(entries, func(a, b int) bool { return entries[a].count > entries[b].count })
		for _, e := range entries {
			fmt.Fprintf(&b, "• %s: %d\n", e.name, e.count)
		}
	} else {
		b.WriteString("✅ **No error files detected**\n")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	b.WriteString("\n🔍 **Bot Status:**\n")
	fmt.Fprintf(&b, "• Uptime: %s\n", time.Since(h.started).Round(time.Second))
	fmt.Fprintf(&b, "• Memory used: %d MB\n", mem.HeapAlloc/1024/1024)
	fmt.Fprintf(&b, "• Go version: %s\n", runtime.Version())

	return h.editReply(s, i, b.String())
}

// historyMessages converts fetched channel messages (newest first) into chat
// messages oldest first, tagging the bot's own posts as assistant turns.
func historyMessages(history []*discordgo.Message, botID string) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for idx := len(history) - 1; idx >= 0; idx-- {
		m := history[idx]
		if m.Content == "" || m.Author == nil {
			continue
		}
		role := "user"
		content := m.Content
		if m.Author.ID == botID {
			role = "assistant"
		} else {
			content = m.Author.Username + ": " + content
		}
		out = append(out, llm.Message{Role: role, Content: content})
	}
	return out
}

// clampLimit parses the message-count option, defaulting to 25 and clamping
// to [1, 100].
func clampLimit(raw string) int {
	limit := 25
	if raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	return limit
}

// ParseSettingValue casts a raw option string the way guild settings expect:
// numbers become numbers, true/false become bools, the rest stays a string.
func ParseSettingValue(raw string) interface{} {
	if raw == "true" {
		return true
	}
	if raw == "false" {
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return raw
}

// memberVoiceChannel finds the voice channel a user currently occupies.
func memberVoiceChannel(s *discordgo.Session, guildID, userID string) string {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return ""
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

func deferReply(s *discordgo.Session, i *discordgo.InteractionCreate, ephemeral bool) error {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	})
}

func reply(s *discordgo.Session, i *discordgo.InteractionCreate, content string) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	})
}

func replyEmbed(s *discordgo.Session, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}},
	})
}

func (h *Handler) replyEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

// replyError posts a generic failure notice, coping with both pre- and
// post-defer states.
func (h *Handler) replyError(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	content := "❌ " + msg
	if err := h.replyEphemeral(s, i, content); err != nil {
		if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		}); err != nil {
			logging.Warnw("failed to deliver error reply", "err", err)
		}
	}
}

func (h *Handler) editReply(s *discordgo.Session, i *discordgo.InteractionCreate, content string) error {
	_, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &content})
	return err
}

// editReplyLong edits the deferred reply with the first chunk and follows up
// with the rest, respecting the message length cap.
func (h *Handler) editReplyLong(s *discordgo.Session, i *discordgo.InteractionCreate, content, prefix string) error {
	chunks := messaging.Split(content, messaging.SplitOptions{Prefix: prefix})
	if err := h.editReply(s, i, chunks[0]); err != nil {
		return err
	}
	for _, chunk := range chunks[1:] {
		if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{Content: chunk}); err != nil {
			return err
		}
	}
	return nil
}

// followUpLong sends content as one or more follow-up messages.
func (h *Handler) followUpLong(s *discordgo.Session, i *discordgo.InteractionCreate, content, prefix string) error {
	for _, chunk := range messaging.Split(content, messaging.SplitOptions{Prefix: prefix}) {
		if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{Content: chunk}); err != nil {
			return err
		}
	}
	return nil
}
