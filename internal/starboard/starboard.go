// Package starboard mirrors messages that collect star reactions into a
// per-guild starboard channel. The first star creates a post, later stars
// edit the count in place, and removing the last star deletes the post.
package starboard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-copilot/internal/guildconf"
	"github.com/discord-voice-copilot/internal/logging"
)

// StarEmoji is the reaction the starboard listens for.
const StarEmoji = "⭐"

const goldColor = 0xF1C40F

// Messenger is the slice of discordgo.Session the starboard needs.
type Messenger interface {
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

// Service reacts to star add/remove events. Configuration (which channel is
// the starboard) lives in the guild config store; message mappings persist
// in the MapStore.
type Service struct {
	msg  Messenger
	conf *guildconf.Store
	maps *MapStore
}

func NewService(msg Messenger, conf *guildconf.Store, maps *MapStore) *Service {
	return &Service{msg: msg, conf: conf, maps: maps}
}

var channelIDPattern = regexp.MustCompile(`\d{16,}`)

// ExtractChannelID pulls a channel ID out of a raw ID or a mention like
// <#123456789012345678>. Empty when no ID is present.
func ExtractChannelID(raw string) string {
	return channelIDPattern.FindString(raw)
}

// channelFor resolves the configured starboard channel for a guild; empty
// when the starboard is not set up.
func (s *Service) channelFor(guildID string) string {
	v, ok := s.conf.Get(guildID, "starboard.channel")
	if !ok {
		return ""
	}
	raw, _ := v.(string)
	return ExtractChannelID(raw)
}

// HandleStarChange re-reads the source message's star count and brings the
// starboard post in line: create, edit, or delete. Both add and remove
// events funnel here, so the count is always authoritative.
func (s *Service) HandleStarChange(guildID, channelID, messageID string) {
	boardChannel := s.channelFor(guildID)
	if boardChannel == "" {
		return
	}

	msg, err := s.msg.ChannelMessage(channelID, messageID)
	if err != nil {
		logging.Warnw("starboard: fetch source message failed",
			"guild_id", guildID, "message_id", messageID, "err", err)
		return
	}
	if msg.Author != nil && msg.Author.Bot {
		return
	}
	msg.GuildID = guildID

	count := starCount(msg)
	if count <= 0 {
		s.removeEntry(guildID, boardChannel, messageID)
		return
	}
	s.upsertEntry(guildID, boardChannel, msg, count)
}

func starCount(msg *discordgo.Message) int {
	for _, r := range msg.Reactions {
		if r.Emoji != nil && r.Emoji.Name == StarEmoji {
			return r.Count
		}
	}
	return 0
}

func (s *Service) upsertEntry(guildID, boardChannel string, msg *discordgo.Message, count int) {
	content := buildStarContent(msg, count)

	entry, ok, err := s.maps.Get(guildID, msg.ID)
	if err != nil {
		logging.Errorw("starboard: map read failed", "guild_id", guildID, "err", err)
		return
	}
	if ok {
		_, err := s.msg.ChannelMessageEditComplex(&discordgo.MessageEdit{
			ID:      entry.StarboardMessageID,
			Channel: boardChannel,
			Content: &content,
		})
		if err != nil {
			logging.Warnw("starboard: edit failed",
				"guild_id", guildID, "starboard_message_id", entry.StarboardMessageID, "err", err)
			return
		}
		entry.Count = count
		if err := s.maps.Set(guildID, msg.ID, entry); err != nil {
			logging.Errorw("starboard: map write failed", "guild_id", guildID, "err", err)
		}
		return
	}

	posted, err := s.msg.ChannelMessageSendComplex(boardChannel, &discordgo.MessageSend{
		Content: content,
		Embeds:  []*discordgo.MessageEmbed{buildStarEmbed(msg)},
	})
	if err != nil {
		logging.Warnw("starboard: post failed", "guild_id", guildID, "err", err)
		return
	}
	if err := s.maps.Set(guildID, msg.ID, Entry{StarboardMessageID: posted.ID, Count: count}); err != nil {
		logging.Errorw("starboard: map write failed", "guild_id", guildID, "err", err)
	}
}

func (s *Service) removeEntry(guildID, boardChannel, messageID string) {
	entry, ok, err := s.maps.Get(guildID, messageID)
	if err != nil || !ok {
		return
	}
	if err := s.msg.ChannelMessageDelete(boardChannel, entry.StarboardMessageID); err != nil {
		logging.Warnw("starboard: delete failed",
			"guild_id", guildID, "starboard_message_id", entry.StarboardMessageID, "err", err)
	}
	if err := s.maps.Delete(guildID, messageID); err != nil {
		logging.Errorw("starboard: map delete failed", "guild_id", guildID, "err", err)
	}
}

func messageURL(msg *discordgo.Message) string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", msg.GuildID, msg.ChannelID, msg.ID)
}

func buildStarContent(msg *discordgo.Message, count int) string {
	return fmt.Sprintf("%s x%d | %s", StarEmoji, count, messageURL(msg))
}

// buildStarEmbed renders the starboard post body; only the content line is
// edited afterwards, the embed stays stable.
func buildStarEmbed(msg *discordgo.Message) *discordgo.MessageEmbed {
	desc := msg.Content
	if desc == "" {
		desc = "(no text)"
	}
	embed := &discordgo.MessageEmbed{
		Color:       goldColor,
		Description: desc,
	}
	if msg.Author != nil {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    msg.Author.Username,
			IconURL: msg.Author.AvatarURL("64"),
		}
	}
	for _, a := range msg.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			embed.Image = &discordgo.MessageEmbedImage{URL: a.URL}
			break
		}
	}
	return embed
}
