package commands

import (
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-copilot/internal/logging"
)

// Definitions returns the slash commands the bot registers.
func Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "ask",
			Description: "Ask the assistant a question with channel context",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "question",
					Description: "Your question",
					Required:    true,
				},
			},
		},
		{
			Name:        "tltr",
			Description: "Summarize the recent conversation in this channel",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "limit",
					Description: "How many messages to summarize (1-100, default 25)",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "tone",
					Description: "Tone of the summary",
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "normal", Value: "normal"},
						{Name: "sarcastic", Value: "sarcastic"},
						{Name: "formal", Value: "formal"},
						{Name: "friendly", Value: "friendly"},
						{Name: "concise", Value: "concise"},
					},
				},
			},
		},
		{
			Name:        "config",
			Description: "View or modify the bot configuration for this guild",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "action",
					Description: "What to do",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "view", Value: "view"},
						{Name: "set", Value: "set"},
						{Name: "reset", Value: "reset"},
						{Name: "list", Value: "list"},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "setting",
					Description: "Setting path, e.g. starboard.channel",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "value",
					Description: "New value",
				},
			},
		},
		{
			Name:        "copilot",
			Description: "Join your voice channel and transcribe speech",
		},
		{
			Name:        "debuginfo",
			Description: "Show bot health and error statistics",
		},
	}
}

// Register bulk-overwrites the application commands. guildID empty means
// global registration (slower propagation).
func Register(s *discordgo.Session, appID, guildID string) error {
	cmds, err := s.ApplicationCommandBulkOverwrite(appID, guildID, Definitions())
	if err != nil {
		return fmt.Errorf("commands: register: %w", err)
	}
	scope := "global"
	if guildID != "" {
		scope = "guild " + guildID
	}
	logging.Infow("slash commands registered", "count", len(cmds), "scope", scope)
	return nil
}
