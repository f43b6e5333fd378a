package cmd

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/hlord2000/discordbot/discordbot"
	"github.com/spf13/cobra"
	"log"
	"time"
)

var registerTimeout = 30 * time.Second

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Overwrite the bot's slash commands in the configured guild, then exit",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		bot, err := discordbot.New(cfg)
		if err != nil {
			log.Fatalf("error creating bot: %s", err.Error())
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), registerTimeout)
		defer cancel()

		commands, err := bot.RegisterSlashCommands(discordgo.WithContext(ctx))
		if err != nil {
			log.Fatalf("error registering commands: %s", err.Error())
		}

		out := cmd.OutOrStdout()
		for _, c := range commands {
			fmt.Fprintf(out, "registered /%s (id: %s)\n", c.Name, c.ID)
		}
		fmt.Fprintf(out, "registered %d commands in guild %s\n", len(commands), cfg.Discord.GuildID)
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
}
