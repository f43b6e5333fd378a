package discordbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	CleanCommandStateReceived  CleanCommandState = "received"
	CleanCommandStateFailed    CleanCommandState = "failed"
	CleanCommandStateCompleted CleanCommandState = "completed"

	cleanResponseFormat       = "Deleted %d bot messages."
	cleanResponseFailedFormat = " (%d failed)"
)

type CleanCommandState string

// CleanCommand records a '/clean' slash command execution, which deletes
// the bot's own recent messages in the channel it was invoked in.
//
// Fetched is the number of messages scanned, Matched the number authored
// by the bot, and Deleted/Failed the outcome of each delete request.
type CleanCommand struct {
	ModelUintID
	ModelUnixTime
	InteractionID string            `json:"interaction_id" gorm:"not null;uniqueIndex"`
	UserID        string            `json:"user_id" gorm:"index"`
	GuildID       string            `json:"guild_id"`
	ChannelID     string            `json:"channel_id"`
	Acknowledged  bool              `json:"acknowledged"`
	State         CleanCommandState `json:"state" gorm:"type:string"`
	Fetched       int               `json:"fetched"`
	Matched       int               `json:"matched"`
	Deleted       int               `json:"deleted"`
	Failed        int               `json:"failed"`
	Response      *string           `json:"response" gorm:"type:string"`
	Error         *string           `json:"error" gorm:"type:string"`
	StartedAt     *time.Time        `json:"started_at" gorm:"type:timestamp"`
	FinishedAt    *time.Time        `json:"finished_at" gorm:"type:timestamp"`
}

func newCleanCommand(i *discordgo.InteractionCreate, u *discordgo.User) *CleanCommand {
	c := &CleanCommand{
		InteractionID: i.ID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		State:         CleanCommandStateReceived,
	}
	if u != nil {
		c.UserID = u.ID
	}
	return c
}

func (c CleanCommand) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("interaction_id", c.InteractionID),
		slog.String("channel_id", c.ChannelID),
		slog.Int("fetched", c.Fetched),
		slog.Int("matched", c.Matched),
		slog.Int("deleted", c.Deleted),
		slog.Int("failed", c.Failed),
	)
}

// cleanResponse is the message shown to the user after /clean. Only
// confirmed deletions are counted.
func cleanResponse(deleted int, failed int) string {
	msg := fmt.Sprintf(cleanResponseFormat, deleted)
	if failed > 0 {
		msg += fmt.Sprintf(cleanResponseFailedFormat, failed)
	}
	return msg
}

// runCleanCommand handles /clean. The interaction is acknowledged with a
// deferred ephemeral response, then the bot's messages among the most
// recent in the channel are deleted one at a time, and the response is
// edited with the number deleted.
func (d *Bot) runCleanCommand(ctx context.Context, handler InteractionHandler) {
	d.cleanCommandsInProgress.Add(1)
	defer d.cleanCommandsInProgress.Add(-1)

	i := handler.GetInteraction()
	logger := handler.Logger()
	rec := newCleanCommand(i, getDiscordUser(i))

	defer func() {
		if _, dbErr := d.writeDB.Create(context.WithoutCancel(ctx), rec); dbErr != nil {
			logger.ErrorContext(ctx, "error saving clean command", tint.Err(dbErr))
		}
		d.metrics.commandsHandled.WithLabelValues(DiscordSlashCommandClean, string(rec.State)).Inc()
	}()

	if ackErr := handler.Respond(ctx, ackResponse(true)); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		rec.State = CleanCommandStateFailed
		errMsg := ackErr.Error()
		rec.Error = &errMsg
		return
	}
	rec.Acknowledged = true

	started := time.Now().UTC()
	rec.StartedAt = &started

	err := d.cleanChannel(ctx, rec)

	finished := time.Now().UTC()
	rec.FinishedAt = &finished

	var response string
	switch {
	case err != nil && rec.Matched == 0:
		// nothing was attempted, so there's no count worth reporting
		rec.State = CleanCommandStateFailed
		response = d.config.Discord.ErrorMessage
	default:
		rec.State = CleanCommandStateCompleted
		response = cleanResponse(rec.Deleted, rec.Failed)
	}
	rec.Response = &response
	if err != nil {
		errMsg := err.Error()
		rec.Error = &errMsg
	}

	logger.InfoContext(ctx, "finished clean", "clean_command", rec, tint.Err(err))

	if _, editErr := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{Content: &response},
		discordgo.WithContext(ctx),
	); editErr != nil {
		logger.ErrorContext(ctx, "error updating interaction", tint.Err(editErr))
	}
}

// cleanChannel fetches the most recent messages in the command's channel,
// and deletes those authored by the bot. Deletions are sequential, and
// failures are counted but not retried.
func (d *Bot) cleanChannel(ctx context.Context, rec *CleanCommand) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = d.logger
	}

	botUser, err := d.discord.BotUser()
	if err != nil {
		return err
	}

	limit := d.config.Clean.FetchLimit
	if limit <= 0 || limit > discordMaxMessageFetchSize {
		limit = discordMaxMessageFetchSize
	}

	messages, err := d.discord.session.ChannelMessages(
		rec.ChannelID,
		limit,
		"",
		"",
		"",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error fetching channel messages: %w", err)
	}
	rec.Fetched = len(messages)

	var errs []error
	for _, m := range messages {
		if m == nil || m.Author == nil || m.Author.ID != botUser.ID {
			continue
		}
		rec.Matched++

		if ctx.Err() != nil {
			rec.Failed++
			errs = append(errs, ctx.Err())
			continue
		}

		if delErr := d.discord.session.ChannelMessageDelete(
			rec.ChannelID,
			m.ID,
			discordgo.WithContext(ctx),
		); delErr != nil {
			logger.WarnContext(
				ctx,
				"error deleting message",
				tint.Err(delErr),
				"message_id", m.ID,
			)
			rec.Failed++
			d.metrics.cleanMessages.WithLabelValues("failed").Inc()
			errs = append(errs, fmt.Errorf("message %s: %w", m.ID, delErr))
			continue
		}
		rec.Deleted++
		d.metrics.cleanMessages.WithLabelValues("deleted").Inc()
	}
	return errors.Join(errs...)
}
