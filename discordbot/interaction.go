package discordbot

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// InteractionLog records every interaction received, regardless of
// whether it was handled successfully.
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"` // webhook or gateway
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Type          string                          `json:"type" gorm:"type:string"`
	Name          string                          `json:"name" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	AppID         string                          `json:"application_id" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	handler InteractionHandler,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		Name:          interactionName(i),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
		Method:        handler.InteractionReceiveMethod(),
	}
	return interactionLog, nil
}

// interactionName returns the slash command name, or the component
// custom ID, depending on the interaction type
func interactionName(i *discordgo.InteractionCreate) string {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		return i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		return truncate(i.MessageComponentData().CustomID, 100)
	default:
		return ""
	}
}

// InteractionHandler defines the interface for handling Discord interactions.
// It provides methods for responding to interactions, retrieving responses,
// editing messages, and managing interaction lifecycle.
//
// Command and component handling is the same regardless of whether the
// interaction was received via the gateway or a webhook; only these
// request-specific calls differ.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetResponse retrieves the current response for an interaction.
	GetResponse(ctx context.Context) (*discordgo.Message, error)

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption) error

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction", "response_type", response.Type)
	}
	return err
}

func (w GatewayHandler) GetResponse(ctx context.Context) (
	*discordgo.Message,
	error,
) {
	msg, err := w.session.InteractionResponse(
		w.interaction.Interaction,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error getting interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "got interaction response", "message_id", msg.ID)
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) error {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
	return err
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}
