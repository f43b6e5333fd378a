package discordbot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"time"
)

const (
	startQueueMissingRoleMessage = "A role is required to start a queue."
	startQueueBadTimeoutMessage  = "Timeout must be at least 1 minute."

	columnQueueRecordState       = "state"
	columnQueueRecordStopReason  = "stop_reason"
	columnQueueRecordMemberCount = "member_count"
	columnQueueRecordStoppedAt   = "stopped_at"
	columnQueueRecordMessageID   = "message_id"
)

// QueueRecord is the audit history of a queue started with /start_queue.
// Queues are never restored from these records.
//
//nolint:lll // struct tags can't be split
type QueueRecord struct {
	ModelUintID
	ModelUnixTime
	QueueID        string     `json:"queue_id" gorm:"not null;uniqueIndex"`
	InteractionID  string     `json:"interaction_id" gorm:"type:string"`
	GuildID        string     `json:"guild_id" gorm:"type:string"`
	ChannelID      string     `json:"channel_id" gorm:"type:string"`
	MessageID      string     `json:"message_id" gorm:"type:string"`
	UserID         string     `json:"user_id" gorm:"index"`
	RoleID         string     `json:"role_id" gorm:"type:string"`
	RoleMention    string     `json:"role_mention" gorm:"type:string"`
	TimeoutMinutes int64      `json:"timeout_minutes"`
	State          QueueState `json:"state" gorm:"type:string"`
	StopReason     string     `json:"stop_reason" gorm:"type:string"`
	MemberCount    int        `json:"member_count"`
	StoppedAt      *time.Time `json:"stopped_at" gorm:"type:timestamp"`
}

func newQueueRecord(
	view *QueueView,
	i *discordgo.InteractionCreate,
	role *discordgo.Role,
	timeoutMinutes int64,
) *QueueRecord {
	channelID, messageID := view.Message()
	if channelID == "" {
		channelID = i.ChannelID
	}
	return &QueueRecord{
		QueueID:        view.ID,
		InteractionID:  i.ID,
		GuildID:        i.GuildID,
		ChannelID:      channelID,
		MessageID:      messageID,
		UserID:         view.CreatedBy,
		RoleID:         role.ID,
		RoleMention:    view.RoleMention,
		TimeoutMinutes: timeoutMinutes,
		State:          QueueStateActive,
	}
}

// startQueueOptions are the parsed options of a /start_queue command
type startQueueOptions struct {
	Role           *discordgo.Role
	TimeoutMinutes int64
	timeoutSet     bool
}

// parseStartQueueOptions reads the role and timeout options. The role
// comes from the interaction's resolved data when present.
func parseStartQueueOptions(i *discordgo.InteractionCreate) startQueueOptions {
	var opts startQueueOptions
	options := discordInteractionOptions(i)

	if roleOpt, ok := options[startQueueRoleOption]; ok && roleOpt != nil {
		roleID, _ := roleOpt.Value.(string)
		if roleID != "" {
			data := i.ApplicationCommandData()
			if data.Resolved != nil && data.Resolved.Roles != nil {
				opts.Role = data.Resolved.Roles[roleID]
			}
			if opts.Role == nil {
				opts.Role = &discordgo.Role{ID: roleID}
			}
		}
	}

	if timeoutOpt, ok := options[startQueueTimeoutOption]; ok && timeoutOpt != nil {
		switch v := timeoutOpt.Value.(type) {
		case float64:
			opts.TimeoutMinutes = int64(v)
			opts.timeoutSet = true
		case int:
			opts.TimeoutMinutes = int64(v)
			opts.timeoutSet = true
		case int64:
			opts.TimeoutMinutes = v
			opts.timeoutSet = true
		}
	}
	return opts
}

// handleStartQueue handles /start_queue: it posts a new queue message
// with Join/Leave buttons, and schedules its expiry if a timeout was given.
func (d *Bot) handleStartQueue(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	user := getDiscordUser(i)

	opts := parseStartQueueOptions(i)
	switch {
	case opts.Role == nil:
		d.metrics.commandsHandled.WithLabelValues(DiscordSlashCommandStartQueue, "invalid").Inc()
		_ = handler.Respond(ctx, ephemeralResponse(startQueueMissingRoleMessage))
		return
	case opts.timeoutSet && opts.TimeoutMinutes < 1:
		d.metrics.commandsHandled.WithLabelValues(DiscordSlashCommandStartQueue, "invalid").Inc()
		_ = handler.Respond(ctx, ephemeralResponse(startQueueBadTimeoutMessage))
		return
	}

	view := NewQueueView(roleMention(opts.Role, i.GuildID))
	view.GuildID = i.GuildID
	view.CreatedBy = user.ID
	if opts.TimeoutMinutes > 0 {
		view.Timeout = time.Duration(opts.TimeoutMinutes) * time.Minute
	}
	view.SetLabels(d.config.Queue.JoinLabel, d.config.Queue.LeaveLabel)

	logger = logger.With("queue", view)
	ctx = WithLogger(ctx, logger)

	// registered before responding, so clicks on the new message
	// can always be routed
	d.queues.Add(view)

	err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content:    view.StartedContent(),
				Components: view.Components(),
			},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error posting queue", tint.Err(err))
		view.Stop(QueueStopReasonFailed)
		d.queues.Remove(view.ID)
		d.metrics.commandsHandled.WithLabelValues(DiscordSlashCommandStartQueue, "failed").Inc()
		return
	}
	d.metrics.commandsHandled.WithLabelValues(DiscordSlashCommandStartQueue, "completed").Inc()
	d.metrics.queuesStarted.Inc()
	d.metrics.queuesActive.Inc()
	logger.InfoContext(ctx, "started queue")

	d.queueWG.Add(1)
	go func() {
		defer d.queueWG.Done()
		d.trackQueue(ctx, handler, view, opts)
	}()
}

// trackQueue learns the queue's message ID from the interaction response,
// saves the audit record, and then waits on the queue's expiry (if any)
func (d *Bot) trackQueue(
	ctx context.Context,
	handler InteractionHandler,
	view *QueueView,
	opts startQueueOptions,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()

	msg, err := handler.GetResponse(ctx)
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "unable to retrieve queue message", tint.Err(err))
	case msg != nil:
		channelID := msg.ChannelID
		if channelID == "" {
			channelID = i.ChannelID
		}
		// a click may have already set this from the component interaction
		if _, existing := view.Message(); existing == "" {
			view.SetMessage(channelID, msg.ID)
		}
	}

	record := newQueueRecord(view, i, opts.Role, opts.TimeoutMinutes)
	if _, dbErr := d.writeDB.Create(context.WithoutCancel(ctx), record); dbErr != nil {
		logger.ErrorContext(ctx, "error saving queue record", tint.Err(dbErr))
	}

	// the queue may have been stopped while the above was in flight,
	// in which case its stop update may have missed the record
	if view.Stopped() {
		d.updateQueueRecord(ctx, view)
		return
	}

	if view.Timeout > 0 {
		d.awaitQueueExpiry(ctx, handler, view)
	}
}

// awaitQueueExpiry blocks until the queue's timeout elapses, the queue is
// stopped, or ctx is cancelled. On expiry, the queue's message is deleted
// and the queue is stopped.
func (d *Bot) awaitQueueExpiry(
	ctx context.Context,
	handler InteractionHandler,
	view *QueueView,
) {
	logger := handler.Logger()
	d.queueTimersRunning.Add(1)
	defer d.queueTimersRunning.Add(-1)

	timerCh, stopTimer := d.newTimer(view.Timeout)
	defer stopTimer()

	select {
	case <-view.Done():
		logger.DebugContext(ctx, "queue stopped before expiry")
		return
	case <-ctx.Done():
		logger.DebugContext(ctx, "context cancelled waiting on queue expiry")
		return
	case <-timerCh:
	}

	logger.InfoContext(ctx, "queue expired")
	d.stopQueue(ctx, view, QueueStopReasonExpired, true, handler)
}

// stopQueue stops the given queue, removes it from the registry and
// updates its audit record. If deleteMessage is set, the queue's message
// is deleted, falling back to deleting the interaction response when
// the message ID isn't known or the delete fails. Returns false if the
// queue was already stopped.
func (d *Bot) stopQueue(
	ctx context.Context,
	view *QueueView,
	reason string,
	deleteMessage bool,
	handler InteractionHandler,
) bool {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = d.logger
	}

	if !view.Stop(reason) {
		return false
	}
	d.queues.Remove(view.ID)
	d.metrics.queuesActive.Dec()
	d.metrics.queuesStopped.WithLabelValues(reason).Inc()
	logger.InfoContext(ctx, "stopped queue", "queue", view, "reason", reason)

	if deleteMessage {
		if err := d.deleteQueueMessage(ctx, view, handler); err != nil {
			logger.ErrorContext(ctx, "error deleting queue message", tint.Err(err))
		}
	}

	d.updateQueueRecord(ctx, view)
	return true
}

func (d *Bot) deleteQueueMessage(
	ctx context.Context,
	view *QueueView,
	handler InteractionHandler,
) error {
	channelID, messageID := view.Message()
	var err error
	if channelID != "" && messageID != "" {
		err = d.discord.session.ChannelMessageDelete(
			channelID,
			messageID,
			discordgo.WithContext(ctx),
		)
		if err == nil {
			return nil
		}
	} else {
		err = errQueueNoMessage
	}

	if handler == nil {
		return err
	}
	if delErr := handler.Delete(ctx, discordgo.WithContext(ctx)); delErr != nil {
		return errors.Join(err, delErr)
	}
	return nil
}

// updateQueueRecord saves the queue's final state to its audit record
func (d *Bot) updateQueueRecord(ctx context.Context, view *QueueView) {
	snapshot := view.Snapshot()
	updates := map[string]any{
		columnQueueRecordState:       snapshot.State,
		columnQueueRecordStopReason:  snapshot.StopReason,
		columnQueueRecordMemberCount: len(snapshot.Members),
	}
	if snapshot.MessageID != "" {
		updates[columnQueueRecordMessageID] = snapshot.MessageID
	}
	view.mu.Lock()
	if view.stoppedAt != nil {
		updates[columnQueueRecordStoppedAt] = *view.stoppedAt
	}
	view.mu.Unlock()

	if _, err := d.writeDB.UpdatesWhere(
		context.WithoutCancel(ctx),
		&QueueRecord{},
		updates,
		"queue_id = ?",
		view.ID,
	); err != nil {
		d.logger.ErrorContext(ctx, "error updating queue record", tint.Err(err), "queue_id", view.ID)
	}
}

// handleQueueButton handles Join/Leave clicks on a queue message.
// Clicks are always acknowledged; the message is only re-rendered
// when the roster actually changed.
func (d *Bot) handleQueueButton(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	user := getDiscordUser(i)

	customID, err := decodeCustomID(i.MessageComponentData().CustomID)
	if err != nil {
		logger.WarnContext(ctx, "unrecognized component", tint.Err(err))
		d.metrics.queueButtonClicks.WithLabelValues("unknown", "invalid").Inc()
		_ = handler.Respond(ctx, ephemeralResponse(d.config.Queue.ClosedMessage))
		return
	}
	action := string(customID.Action)
	logger = logger.With("custom_id", customID.String())

	view, ok := d.queues.Get(customID.QueueID)
	if !ok || view.Stopped() {
		logger.InfoContext(ctx, "button clicked on closed queue")
		d.metrics.queueButtonClicks.WithLabelValues(action, "closed").Inc()
		_ = handler.Respond(ctx, ephemeralResponse(d.config.Queue.ClosedMessage))
		return
	}

	if _, messageID := view.Message(); messageID == "" && i.Message != nil {
		view.SetMessage(i.Message.ChannelID, i.Message.ID)
	}

	var changed bool
	switch customID.Action {
	case QueueButtonJoin:
		changed, err = view.Join(user.ID)
	case QueueButtonLeave:
		changed, err = view.Leave(user.ID)
	}
	if errors.Is(err, ErrQueueStopped) {
		d.metrics.queueButtonClicks.WithLabelValues(action, "closed").Inc()
		_ = handler.Respond(ctx, ephemeralResponse(d.config.Queue.ClosedMessage))
		return
	}

	if ackErr := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate},
	); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging button click", tint.Err(ackErr))
	}

	if !changed {
		d.metrics.queueButtonClicks.WithLabelValues(action, "unchanged").Inc()
		return
	}
	d.metrics.queueButtonClicks.WithLabelValues(action, "changed").Inc()
	logger.InfoContext(ctx, "queue updated", "action", action, "members", view.Len())

	if renderErr := view.Render(ctx, d.discord.session); renderErr != nil {
		logger.WarnContext(ctx, "error rendering queue", tint.Err(renderErr))
	}
}
