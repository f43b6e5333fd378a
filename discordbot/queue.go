package discordbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	customIDFormat = "%s:%s"

	QueueButtonJoin  QueueButtonType = "join"
	QueueButtonLeave QueueButtonType = "leave"

	QueueStateActive  QueueState = "active"
	QueueStateStopped QueueState = "stopped"

	QueueStopReasonExpired  = "expired"
	QueueStopReasonManual   = "stopped"
	QueueStopReasonShutdown = "shutdown"
	QueueStopReasonFailed   = "failed"

	queueStartedFormat = "%sA new queue has started! Click the button to join or leave the queue!"
	queueContentFormat = "%sCurrent Queue (%d members):\n%s"
	queueMemberFormat  = "%d. <@%s>"
)

var (
	ErrQueueStopped   = errors.New("queue is stopped")
	ErrQueueNotFound  = errors.New("queue not found")
	errQueueNoMessage = errors.New("queue has no associated message")
)

// QueueButtonType identifies which button on a queue message was clicked
type QueueButtonType string

// QueueState is the lifecycle state of a [QueueView]. A stopped queue
// never becomes active again.
type QueueState string

// CustomID is the decoded `custom_id` of a queue button. Buttons are
// encoded as `<action>:<queue id>`, so a click can be routed to the
// right [QueueView].
type CustomID struct {
	Action  QueueButtonType `json:"action"`
	QueueID string          `json:"queue_id"`
}

func (c CustomID) String() string {
	return fmt.Sprintf(customIDFormat, c.Action, c.QueueID)
}

// decodeCustomID accepts a `custom_id` value that's been set in
// a discord button component, and decodes it into a `CustomID` struct
func decodeCustomID(customID string) (CustomID, error) {
	parts := strings.Split(customID, ":")
	if len(parts) != 2 {
		return CustomID{}, fmt.Errorf("invalid custom_id format: %q", customID)
	}

	c := CustomID{
		Action:  QueueButtonType(parts[0]),
		QueueID: parts[1],
	}
	switch c.Action {
	case QueueButtonJoin, QueueButtonLeave:
	default:
		return CustomID{}, fmt.Errorf("unknown queue action: %q", parts[0])
	}
	if c.QueueID == "" {
		return CustomID{}, fmt.Errorf("missing queue ID: %q", customID)
	}
	return c, nil
}

// queueMessageEditor is the subset of [DiscordSessionHandler] used to
// render a queue into its message
type queueMessageEditor interface {
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// QueueView is an in-memory roster of users, rendered into a single
// discord message with Join/Leave buttons.
//
// Members are kept in join order, and each user appears at most once.
// Button handlers run concurrently, so all access to the roster goes
// through mu. Once stopped, Join and Leave return [ErrQueueStopped].
type QueueView struct {
	ID          string
	RoleMention string
	GuildID     string
	CreatedBy   string
	CreatedAt   time.Time

	// Timeout is how long after creation the queue expires, zero if never
	Timeout time.Duration

	joinLabel  string
	leaveLabel string

	mu         sync.Mutex
	members    []string
	state      QueueState
	stopReason string
	stoppedAt  *time.Time
	channelID  string
	messageID  string

	stopOnce sync.Once
	done     chan struct{}

	// serializes edits to the discord message
	renderMu sync.Mutex
}

// NewQueueView returns an active, empty queue which mentions the given role
func NewQueueView(roleMention string) *QueueView {
	return &QueueView{
		ID:          uuid.NewString(),
		RoleMention: roleMention,
		CreatedAt:   time.Now().UTC(),
		joinLabel:   DefaultQueueJoinLabel,
		leaveLabel:  DefaultQueueLeaveLabel,
		members:     []string{},
		state:       QueueStateActive,
		done:        make(chan struct{}),
	}
}

// SetLabels overrides the default button labels
func (q *QueueView) SetLabels(join, leave string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if join != "" {
		q.joinLabel = join
	}
	if leave != "" {
		q.leaveLabel = leave
	}
}

// Join appends the user to the queue. Returns false if the user
// was already queued.
func (q *QueueView) Join(userID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == QueueStateStopped {
		return false, ErrQueueStopped
	}
	if slices.Contains(q.members, userID) {
		return false, nil
	}
	q.members = append(q.members, userID)
	return true, nil
}

// Leave removes the user from the queue. Returns false if the user
// wasn't queued.
func (q *QueueView) Leave(userID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == QueueStateStopped {
		return false, ErrQueueStopped
	}
	idx := slices.Index(q.members, userID)
	if idx == -1 {
		return false, nil
	}
	q.members = slices.Delete(q.members, idx, idx+1)
	return true, nil
}

// Members returns a copy of the queued user IDs, in join order
func (q *QueueView) Members() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.members)
}

func (q *QueueView) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.members)
}

// Content renders the current roster as message content
func (q *QueueView) Content() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.content()
}

func (q *QueueView) content() string {
	lines := make([]string, 0, len(q.members))
	for i, userID := range q.members {
		lines = append(lines, fmt.Sprintf(queueMemberFormat, i+1, userID))
	}
	return fmt.Sprintf(
		queueContentFormat,
		q.RoleMention,
		len(q.members),
		strings.Join(lines, "\n"),
	)
}

// StartedContent is the content of the message first posted for the queue
func (q *QueueView) StartedContent() string {
	return fmt.Sprintf(queueStartedFormat, q.RoleMention)
}

// Components returns the Join/Leave button row for the queue message
func (q *QueueView) Components() []discordgo.MessageComponent {
	q.mu.Lock()
	joinLabel, leaveLabel := q.joinLabel, q.leaveLabel
	q.mu.Unlock()

	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    joinLabel,
					Style:    discordgo.PrimaryButton,
					CustomID: CustomID{Action: QueueButtonJoin, QueueID: q.ID}.String(),
				},
				discordgo.Button{
					Label:    leaveLabel,
					Style:    discordgo.DangerButton,
					CustomID: CustomID{Action: QueueButtonLeave, QueueID: q.ID}.String(),
				},
			},
		},
	}
}

// SetMessage associates the queue with the discord message it renders into
func (q *QueueView) SetMessage(channelID, messageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.channelID = channelID
	q.messageID = messageID
}

// Message returns the channel and message IDs the queue renders into
func (q *QueueView) Message() (channelID string, messageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.channelID, q.messageID
}

// Render edits the queue's message to show the current roster. Concurrent
// renders are serialized, and each one renders the latest roster.
func (q *QueueView) Render(ctx context.Context, editor queueMessageEditor) error {
	q.renderMu.Lock()
	defer q.renderMu.Unlock()

	q.mu.Lock()
	channelID, messageID := q.channelID, q.messageID
	content := q.content()
	q.mu.Unlock()

	if channelID == "" || messageID == "" {
		return errQueueNoMessage
	}

	edit := discordgo.NewMessageEdit(channelID, messageID).SetContent(content)
	if _, err := editor.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("error editing queue message: %w", err)
	}
	return nil
}

// Stop moves the queue to its terminal state, and cancels any pending
// expiry. Returns true only for the call which stopped the queue.
func (q *QueueView) Stop(reason string) bool {
	stopped := false
	q.stopOnce.Do(
		func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			now := time.Now().UTC()
			q.state = QueueStateStopped
			q.stopReason = reason
			q.stoppedAt = &now
			close(q.done)
			stopped = true
		},
	)
	return stopped
}

// Stopped returns true once Stop has been called
func (q *QueueView) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == QueueStateStopped
}

// Done returns a channel that's closed when the queue is stopped
func (q *QueueView) Done() <-chan struct{} {
	return q.done
}

// ExpiresAt returns when the queue expires, or nil if it doesn't
func (q *QueueView) ExpiresAt() *time.Time {
	if q.Timeout <= 0 {
		return nil
	}
	t := q.CreatedAt.Add(q.Timeout)
	return &t
}

// QueueSnapshot is a point-in-time copy of a [QueueView]
type QueueSnapshot struct {
	ID          string     `json:"id"`
	RoleMention string     `json:"role_mention"`
	GuildID     string     `json:"guild_id"`
	ChannelID   string     `json:"channel_id"`
	MessageID   string     `json:"message_id"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	State       QueueState `json:"state"`
	StopReason  string     `json:"stop_reason,omitempty"`
	Members     []string   `json:"members"`
}

func (q *QueueView) Snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueSnapshot{
		ID:          q.ID,
		RoleMention: q.RoleMention,
		GuildID:     q.GuildID,
		ChannelID:   q.channelID,
		MessageID:   q.messageID,
		CreatedBy:   q.CreatedBy,
		CreatedAt:   q.CreatedAt,
		ExpiresAt:   q.ExpiresAt(),
		State:       q.state,
		StopReason:  q.stopReason,
		Members:     slices.Clone(q.members),
	}
}

func (q *QueueView) LogValue() slog.Value {
	channelID, messageID := q.Message()
	return slog.GroupValue(
		slog.String("id", q.ID),
		slog.String("channel_id", channelID),
		slog.String("message_id", messageID),
		slog.Int("members", q.Len()),
		slog.Duration("timeout", q.Timeout),
	)
}

// QueueRegistry tracks active queues by ID, so button clicks can be
// routed to the queue they belong to
type QueueRegistry struct {
	mu     sync.RWMutex
	queues map[string]*QueueView
}

func NewQueueRegistry() *QueueRegistry {
	return &QueueRegistry{queues: map[string]*QueueView{}}
}

func (r *QueueRegistry) Add(q *QueueView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[q.ID] = q
}

func (r *QueueRegistry) Get(id string) (*QueueView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[id]
	return q, ok
}

// Remove drops the queue from the registry, returning false if it
// wasn't registered
func (r *QueueRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.queues[id]
	delete(r.queues, id)
	return ok
}

// All returns the registered queues, oldest first
func (r *QueueRegistry) All() []*QueueView {
	r.mu.RLock()
	queues := make([]*QueueView, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.RUnlock()

	slices.SortFunc(
		queues, func(a, b *QueueView) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		},
	)
	return queues
}

func (r *QueueRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}
