package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sidekick/internal/bridge"
	"sidekick/internal/config"
	"sidekick/internal/scheduler"
	"sidekick/internal/storage"
	"sidekick/internal/tasks"
	"sidekick/internal/transport"
	"sidekick/internal/trigger"

	logx "sidekick/pkg/logx"
)

const helpText = `I can run things for you on a schedule.

/schedule <sec min hour dom month dow> <kind> [text] - recurring task
/at <RFC3339 time> <kind> [text] - one-off task
/schedules - list your schedules
/cancel <id> - cancel a schedule
/help - this message

Task kinds: reminder, gym_booking
Example: /schedule 0 0 9 * * 1-5 reminder stand-up in 10 minutes`

// Router turns inbound chat messages into bridge replies and engine calls.
// Every message is first offered to the interaction bridge: while a task is
// waiting on the user, their next message is the answer, not a command.
type Router struct {
	cfg    func() *config.Config
	engine *scheduler.Engine
	bridge *bridge.Bridge
	send   tasks.Sender
	log    logx.Logger

	newID func(kind string, owner int64) string
}

func NewRouter(cfg func() *config.Config, eng *scheduler.Engine, br *bridge.Bridge, send tasks.Sender, log logx.Logger) *Router {
	return &Router{
		cfg:    cfg,
		engine: eng,
		bridge: br,
		send:   send,
		log:    log.With(logx.String("comp", "router")),
		newID:  newJobID,
	}
}

// newJobID builds ids like "reminder_42_9f3a07c1": kind and owner for
// greppability, a short random suffix for uniqueness.
func newJobID(kind string, owner int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", kind, owner, suffix)
}

func (r *Router) Handle(ctx context.Context, up transport.Update) {
	m := up.Message
	if m == nil || strings.TrimSpace(m.Text) == "" {
		return
	}
	cfg := r.cfg()
	if cfg == nil || !cfg.Allowed(m.FromID) {
		r.log.Debug("message from unlisted user ignored", logx.Int64("from", m.FromID))
		return
	}

	// A waiting task owns this user's next message.
	if r.bridge.Deliver(m.FromID, m.Text) {
		return
	}

	to := transport.ChatTarget{ChatID: m.ChatID}
	cmd, rest := splitCommand(m.Text)
	var reply string
	switch cmd {
	case "/start", "/help":
		reply = helpText
	case "/schedule":
		reply = r.cmdSchedule(ctx, cfg, m, rest)
	case "/at":
		reply = r.cmdAt(ctx, m, rest)
	case "/schedules":
		reply = r.cmdList(ctx, m.FromID)
	case "/cancel":
		reply = r.cmdCancel(ctx, m.FromID, rest)
	default:
		reply = "I didn't catch that. Try /help."
	}
	if reply == "" {
		return
	}
	if err := r.send(ctx, to, reply); err != nil {
		r.log.Warn("reply not sent", logx.Int64("chat", m.ChatID), logx.Err(err))
	}
}

func splitCommand(text string) (cmd, rest string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	parts := strings.SplitN(text, " ", 2)
	cmd = strings.ToLower(parts[0])
	// Strip the @botname suffix Telegram appends in groups.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	if len(parts) == 2 {
		rest = strings.TrimSpace(parts[1])
	}
	return cmd, rest
}

func (r *Router) cmdSchedule(ctx context.Context, cfg *config.Config, m *transport.Message, rest string) string {
	fields := strings.Fields(rest)
	if len(fields) < 7 {
		return "Usage: /schedule <sec min hour dom month dow> <kind> [text]"
	}
	expr := strings.Join(fields[:6], " ")
	kind := fields[6]
	text := strings.Join(fields[7:], " ")

	spec, err := trigger.ParseCron(expr, cfg.Scheduler.Timezone)
	if err != nil {
		return "That's not a schedule I understand: " + err.Error()
	}
	return r.create(ctx, m, kind, spec, text)
}

func (r *Router) cmdAt(ctx context.Context, m *transport.Message, rest string) string {
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return "Usage: /at <RFC3339 time> <kind> [text]"
	}
	at, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return "I need an RFC3339 time, like 2026-09-01T09:00:00+02:00."
	}
	kind := fields[1]
	text := strings.Join(fields[2:], " ")
	return r.create(ctx, m, kind, trigger.At(at), text)
}

func (r *Router) create(ctx context.Context, m *transport.Message, kind string, spec trigger.Spec, text string) string {
	payload, err := buildPayload(kind, m.ChatID, text)
	if err != nil {
		return err.Error()
	}
	job, err := r.engine.Create(ctx, scheduler.CreateRequest{
		ID:          r.newID(kind, m.FromID),
		OwnerID:     m.FromID,
		Spec:        spec,
		HandlerKind: kind,
		Payload:     payload,
		Meta: &storage.ScheduleMeta{
			ChatID:          m.ChatID,
			TaskKind:        kind,
			OriginalRequest: m.Text,
		},
	})
	switch {
	case errors.Is(err, scheduler.ErrUnknownHandler):
		return fmt.Sprintf("I don't know the task kind %q. Try /help.", kind)
	case err != nil:
		r.log.Error("schedule create failed", logx.Int64("owner", m.FromID), logx.Err(err))
		return "Something went wrong saving that schedule, sorry."
	}
	if job.NextFireAt.IsZero() {
		return fmt.Sprintf("✅ Saved %s, but it will never fire - check the schedule.", job.ID)
	}
	return fmt.Sprintf("✅ Scheduled %s\nNext run: %s", job.ID, job.NextFireAt.Format(time.RFC1123))
}

func buildPayload(kind string, chatID int64, text string) (json.RawMessage, error) {
	switch kind {
	case tasks.KindReminder:
		if text == "" {
			text = "time!"
		}
		return json.Marshal(tasks.ReminderPayload{ChatID: chatID, Message: text})
	case tasks.KindGymBooking:
		p := tasks.GymPayload{ChatID: chatID}
		if text != "" {
			p.Preferences = map[string]string{"slot": text}
		}
		return json.Marshal(p)
	default:
		// Unknown kinds still get a payload; the engine is the one that
		// decides whether the kind exists.
		return json.Marshal(map[string]any{"chat_id": chatID, "text": text})
	}
}

func (r *Router) cmdList(ctx context.Context, ownerID int64) string {
	infos, err := r.engine.List(ctx, ownerID)
	if err != nil {
		r.log.Error("list schedules failed", logx.Int64("owner", ownerID), logx.Err(err))
		return "Couldn't read your schedules, sorry."
	}
	if len(infos) == 0 {
		return "You have no schedules. Create one with /schedule or /at."
	}
	var b strings.Builder
	b.WriteString("Your schedules:\n")
	for _, info := range infos {
		fmt.Fprintf(&b, "• %s (%s)", info.Meta.JobID, info.Meta.TaskKind)
		switch {
		case !info.Live:
			b.WriteString(" - inactive")
		case info.State == storage.JobFiring:
			b.WriteString(" - running now")
		case info.NextFireAt.IsZero():
			b.WriteString(" - done")
		default:
			fmt.Fprintf(&b, " - next %s", info.NextFireAt.Format(time.RFC1123))
		}
		if req := strings.TrimSpace(info.Meta.OriginalRequest); req != "" {
			fmt.Fprintf(&b, "\n   %q", req)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cmdCancel(ctx context.Context, ownerID int64, rest string) string {
	id := strings.TrimSpace(rest)
	if id == "" {
		return "Usage: /cancel <id> (see /schedules for ids)"
	}
	err := r.engine.Cancel(ctx, id, ownerID)
	switch {
	// Someone else's schedule looks exactly like a missing one; ids are not
	// an enumeration oracle.
	case errors.Is(err, scheduler.ErrNotFound), errors.Is(err, scheduler.ErrNotOwner):
		return "No schedule with that id: " + id
	case err != nil:
		r.log.Error("cancel failed", logx.String("job", id), logx.Err(err))
		return "Couldn't cancel that schedule, sorry."
	}
	return "🗑️ Cancelled " + id
}
