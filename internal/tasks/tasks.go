package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sidekick/internal/scheduler"
	"sidekick/internal/transport"

	logx "sidekick/pkg/logx"
)

// Built-in handler kinds. These names are what JobRecords persist, so they
// must stay stable across releases.
const (
	KindReminder   = "reminder"
	KindGymBooking = "gym_booking"
)

// Sender publishes text to a chat.
type Sender func(ctx context.Context, to transport.ChatTarget, text string) error

// ReminderPayload is the stored payload for reminder jobs.
type ReminderPayload struct {
	ChatID  int64  `json:"chat_id"`
	Message string `json:"message"`
}

// Reminder returns the handler for one-off and recurring reminders: it
// renders the stored message back into the owner's chat.
func Reminder(send Sender, log logx.Logger) scheduler.HandlerFunc {
	log = log.With(logx.String("task", KindReminder))
	return func(ctx context.Context, job scheduler.Job) error {
		var p ReminderPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("reminder payload: %w", err)
		}
		if p.ChatID == 0 {
			return fmt.Errorf("reminder payload: missing chat_id")
		}
		text := "🔔 Reminder: " + p.Message
		if err := send(ctx, transport.ChatTarget{ChatID: p.ChatID}, text); err != nil {
			return fmt.Errorf("send reminder: %w", err)
		}
		log.Debug("reminder delivered", logx.String("job", job.ID), logx.Int64("chat", p.ChatID))
		return nil
	}
}

// GymPayload is the stored payload for gym booking jobs.
type GymPayload struct {
	ChatID      int64             `json:"chat_id"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// BookingRequest is what the automation receives for one run.
type BookingRequest struct {
	OwnerID     int64
	ChatID      int64
	Preferences map[string]string
}

// BookingResult reports how a booking run ended.
type BookingResult struct {
	Booked  bool
	Details string
}

// Automation performs the actual booking. The web automation itself lives
// outside this process; implementations range from a confirmation dialog to a
// headless browser driver.
type Automation interface {
	Run(ctx context.Context, req BookingRequest) (BookingResult, error)
}

// AutomationFunc adapts a function to Automation.
type AutomationFunc func(ctx context.Context, req BookingRequest) (BookingResult, error)

func (f AutomationFunc) Run(ctx context.Context, req BookingRequest) (BookingResult, error) {
	return f(ctx, req)
}

// GymBooking returns the handler that announces the run, drives the
// automation, and reports the outcome to the owner's chat.
func GymBooking(send Sender, auto Automation, log logx.Logger) scheduler.HandlerFunc {
	log = log.With(logx.String("task", KindGymBooking))
	return func(ctx context.Context, job scheduler.Job) error {
		var p GymPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("gym booking payload: %w", err)
		}
		if p.ChatID == 0 {
			return fmt.Errorf("gym booking payload: missing chat_id")
		}
		to := transport.ChatTarget{ChatID: p.ChatID}

		if err := send(ctx, to, "🏋️ Time to book your gym slot, working on it..."); err != nil {
			return fmt.Errorf("announce booking: %w", err)
		}

		res, err := auto.Run(ctx, BookingRequest{
			OwnerID:     job.OwnerID,
			ChatID:      p.ChatID,
			Preferences: p.Preferences,
		})
		if err != nil {
			// The owner hears about it here; the error still propagates so the
			// engine records the failed run.
			_ = send(ctx, to, "❌ Gym booking failed: "+err.Error())
			return fmt.Errorf("booking automation: %w", err)
		}

		outcome := "⏭️ Gym booking skipped"
		if res.Booked {
			outcome = "✅ Gym slot booked"
		}
		if res.Details != "" {
			outcome += ": " + res.Details
		}
		if err := send(ctx, to, outcome); err != nil {
			return fmt.Errorf("report booking outcome: %w", err)
		}
		log.Info("booking run finished", logx.String("job", job.ID), logx.Bool("booked", res.Booked))
		return nil
	}
}

// Asker is the slice of the interaction bridge the confirm automation needs.
type Asker interface {
	Ask(ctx context.Context, userID int64, to transport.ChatTarget, question string) (string, error)
}

// ConfirmAutomation is the default Automation: instead of driving a booking
// site it asks the owner to confirm through the interaction bridge. A reply
// starting with "y" books; anything else, or no reply at all, skips.
type ConfirmAutomation struct {
	ask Asker
}

func NewConfirmAutomation(ask Asker) *ConfirmAutomation {
	return &ConfirmAutomation{ask: ask}
}

func (c *ConfirmAutomation) Run(ctx context.Context, req BookingRequest) (BookingResult, error) {
	q := "Shall I book your usual gym slot"
	if slot := req.Preferences["slot"]; slot != "" {
		q = fmt.Sprintf("Shall I book your gym slot at %s", slot)
	}
	reply, err := c.ask.Ask(ctx, req.OwnerID, transport.ChatTarget{ChatID: req.ChatID}, q+"? (yes/no)")
	if err != nil {
		return BookingResult{}, fmt.Errorf("confirmation: %w", err)
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(reply)), "y") {
		return BookingResult{Booked: true, Details: "confirmed by you"}, nil
	}
	return BookingResult{Details: "you declined"}, nil
}

// RegisterBuiltins binds the built-in handler kinds into the registry. Must
// run before the engine starts so persisted jobs re-bind on load.
func RegisterBuiltins(h *scheduler.Handlers, send Sender, auto Automation, log logx.Logger) {
	h.Register(KindReminder, Reminder(send, log))
	h.Register(KindGymBooking, GymBooking(send, auto, log))
}
