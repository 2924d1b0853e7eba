package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind discriminates the two trigger shapes: a recurring 6-field cron
// pattern or a single fixed instant.
type Kind string

const (
	KindCron Kind = "cron"
	KindAt   Kind = "at"
)

var (
	// ErrArity is returned before field parsing when the expression does not
	// have exactly 6 fields.
	ErrArity = errors.New(`cron spec needs 6 space-separated fields: "second minute hour day month weekday"`)
	// ErrField is returned when the arity is right but a field does not parse.
	ErrField = errors.New("unparseable cron field")
	// ErrTimezone is returned for an unknown IANA timezone name.
	ErrTimezone = errors.New("unknown timezone")
)

// Fields: second minute hour day month weekday. No descriptors (@daily etc.),
// schedules are always explicit.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Spec is a trigger specification: either a cron pattern evaluated in a named
// timezone (with an optional validity window) or a fixed instant.
//
// Specs are immutable values. Construct them with ParseCron or At (or by
// unmarshalling a previously marshalled Spec); the zero Spec never fires.
type Spec struct {
	Kind     Kind
	Expr     string
	Timezone string
	At       time.Time

	// Validity window for cron specs. NotBefore bounds the earliest fire,
	// NotAfter (exclusive) the latest. Zero means unbounded.
	NotBefore time.Time
	NotAfter  time.Time

	sched cron.Schedule
	loc   *time.Location
}

// Option adjusts a cron Spec at construction time.
type Option func(*Spec)

func WithNotBefore(t time.Time) Option { return func(s *Spec) { s.NotBefore = t } }
func WithNotAfter(t time.Time) Option  { return func(s *Spec) { s.NotAfter = t } }

// ParseCron builds a recurring Spec from a 6-field cron expression and an
// IANA timezone name (empty means UTC).
//
// Wrong field count and unparseable fields are distinct errors (ErrArity vs
// ErrField) so callers can report them precisely before anything is persisted.
func ParseCron(expr, tz string, opts ...Option) (Spec, error) {
	expr = strings.TrimSpace(expr)
	if n := len(strings.Fields(expr)); n != 6 {
		return Spec{}, fmt.Errorf("%w (got %d)", ErrArity, n)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrField, err)
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return Spec{}, err
	}

	s := Spec{
		Kind:     KindCron,
		Expr:     expr,
		Timezone: tz,
		sched:    sched,
		loc:      loc,
	}
	for _, o := range opts {
		o(&s)
	}
	return s, nil
}

// At builds a one-shot Spec that fires once at the given instant.
func At(t time.Time) Spec {
	return Spec{Kind: KindAt, At: t, loc: t.Location()}
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrTimezone, tz)
	}
	return loc, nil
}

func (s Spec) location() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	return time.UTC
}

// NextAfter returns the earliest instant strictly after "after" at which the
// spec fires, or ok=false when it never fires again.
//
// For cron specs the forward search is bounded (about five years); a pattern
// with no match inside the horizon yields ok=false rather than looping. DST
// gaps are skipped and ambiguous fall-back instants fire on their first
// occurrence, both per the cron schedule's timezone.
func (s Spec) NextAfter(after time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindAt:
		if after.Before(s.At) {
			return s.At, true
		}
		return time.Time{}, false

	case KindCron:
		if s.sched == nil {
			return time.Time{}, false
		}
		if !s.NotAfter.IsZero() && !after.Before(s.NotAfter) {
			return time.Time{}, false
		}
		t := after
		if !s.NotBefore.IsZero() && t.Before(s.NotBefore) {
			// Next() is strictly-after, so backing up one second makes a
			// fire exactly at NotBefore possible.
			t = s.NotBefore.Add(-time.Second)
		}
		n := s.sched.Next(t.In(s.location()))
		if n.IsZero() {
			return time.Time{}, false
		}
		if !s.NotAfter.IsZero() && !n.Before(s.NotAfter) {
			return time.Time{}, false
		}
		return n, true
	}
	return time.Time{}, false
}

// String renders the spec for listings and logs.
func (s Spec) String() string {
	switch s.Kind {
	case KindAt:
		return "at " + s.At.Format(time.RFC3339)
	case KindCron:
		tz := s.Timezone
		if tz == "" {
			tz = "UTC"
		}
		return fmt.Sprintf("cron %q (%s)", s.Expr, tz)
	}
	return "never"
}

// ---- JSON round-trip ----
//
// The persisted form carries only plain data; the compiled schedule is
// re-derived on load so a Spec coming out of the job store is immediately
// evaluable.

type specWire struct {
	Kind      Kind       `json:"kind"`
	Expr      string     `json:"expr,omitempty"`
	Timezone  string     `json:"tz,omitempty"`
	At        *time.Time `json:"at,omitempty"`
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
}

func (s Spec) MarshalJSON() ([]byte, error) {
	w := specWire{Kind: s.Kind, Expr: s.Expr, Timezone: s.Timezone}
	if !s.At.IsZero() {
		at := s.At
		w.At = &at
	}
	if !s.NotBefore.IsZero() {
		nb := s.NotBefore
		w.NotBefore = &nb
	}
	if !s.NotAfter.IsZero() {
		na := s.NotAfter
		w.NotAfter = &na
	}
	return json.Marshal(w)
}

func (s *Spec) UnmarshalJSON(b []byte) error {
	var w specWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	switch w.Kind {
	case KindAt:
		if w.At == nil {
			return errors.New("trigger: at spec without instant")
		}
		*s = At(*w.At)
		return nil

	case KindCron:
		var opts []Option
		if w.NotBefore != nil {
			opts = append(opts, WithNotBefore(*w.NotBefore))
		}
		if w.NotAfter != nil {
			opts = append(opts, WithNotAfter(*w.NotAfter))
		}
		parsed, err := ParseCron(w.Expr, w.Timezone, opts...)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	return fmt.Errorf("trigger: unknown spec kind %q", w.Kind)
}
