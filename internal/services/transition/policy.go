package transition

import (
	"time"

	"github.com/BearBump/TrackSync/internal/models"
)

type Kind int

const (
	NoChange Kind = iota
	Transition
	RetryBackoff
	Deactivate
)

func (k Kind) String() string {
	switch k {
	case NoChange:
		return "no_change"
	case Transition:
		return "transition"
	case RetryBackoff:
		return "retry_backoff"
	case Deactivate:
		return "deactivate"
	default:
		return "unknown"
	}
}

type Policy struct {
	MaxAttempts   int           // default: 3
	BackoffBase   time.Duration // default: 5 minutes
	BackoffFactor int           // default: 3
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BackoffBase:   5 * time.Minute,
		BackoffFactor: 3,
	}
}

// NewPolicy fills zero fields with defaults.
func NewPolicy(p Policy) Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = def.BackoffFactor
	}
	return p
}

// Input is the job state plus one observation. Observed is ignored when Failed is set.
type Input struct {
	Current  models.Status
	Interval int
	Attempt  int
	Observed models.Status
	Failed   bool
	// Finished is set for a deactivated job.
	Finished bool
	Now      time.Time
}

type Outcome struct {
	Kind            Kind
	From            models.Status
	To              models.Status
	NextRunAt       time.Time
	IntervalMinutes int
	Attempt         int
	// GaveUp is set when the failure budget ran out and the job went back to its regular interval.
	GaveUp bool
	// Unscheduled means the job is already finished: nothing about its schedule is written.
	Unscheduled bool
}

// Changed reports whether the outcome records a status transition.
func (o Outcome) Changed() bool {
	return o.Kind == Transition || o.Kind == Deactivate
}

// Decide is a pure function of its input.
func (p Policy) Decide(in Input) Outcome {
	now := in.Now.UTC()
	if in.Failed {
		return p.backoff(in, now)
	}
	if in.Finished || in.Current.IsTerminal() {
		return p.afterTerminal(in)
	}

	if in.Observed == in.Current {
		iv := intervalFor(in.Current, in.Interval)
		return Outcome{
			Kind:            NoChange,
			From:            in.Current,
			To:              in.Current,
			NextRunAt:       now.Add(minutes(iv)),
			IntervalMinutes: iv,
		}
	}

	if in.Observed.IsTerminal() {
		return Outcome{
			Kind:            Deactivate,
			From:            in.Current,
			To:              in.Observed,
			NextRunAt:       now,
			IntervalMinutes: in.Interval,
		}
	}

	iv := intervalFor(in.Observed, in.Interval)
	return Outcome{
		Kind:            Transition,
		From:            in.Current,
		To:              in.Observed,
		NextRunAt:       now.Add(minutes(iv)),
		IntervalMinutes: iv,
	}
}

// afterTerminal handles late observations (webhook retries, out-of-order
// events) for a job that has already been deactivated. A change is still
// recorded, the job is never rescheduled.
func (p Policy) afterTerminal(in Input) Outcome {
	out := Outcome{
		Kind:            NoChange,
		From:            in.Current,
		To:              in.Current,
		IntervalMinutes: in.Interval,
		Unscheduled:     true,
	}
	switch {
	case in.Observed == in.Current:
	case in.Observed.IsTerminal():
		out.Kind, out.To = Deactivate, in.Observed
	default:
		out.Kind, out.To = Transition, in.Observed
	}
	return out
}

func (p Policy) backoff(in Input, now time.Time) Outcome {
	attempt := in.Attempt + 1
	if attempt >= p.MaxAttempts {
		iv := intervalFor(in.Current, in.Interval)
		return Outcome{
			Kind:            NoChange,
			From:            in.Current,
			To:              in.Current,
			NextRunAt:       now.Add(minutes(iv)),
			IntervalMinutes: iv,
			GaveUp:          true,
		}
	}
	return Outcome{
		Kind:            RetryBackoff,
		From:            in.Current,
		To:              in.Current,
		NextRunAt:       now.Add(p.BackoffDelay(attempt)),
		IntervalMinutes: in.Interval,
		Attempt:         attempt,
	}
}

// BackoffDelay is base * factor^(attempt-1): 5m, 15m, 45m with the defaults.
func (p Policy) BackoffDelay(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= time.Duration(p.BackoffFactor)
	}
	return d
}

func intervalFor(st models.Status, fallback int) int {
	if iv, ok := st.IntervalMinutes(); ok {
		return iv
	}
	return fallback
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
