package supervisor

import (
	"time"

	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/util/retry"
)

// Policy decides when a failed subsystem is restarted.
type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// MaxRestarts within RestartWindow before the subsystem is given up on. 0 means unlimited.
	MaxRestarts   int
	RestartWindow time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2,
		RestartWindow:  5 * time.Minute,
	}
}

func PolicyFromSettings(tSettings *settings.Settings) Policy {
	p := Policy{
		InitialBackoff: tSettings.Supervisor.InitialBackoff,
		MaxBackoff:     tSettings.Supervisor.MaxBackoff,
		BackoffFactor:  tSettings.Supervisor.BackoffFactor,
		MaxRestarts:    tSettings.Supervisor.MaxRestarts,
		RestartWindow:  tSettings.Supervisor.RestartWindow,
	}

	return p.normalized()
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()

	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}

	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}

	if p.BackoffFactor < 1 {
		p.BackoffFactor = d.BackoffFactor
	}

	if p.RestartWindow <= 0 {
		p.RestartWindow = d.RestartWindow
	}

	return p
}

func (p Policy) nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return p.InitialBackoff
	}

	return retry.CappedExponentialBackoff(current, p.BackoffFactor, p.MaxBackoff)
}

// exhausted prunes restarts older than the window and reports whether one more
// restart would exceed MaxRestarts.
func (p Policy) exhausted(restarts []time.Time, now time.Time) ([]time.Time, bool) {
	cutoff := now.Add(-p.RestartWindow)

	kept := restarts[:0]

	for _, t := range restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	return kept, p.MaxRestarts > 0 && len(kept) >= p.MaxRestarts
}
