// Package model holds the directory and ledger records shared by the tracker services.
package model

import (
	"time"
)

// ProviderRecord is the liveness entry for one maker rendezvous address.
type ProviderRecord struct {
	Address string
	// LastSeen is the last successful contact, or the time the announcement was indexed.
	LastSeen time.Time
	Stale    bool
}

// NewProviderRecord returns a fresh, non-stale record as created on announcement.
func NewProviderRecord(address string, now time.Time) *ProviderRecord {
	return &ProviderRecord{
		Address:  address,
		LastSeen: now,
	}
}

// Clone returns a copy safe to hand out of the directory.
func (p *ProviderRecord) Clone() *ProviderRecord {
	if p == nil {
		return nil
	}

	c := *p

	return &c
}

// CoolingDown reports whether the record was contacted less than cooldown ago.
func (p *ProviderRecord) CoolingDown(now time.Time, cooldown time.Duration) bool {
	return now.Sub(p.LastSeen) <= cooldown
}

// UpdateKind is the closed set of field changes the directory accepts for an existing record.
type UpdateKind uint8

const (
	UpdateSetLastSeen UpdateKind = iota + 1
	UpdateSetStale
	UpdateSetBoth
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateSetLastSeen:
		return "set-last-seen"
	case UpdateSetStale:
		return "set-stale"
	case UpdateSetBoth:
		return "set-both"
	default:
		return "unknown"
	}
}

// RecordUpdate carries one UpdateKind and the values it needs.
type RecordUpdate struct {
	Kind     UpdateKind
	LastSeen time.Time
	Stale    bool
}

func SetLastSeen(t time.Time) RecordUpdate {
	return RecordUpdate{Kind: UpdateSetLastSeen, LastSeen: t}
}

func SetStale(stale bool) RecordUpdate {
	return RecordUpdate{Kind: UpdateSetStale, Stale: stale}
}

func SetBoth(t time.Time, stale bool) RecordUpdate {
	return RecordUpdate{Kind: UpdateSetBoth, LastSeen: t, Stale: stale}
}

// Apply mutates p in place. It returns false for an unknown kind, leaving p untouched.
func (u RecordUpdate) Apply(p *ProviderRecord) bool {
	switch u.Kind {
	case UpdateSetLastSeen:
		p.LastSeen = u.LastSeen
	case UpdateSetStale:
		p.Stale = u.Stale
	case UpdateSetBoth:
		p.LastSeen = u.LastSeen
		p.Stale = u.Stale
	default:
		return false
	}

	return true
}
