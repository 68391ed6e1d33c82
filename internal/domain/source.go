package domain

import (
	"time"
)

// SourceType selects the fetch adapter family.
type SourceType string

const (
	// SourceFeed covers RSS/Atom feeds and plain HTML news sites.
	SourceFeed SourceType = "feed"
	// SourceChannel covers public messaging channels.
	SourceChannel SourceType = "channel"
)

// Valid reports whether the type is known.
func (t SourceType) Valid() bool {
	return t == SourceFeed || t == SourceChannel
}

// Source is a polled origin of news.
type Source struct {
	ID           string
	Name         string
	Type         SourceType
	Address      string
	Enabled      bool
	PollInterval time.Duration
	Options      map[string]string
	Health       SourceHealth
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SourceHealth tracks consecutive poll failures.
type SourceHealth struct {
	ConsecutiveFailures int
	LastError           string
	LastPolledAt        time.Time
	Unhealthy           bool
}

// Due reports whether the source should be polled at now.
func (s Source) Due(now time.Time, fallback time.Duration) bool {
	if !s.Enabled {
		return false
	}
	if s.Health.LastPolledAt.IsZero() {
		return true
	}
	return !now.Before(s.Health.LastPolledAt.Add(ClampPollInterval(s.PollInterval, fallback)))
}

const (
	minPollInterval = time.Minute
	maxPollInterval = 24 * time.Hour
)

// ClampPollInterval applies the fallback for unset cadences and keeps the value within bounds.
func ClampPollInterval(interval, fallback time.Duration) time.Duration {
	if interval <= 0 {
		interval = fallback
	}
	if interval < minPollInterval {
		return minPollInterval
	}
	if interval > maxPollInterval {
		return maxPollInterval
	}
	return interval
}

// Keyword is a single relevance term.
type Keyword struct {
	ID     string
	Term   string
	Active bool
}

// Snapshot is a read-only view of the registry taken once per decision.
type Snapshot struct {
	Sources  []Source
	Keywords []string
}

// Source finds a source by id.
func (s Snapshot) Source(id string) (Source, bool) {
	for _, src := range s.Sources {
		if src.ID == id {
			return src, true
		}
	}
	return Source{}, false
}

// Enabled returns only the sources that may be polled.
func (s Snapshot) Enabled() []Source {
	out := make([]Source, 0, len(s.Sources))
	for _, src := range s.Sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out
}
