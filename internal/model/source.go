package model

import "time"

// Channel is the kind of data channel a source belongs to.
type Channel string

const (
	ChannelAPI      Channel = "api"
	ChannelNews     Channel = "news"
	ChannelDocument Channel = "document"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelAPI, ChannelNews, ChannelDocument:
		return true
	default:
		return false
	}
}

// SourceDescriptor describes one external data channel.
type SourceDescriptor struct {
	Name          string  `json:"name" yaml:"name"`
	Channel       Channel `json:"channel" yaml:"channel"`
	Category      string  `json:"category" yaml:"category"`
	Priority      int     `json:"priority" yaml:"priority"`
	RatePerMinute int     `json:"rate_per_minute" yaml:"rate_per_minute"`
	DailyLimit    int     `json:"daily_limit" yaml:"daily_limit"`
	HourlyLimit   int     `json:"hourly_limit,omitempty" yaml:"hourly_limit"`
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	Reliability   float64 `json:"reliability" yaml:"reliability"`

	// AutoDisabled is set by the failure ledger, never by operators.
	AutoDisabled bool `json:"auto_disabled" yaml:"-"`
	// ResetAt is when an operator last re-enabled the source over an
	// auto-disable. The ledger ignores earlier attempts when auto-tuning.
	ResetAt time.Time `json:"reset_at,omitzero" yaml:"-"`
}

// Active reports whether the source may be dispatched.
func (d SourceDescriptor) Active() bool {
	return d.Enabled && !d.AutoDisabled
}

// FetchAttempt is the immutable outcome of one fetch against one source.
type FetchAttempt struct {
	ID        string        `json:"id"`
	At        time.Time     `json:"at"`
	Source    string        `json:"source"`
	Category  string        `json:"category"`
	EntityID  string        `json:"entity_id"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Transient bool          `json:"transient,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// SourceStat is a derived view over a window of fetch attempts.
type SourceStat struct {
	Source      string  `json:"source"`
	Category    string  `json:"category"`
	Attempts    int     `json:"attempts"`
	Failures    int     `json:"failures"`
	Successes   int     `json:"successes"`
	FailureRate float64 `json:"failure_rate"`
	Disabled    bool    `json:"disabled"`
}

// RawSourceRecord is what a single source returned for an entity.
type RawSourceRecord struct {
	EntityID   string            `json:"entity_id"`
	Source     string            `json:"source"`
	Metrics    Metrics           `json:"metrics"`
	Labels     map[string]string `json:"labels,omitempty"`
	FetchedAt  time.Time         `json:"fetched_at"`
	AsOf       *time.Time        `json:"as_of,omitempty"`
	Confidence float64           `json:"confidence"`
}

// Timestamp returns the data's as-of date when known, otherwise the fetch time.
func (r *RawSourceRecord) Timestamp() time.Time {
	if r.AsOf != nil && !r.AsOf.IsZero() {
		return *r.AsOf
	}
	return r.FetchedAt
}

// Label keys used by source adapters.
const (
	LabelName     = "name"
	LabelSector   = "sector"
	LabelIndustry = "industry"
	LabelCurrency = "currency"
)
