package model

import "time"

// DefaultPeriod is used when a caller does not name a fiscal period.
const DefaultPeriod = "TTM"

// ConsensusRecord is the merged, confidence-scored metrics for one entity and period.
type ConsensusRecord struct {
	EntityID        string            `json:"entity_id"`
	Period          string            `json:"period"`
	Metrics         Metrics           `json:"metrics"`
	ConfidenceScore float64           `json:"confidence_score"`
	SourcesUsed     []string          `json:"sources_used"`
	FieldSources    map[string]string `json:"field_sources,omitempty"`
	VarianceFlags   []string          `json:"variance_flags"`
	Valid           bool              `json:"valid"`
	FetchedAt       time.Time         `json:"fetched_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

// IsStale reports whether the record has expired at now.
func (r *ConsensusRecord) IsStale(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Clone returns a deep copy of r.
func (r *ConsensusRecord) Clone() *ConsensusRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Metrics = r.Metrics.Clone()
	c.SourcesUsed = append([]string(nil), r.SourcesUsed...)
	c.VarianceFlags = append([]string(nil), r.VarianceFlags...)
	if r.FieldSources != nil {
		c.FieldSources = make(map[string]string, len(r.FieldSources))
		for k, v := range r.FieldSources {
			c.FieldSources[k] = v
		}
	}
	return &c
}

// HasVarianceFlag reports whether metric was flagged for cross-source variance.
func (r *ConsensusRecord) HasVarianceFlag(metric string) bool {
	for _, f := range r.VarianceFlags {
		if f == metric {
			return true
		}
	}
	return false
}

// PrimarySource returns the first contributing source, or "".
func (r *ConsensusRecord) PrimarySource() string {
	if len(r.SourcesUsed) == 0 {
		return ""
	}
	return r.SourcesUsed[0]
}

// CacheKey returns the (entity, period) key the record is stored under.
func (r *ConsensusRecord) CacheKey() string {
	return CacheKey(r.EntityID, r.Period)
}

// CacheKey builds the cache key for an entity and period.
func CacheKey(entityID, period string) string {
	if period == "" {
		period = DefaultPeriod
	}
	return entityID + "|" + period
}

// DeltaRecord is one detected change of a metric between consensus computations.
type DeltaRecord struct {
	ID            string    `json:"id"`
	EntityID      string    `json:"entity_id"`
	Metric        string    `json:"metric"`
	Previous      *float64  `json:"previous,omitempty"`
	Current       float64   `json:"current"`
	ChangePercent float64   `json:"change_percent"`
	Significant   bool      `json:"significant"`
	DetectedAt    time.Time `json:"detected_at"`
	Source        string    `json:"source,omitempty"`
}
