package cache

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// A cached record is stale exactly when the read time reaches FetchedAt + ttl.
func TestStalenessBoundaryProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	properties.Property("stale iff now >= fetched_at + ttl", prop.ForAll(
		func(ttlSecs, offsetSecs int64) bool {
			c := &clock{t: base}
			m := New(nil, time.Hour, WithNow(c.now))
			ttl := time.Duration(ttlSecs) * time.Second
			if _, err := m.Put(context.Background(), record("ACME", 1, base), ttl); err != nil {
				return false
			}
			c.t = base.Add(time.Duration(offsetSecs) * time.Second)
			l, err := m.Get(context.Background(), "ACME", "")
			if err != nil || !l.Hit {
				return false
			}
			return l.Stale == (offsetSecs >= ttlSecs)
		},
		gen.Int64Range(1, 7*24*3600),
		gen.Int64Range(0, 14*24*3600),
	))

	properties.TestingRun(t)
}
