package source

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/resilience"
)

// StaticRecord is a fixture entry.
type StaticRecord struct {
	Metrics model.Metrics
	Labels  map[string]string
	AsOf    *time.Time
	Err     error
}

// StaticFetcher serves fixed records, keyed by upper-cased entity id. Used
// for local runs and tests.
type StaticFetcher struct {
	name    string
	mu      sync.RWMutex
	records map[string]StaticRecord
	nowFunc func() time.Time
}

// NewStaticFetcher creates an empty fixture source.
func NewStaticFetcher(name string) *StaticFetcher {
	return &StaticFetcher{
		name:    name,
		records: make(map[string]StaticRecord),
		nowFunc: time.Now,
	}
}

// Set installs the fixture for entityID.
func (s *StaticFetcher) Set(entityID string, rec StaticRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[strings.ToUpper(entityID)] = rec
}

// Fetch implements Fetcher.
func (s *StaticFetcher) Fetch(ctx context.Context, q Query) (*model.RawSourceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	r, ok := s.records[q.Symbol()]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &model.RawSourceRecord{
		EntityID:  q.EntityID,
		Source:    s.name,
		Metrics:   r.Metrics,
		Labels:    r.Labels,
		FetchedAt: s.nowFunc(),
		AsOf:      r.AsOf,
	}, nil
}

type fixtureFile struct {
	Entities map[string]struct {
		AsOf    string            `yaml:"as_of"`
		Labels  map[string]string `yaml:"labels"`
		Metrics map[string]any    `yaml:"metrics"`
	} `yaml:"entities"`
}

// LoadStaticFile fills the fetcher from a YAML fixture:
//
//	entities:
//	  ACME:
//	    as_of: 2025-12-31
//	    metrics: {revenue: 100, marketCap: 1300}
//
// Unknown metric names are rejected.
func (s *StaticFetcher) LoadStaticFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return resilience.New(resilience.KindConfiguration, s.name, eris.Wrapf(err, "source: read fixture %s", path))
	}
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return resilience.New(resilience.KindConfiguration, s.name, eris.Wrapf(err, "source: parse fixture %s", path))
	}
	for id, e := range f.Entities {
		m, err := model.MetricsFromMap(e.Metrics)
		if err != nil {
			return resilience.New(resilience.KindConfiguration, s.name, eris.Wrapf(err, "source: fixture entity %s", id))
		}
		rec := StaticRecord{Metrics: m, Labels: e.Labels}
		if e.AsOf != "" {
			t, err := time.Parse(time.DateOnly, e.AsOf)
			if err != nil {
				return resilience.New(resilience.KindConfiguration, s.name, eris.Wrapf(err, "source: fixture entity %s as_of", id))
			}
			rec.AsOf = &t
		}
		s.Set(id, rec)
	}
	return nil
}
