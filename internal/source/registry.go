// Package source defines the data-source registry and the fetchers behind it.
package source

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/resilience"
)

// ErrUnknownSource is returned when a name is not registered.
var ErrUnknownSource = eris.New("source: unknown source")

// Query identifies what to fetch.
type Query struct {
	EntityID string
	Text     string
}

// Symbol returns the ticker-style identifier used by market-data APIs.
func (q Query) Symbol() string {
	return strings.ToUpper(strings.TrimSpace(q.EntityID))
}

// SearchText returns the free-text query, falling back to the entity id.
func (q Query) SearchText() string {
	if t := strings.TrimSpace(q.Text); t != "" {
		return t
	}
	return strings.TrimSpace(q.EntityID)
}

// Fetcher retrieves one raw record for an entity. A nil record with a nil
// error means the source answered but had nothing for the entity.
type Fetcher interface {
	Fetch(ctx context.Context, q Query) (*model.RawSourceRecord, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, q Query) (*model.RawSourceRecord, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, q Query) (*model.RawSourceRecord, error) {
	return f(ctx, q)
}

// Entry pairs a descriptor with its fetcher.
type Entry struct {
	Descriptor model.SourceDescriptor
	Fetcher    Fetcher
}

// State is the persisted toggle state of one source.
type State struct {
	Name         string    `json:"name"`
	Enabled      bool      `json:"enabled"`
	AutoDisabled bool      `json:"auto_disabled"`
	ResetAt      time.Time `json:"reset_at,omitzero"`
}

// Registry is the ordered set of data sources.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	onChange func(State)
	nowFunc  func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithNow sets the clock used to stamp manual resets (for tests).
func WithNow(fn func() time.Time) Option {
	return func(r *Registry) { r.nowFunc = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*Entry),
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OnChange installs a hook called after every effective toggle.
func (r *Registry) OnChange(fn func(State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Register adds a source. Malformed descriptors are configuration errors.
func (r *Registry) Register(d model.SourceDescriptor, f Fetcher) error {
	if d.Name == "" {
		return resilience.Configf("source: descriptor has no name")
	}
	if !d.Channel.Valid() {
		return resilience.Configf("source: %s has unknown channel %q", d.Name, d.Channel)
	}
	if d.Reliability < 0 || d.Reliability > 100 {
		return resilience.Configf("source: %s reliability %.1f outside 0-100", d.Name, d.Reliability)
	}
	if d.DailyLimit < 0 || d.HourlyLimit < 0 || d.RatePerMinute < 0 {
		return resilience.Configf("source: %s has a negative rate limit", d.Name)
	}
	if f == nil {
		return resilience.Configf("source: %s has no fetcher", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[d.Name]; ok {
		return resilience.Configf("source: duplicate source %q", d.Name)
	}
	r.entries[d.Name] = &Entry{Descriptor: d, Fetcher: f}
	return nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (model.SourceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return model.SourceDescriptor{}, false
	}
	return e.Descriptor, true
}

// List returns every descriptor sorted by priority, then name.
func (r *Registry) List() []model.SourceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SourceDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Descriptor)
	}
	sortDescriptors(out)
	return out
}

// ListEnabled returns the dispatchable descriptors sorted by priority ascending.
func (r *Registry) ListEnabled() []model.SourceDescriptor {
	all := r.List()
	out := all[:0]
	for _, d := range all {
		if d.Active() {
			out = append(out, d)
		}
	}
	return out
}

// Dispatchable returns a snapshot of active entries in priority order.
// Later toggles do not affect a snapshot already taken.
func (r *Registry) Dispatchable() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Descriptor.Active() {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i].Descriptor, out[j].Descriptor)
	})
	return out
}

// Enable turns a source on. Enabling an auto-disabled source also clears the
// ledger's verdict and stamps ResetAt, so auto-tune only judges attempts made
// after the operator stepped in. Idempotent.
func (r *Registry) Enable(name string) error {
	now := r.nowFunc()
	return r.update(name, func(d *model.SourceDescriptor) {
		d.Enabled = true
		if d.AutoDisabled {
			d.AutoDisabled = false
			d.ResetAt = now
		}
	})
}

// Disable turns a source off from the next dispatch onward. Idempotent.
func (r *Registry) Disable(name string) error {
	return r.update(name, func(d *model.SourceDescriptor) { d.Enabled = false })
}

// SetAutoDisabled records the failure ledger's verdict. It reports whether
// the flag changed.
func (r *Registry) SetAutoDisabled(name string, disabled bool) (bool, error) {
	changed := false
	err := r.update(name, func(d *model.SourceDescriptor) {
		changed = d.AutoDisabled != disabled
		d.AutoDisabled = disabled
	})
	return changed, err
}

// Restore applies persisted toggle states. Unknown names are ignored.
func (r *Registry) Restore(states []State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range states {
		if e, ok := r.entries[s.Name]; ok {
			e.Descriptor.Enabled = s.Enabled
			e.Descriptor.AutoDisabled = s.AutoDisabled
			e.Descriptor.ResetAt = s.ResetAt
		}
	}
}

func (r *Registry) update(name string, fn func(*model.SourceDescriptor)) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return eris.Wrapf(ErrUnknownSource, "%s", name)
	}
	before := e.Descriptor
	fn(&e.Descriptor)
	after := e.Descriptor
	hook := r.onChange
	r.mu.Unlock()

	if hook != nil && (before.Enabled != after.Enabled || before.AutoDisabled != after.AutoDisabled) {
		hook(State{Name: name, Enabled: after.Enabled, AutoDisabled: after.AutoDisabled, ResetAt: after.ResetAt})
	}
	return nil
}

func sortDescriptors(ds []model.SourceDescriptor) {
	sort.SliceStable(ds, func(i, j int) bool { return less(ds[i], ds[j]) })
}

func less(a, b model.SourceDescriptor) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Name < b.Name
}
