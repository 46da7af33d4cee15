// Package industry classifies free text into a sector, industry and
// sub-industry using a static keyword ontology.
package industry

import (
	_ "embed"
	"os"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/consensus-cli/internal/config"
	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/resilience"
)

// Unknown is the industry reported when nothing matches.
const Unknown = "Unknown"

//go:embed ontology.yaml
var defaultOntology []byte

// Classification is the result of resolving a piece of text.
type Classification struct {
	Sector      string              `json:"sector,omitempty"`
	Industry    string              `json:"industry"`
	Subindustry string              `json:"subindustry"`
	Level       model.IndustryLevel `json:"level,omitempty"`
	Matched     string              `json:"matched_keyword,omitempty"`
}

// Ontology is a validated, ordered set of industry nodes.
type Ontology struct {
	nodes  []model.IndustryNode
	byName map[string]model.IndustryNode
}

// Nodes returns the nodes in declaration order.
func (o *Ontology) Nodes() []model.IndustryNode {
	return append([]model.IndustryNode(nil), o.nodes...)
}

// Node looks up a node by name.
func (o *Ontology) Node(name string) (model.IndustryNode, bool) {
	n, ok := o.byName[name]
	return n, ok
}

type ontologyFile struct {
	Nodes []model.IndustryNode `yaml:"nodes"`
}

// DefaultOntology returns the embedded ontology.
func DefaultOntology() (*Ontology, error) {
	return ParseOntology(defaultOntology)
}

// LoadOntology reads an ontology from a YAML file.
func LoadOntology(path string) (*Ontology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, resilience.New(resilience.KindConfiguration, "", eris.Wrapf(err, "industry: read ontology %s", path))
	}
	return ParseOntology(data)
}

// ParseOntology decodes and validates an ontology document. Duplicate names,
// missing parents, level inversions and empty keywords are configuration
// errors.
func ParseOntology(data []byte) (*Ontology, error) {
	var f ontologyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, resilience.New(resilience.KindConfiguration, "", eris.Wrap(err, "industry: parse ontology"))
	}
	if len(f.Nodes) == 0 {
		return nil, resilience.Configf("industry: ontology has no nodes")
	}

	lower := cases.Lower(language.Und)
	o := &Ontology{byName: make(map[string]model.IndustryNode, len(f.Nodes))}
	for i, n := range f.Nodes {
		n.Name = strings.TrimSpace(n.Name)
		if n.Name == "" {
			return nil, resilience.Configf("industry: node %d has no name", i)
		}
		if _, dup := o.byName[n.Name]; dup {
			return nil, resilience.Configf("industry: duplicate node %q", n.Name)
		}
		if n.Level.Depth() < 0 {
			return nil, resilience.Configf("industry: node %q has unknown level %q", n.Name, n.Level)
		}
		if len(n.Keywords) == 0 {
			return nil, resilience.Configf("industry: node %q has no keywords", n.Name)
		}
		for j, kw := range n.Keywords {
			kw = strings.TrimSpace(lower.String(kw))
			if kw == "" {
				return nil, resilience.Configf("industry: node %q has an empty keyword", n.Name)
			}
			n.Keywords[j] = kw
		}
		o.nodes = append(o.nodes, n)
		o.byName[n.Name] = n
	}

	for _, n := range o.nodes {
		if n.Level == model.LevelSector {
			if n.Parent != "" {
				return nil, resilience.Configf("industry: sector %q cannot have a parent", n.Name)
			}
			continue
		}
		p, ok := o.byName[n.Parent]
		if !ok {
			return nil, resilience.Configf("industry: node %q has missing parent %q", n.Name, n.Parent)
		}
		if p.Level.Depth() != n.Level.Depth()-1 {
			return nil, resilience.Configf("industry: %s %q cannot sit under %s %q", n.Level, n.Name, p.Level, p.Name)
		}
	}
	return o, nil
}

// Resolver maps text to a Classification. Results are memoised per entity
// and truncated context, up to a bounded number of entries.
type Resolver struct {
	ontology *Ontology
	keyLen   int
	maxMemo  int

	mu    sync.Mutex
	memo  map[string]Classification
	order []string
}

// NewResolver creates a resolver over o. keyLen bounds the context prefix
// used in the memo key and maxMemo bounds the memo size.
func NewResolver(o *Ontology, keyLen, maxMemo int) *Resolver {
	if keyLen <= 0 {
		keyLen = 200
	}
	if maxMemo <= 0 {
		maxMemo = 10000
	}
	return &Resolver{
		ontology: o,
		keyLen:   keyLen,
		maxMemo:  maxMemo,
		memo:     make(map[string]Classification),
	}
}

// New builds a resolver from configuration, using the embedded ontology
// unless a path is configured.
func New(cfg config.IndustryConfig) (*Resolver, error) {
	var (
		o   *Ontology
		err error
	)
	if cfg.OntologyPath != "" {
		o, err = LoadOntology(cfg.OntologyPath)
	} else {
		o, err = DefaultOntology()
	}
	if err != nil {
		return nil, err
	}
	return NewResolver(o, cfg.MemoKeyLen, cfg.MemoMax), nil
}

// Ontology returns the resolver's ontology.
func (r *Resolver) Ontology() *Ontology { return r.ontology }

// Resolve classifies entityText plus contextText. Sub-industries are tried
// first, then industries, then sectors; within a level the first node in
// ontology order with a contained keyword wins.
func (r *Resolver) Resolve(entityText, contextText string) Classification {
	key := r.memoKey(entityText, contextText)

	r.mu.Lock()
	if c, ok := r.memo[key]; ok {
		r.mu.Unlock()
		return c
	}
	r.mu.Unlock()

	c := r.classify(entityText + " " + contextText)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.memo[key]; !ok {
		if len(r.order) >= r.maxMemo {
			delete(r.memo, r.order[0])
			r.order = r.order[1:]
		}
		r.order = append(r.order, key)
	}
	r.memo[key] = c
	return c
}

// MemoLen returns the number of memoised results.
func (r *Resolver) MemoLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.memo)
}

func (r *Resolver) classify(text string) Classification {
	text = cases.Lower(language.Und).String(text)

	for _, level := range []model.IndustryLevel{model.LevelSubindustry, model.LevelIndustry, model.LevelSector} {
		for _, n := range r.ontology.nodes {
			if n.Level != level {
				continue
			}
			for _, kw := range n.Keywords {
				if strings.Contains(text, kw) {
					return r.lineage(n, kw)
				}
			}
		}
	}
	return Classification{Industry: Unknown}
}

func (r *Resolver) lineage(n model.IndustryNode, kw string) Classification {
	c := Classification{Level: n.Level, Matched: kw}
	switch n.Level {
	case model.LevelSubindustry:
		c.Subindustry = n.Name
		ind := r.ontology.byName[n.Parent]
		c.Industry = ind.Name
		c.Sector = ind.Parent
	case model.LevelIndustry:
		c.Industry = n.Name
		c.Sector = n.Parent
	case model.LevelSector:
		c.Sector = n.Name
		c.Industry = n.Name
	}
	return c
}

func (r *Resolver) memoKey(entityText, contextText string) string {
	ctx := []rune(contextText)
	if len(ctx) > r.keyLen {
		ctx = ctx[:r.keyLen]
	}
	return strings.TrimSpace(entityText) + "\x00" + string(ctx)
}
