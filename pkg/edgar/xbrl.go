package edgar

import (
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"
)

// CompanyFacts represents the EDGAR company facts JSON structure.
type CompanyFacts struct {
	CIK        int               `json:"cik"`
	EntityName string            `json:"entityName"`
	Facts      map[string]FactNS `json:"facts"`
}

// FactNS groups facts by namespace (e.g., "us-gaap", "dei").
type FactNS map[string]Fact

// Fact is a single XBRL concept with its units and values.
type Fact struct {
	Label       string                 `json:"label"`
	Description string                 `json:"description"`
	Units       map[string][]FactValue `json:"units"`
}

// FactValue is a single data point for a fact.
type FactValue struct {
	Start string  `json:"start,omitempty"`
	End   string  `json:"end"`
	Val   float64 `json:"val"`
	Accn  string  `json:"accn"`
	FY    int     `json:"fy"`
	FP    string  `json:"fp"`
	Form  string  `json:"form"`
	Filed string  `json:"filed"`
	Frame string  `json:"frame,omitempty"`
}

// Concept names a fact in a namespace with the unit to read.
type Concept struct {
	Namespace string
	Name      string
	Unit      string
}

// ParseCompanyFacts parses EDGAR company facts JSON from a reader.
func ParseCompanyFacts(r io.Reader) (*CompanyFacts, error) {
	var facts CompanyFacts
	if err := json.NewDecoder(r).Decode(&facts); err != nil {
		return nil, eris.Wrap(err, "edgar: parse company facts")
	}
	return &facts, nil
}

// LatestAnnual returns the most recent full-year value reported on a 10-K
// for the first concept that has one. Later period ends win; among equal
// ends the later filing wins.
func LatestAnnual(facts *CompanyFacts, concepts ...Concept) (FactValue, Concept, bool) {
	if facts == nil {
		return FactValue{}, Concept{}, false
	}
	for _, c := range concepts {
		ns, ok := facts.Facts[c.Namespace]
		if !ok {
			continue
		}
		fact, ok := ns[c.Name]
		if !ok {
			continue
		}

		var best FactValue
		found := false
		for _, v := range fact.Units[c.Unit] {
			if v.End == "" || !isAnnual(v) {
				continue
			}
			if !found || v.End > best.End || (v.End == best.End && v.Filed > best.Filed) {
				best = v
				found = true
			}
		}
		if found {
			return best, c, true
		}
	}
	return FactValue{}, Concept{}, false
}

// LatestInstant returns the most recent value of a point-in-time concept
// (balances, share counts) regardless of form.
func LatestInstant(facts *CompanyFacts, concepts ...Concept) (FactValue, Concept, bool) {
	if facts == nil {
		return FactValue{}, Concept{}, false
	}
	for _, c := range concepts {
		fact, ok := facts.Facts[c.Namespace][c.Name]
		if !ok {
			continue
		}
		var best FactValue
		found := false
		for _, v := range fact.Units[c.Unit] {
			if v.End == "" {
				continue
			}
			if !found || v.End > best.End || (v.End == best.End && v.Filed > best.Filed) {
				best = v
				found = true
			}
		}
		if found {
			return best, c, true
		}
	}
	return FactValue{}, Concept{}, false
}

func isAnnual(v FactValue) bool {
	if v.FP != "FY" {
		return false
	}
	switch v.Form {
	case "10-K", "10-K/A", "20-F", "40-F":
	default:
		return false
	}
	// Annual filings also carry quarterly comparatives.
	if v.Start != "" {
		start, err1 := time.Parse(time.DateOnly, v.Start)
		end, err2 := time.Parse(time.DateOnly, v.End)
		if err1 == nil && err2 == nil && end.Sub(start) < 300*24*time.Hour {
			return false
		}
	}
	return true
}
