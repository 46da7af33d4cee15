package source

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/consensus-cli/internal/config"
	"github.com/sells-group/consensus-cli/internal/resilience"
	"github.com/sells-group/consensus-cli/pkg/alphavantage"
	"github.com/sells-group/consensus-cli/pkg/edgar"
	"github.com/sells-group/consensus-cli/pkg/fmp"
	"github.com/sells-group/consensus-cli/pkg/newsapi"
)

// Adapter names accepted in source configuration.
const (
	AdapterFMP          = "fmp"
	AdapterAlphaVantage = "alphavantage"
	AdapterEDGAR        = "edgar"
	AdapterNewsAPI      = "newsapi"
	AdapterStatic       = "static"
)

// LoadDescriptors reads a standalone source registry file:
//
//	sources:
//	  - name: fmp
//	    adapter: fmp
//	    channel: api
//	    priority: 1
func LoadDescriptors(path string) ([]config.SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, resilience.New(resilience.KindConfiguration, "", eris.Wrapf(err, "source: read registry %s", path))
	}
	var f struct {
		Sources []config.SourceConfig `yaml:"sources"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, resilience.New(resilience.KindConfiguration, "", eris.Wrapf(err, "source: parse registry %s", path))
	}
	return f.Sources, nil
}

// Build constructs the registry described by cfg. A malformed entry fails
// the whole build with a configuration error.
func Build(cfg *config.Config) (*Registry, error) {
	entries := cfg.Sources
	if cfg.SourcesFile != "" {
		loaded, err := LoadDescriptors(cfg.SourcesFile)
		if err != nil {
			return nil, err
		}
		entries = loaded
	}

	reg := NewRegistry()
	var edgarClient edgar.Client
	for _, sc := range entries {
		var f Fetcher
		switch sc.Adapter {
		case AdapterFMP:
			f = NewFMPFetcher(sc.Name, fmp.NewClient(cfg.FMP.Key, fmp.WithBaseURL(cfg.FMP.BaseURL)))
		case AdapterAlphaVantage:
			f = NewAlphaVantageFetcher(sc.Name, alphavantage.NewClient(cfg.AlphaVantage.Key, alphavantage.WithBaseURL(cfg.AlphaVantage.BaseURL)))
		case AdapterEDGAR:
			// One client so every EDGAR source shares the SEC rate limit.
			if edgarClient == nil {
				edgarClient = edgar.NewClient(
					edgar.WithDataBaseURL(cfg.EDGAR.DataBaseURL),
					edgar.WithTickersURL(cfg.EDGAR.TickersURL),
					edgar.WithUserAgent(cfg.EDGAR.UserAgent),
					edgar.WithRateLimit(cfg.EDGAR.RatePerSecond),
				)
			}
			f = NewEDGARFetcher(sc.Name, edgarClient)
		case AdapterNewsAPI:
			f = NewNewsFetcher(sc.Name, newsapi.NewClient(cfg.NewsAPI.Key,
				newsapi.WithBaseURL(cfg.NewsAPI.BaseURL),
				newsapi.WithPageSize(cfg.NewsAPI.PageSize),
			))
		case AdapterStatic:
			sf := NewStaticFetcher(sc.Name)
			if sc.Path != "" {
				if err := sf.LoadStaticFile(sc.Path); err != nil {
					return nil, err
				}
			}
			f = sf
		default:
			return nil, resilience.Configf("source: %s has unknown adapter %q", sc.Name, sc.Adapter)
		}

		if err := reg.Register(sc.Descriptor(), f); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
