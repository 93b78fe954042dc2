package cost

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/trakhq/trak/internal/debug"
)

//go:embed pricing.toml
var defaultPricing []byte

// ModelPrice is USD per million tokens for one model.
type ModelPrice struct {
	InputPerMillion  float64 `toml:"input_per_million"`
	OutputPerMillion float64 `toml:"output_per_million"`
	CachePerMillion  float64 `toml:"cache_per_million"`
}

type pricingFile struct {
	Models map[string]ModelPrice `toml:"models"`
}

// Pricing maps canonical model names to their rates.
type Pricing struct {
	models map[string]ModelPrice
}

// OverrideFileName is the per-project pricing override inside .trak.
const OverrideFileName = "models.toml"

// LoadPricing returns the built-in table, overlaid with <trakDir>/models.toml
// when present. A malformed override is logged and ignored.
func LoadPricing(trakDir string) *Pricing {
	var base pricingFile
	if err := toml.Unmarshal(defaultPricing, &base); err != nil {
		// The embedded table is validated by tests; this cannot happen at runtime.
		panic("embedded pricing table is malformed: " + err.Error())
	}

	if trakDir != "" {
		path := filepath.Join(trakDir, OverrideFileName)
		if data, err := os.ReadFile(path); err == nil { // #nosec G304 -- project config
			var override pricingFile
			if err := toml.Unmarshal(data, &override); err != nil {
				debug.Logf("cost: ignoring malformed %s: %v", path, err)
			} else {
				for name, p := range override.Models {
					base.Models[name] = p
				}
			}
		}
	}
	return &Pricing{models: base.Models}
}

// Match finds the price entry for a model string. Exact match wins; otherwise
// a case-insensitive substring match in either direction (so
// "anthropic/claude-opus-4-5" finds "claude-opus-4-5"). Returns false for
// unknown models.
func (p *Pricing) Match(model string) (string, ModelPrice, bool) {
	if model == "" {
		return "", ModelPrice{}, false
	}
	lower := strings.ToLower(model)
	if price, ok := p.models[model]; ok {
		return model, price, true
	}
	for name, price := range p.models {
		if strings.ToLower(name) == lower {
			return name, price, true
		}
	}

	var bestName string
	var bestPrice ModelPrice
	for name, price := range p.models {
		ln := strings.ToLower(name)
		if strings.Contains(lower, ln) || strings.Contains(ln, lower) {
			// Prefer the longest key so "claude-opus-4-5" beats a shorter
			// entry that also happens to be a substring.
			if len(name) > len(bestName) {
				bestName, bestPrice = name, price
			}
		}
	}
	if bestName != "" {
		return bestName, bestPrice, true
	}
	return "", ModelPrice{}, false
}

// Calculate prices a token count against the model's rates. Unknown models
// cost zero.
func (p *Pricing) Calculate(tokensIn, tokensOut int64, model string) float64 {
	_, price, ok := p.Match(model)
	if !ok {
		return 0
	}
	return float64(tokensIn)/1e6*price.InputPerMillion + float64(tokensOut)/1e6*price.OutputPerMillion
}
