// Package pricing maps model identifiers and token counts to monetary cost.
//
// All amounts are integer microdollars (1e-6 USD) so that accumulating many
// sub-cent debits never drifts. A rate expressed in USD per 1M tokens is
// numerically identical to microdollars per token, which keeps the arithmetic
// trivial: cost = tokens x rate, rounded half up.
package pricing

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Rate is a model's price in USD per 1M tokens.
type Rate struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Cost is a priced inference call, split by direction.
type Cost struct {
	Input  int64 // microdollars
	Output int64
	Total  int64
}

// Table resolves model identifiers to rates. Unknown models price at zero,
// matching the behavior for self-hosted models with no metered cost.
type Table struct {
	Models   map[string]Rate `yaml:"models"`
	Baseline Baseline        `yaml:"baseline"`
}

// Baseline describes the hypothetical single-large-model comparison point.
type Baseline struct {
	Model string `yaml:"model"`
	// Blended is the single-pass USD per 1M tokens for the baseline model,
	// including datacenter overhead.
	Blended float64 `yaml:"blended"`
}

// DefaultTable returns the built-in price table.
func DefaultTable() *Table {
	return &Table{
		Models: map[string]Rate{
			"gemma3:12b":              {Input: 0.05, Output: 0.10},
			"qwen2.5:7b":              {Input: 0.04, Output: 0.08},
			"qwen2.5-coder:14b":       {Input: 0.07, Output: 0.14},
			"llama3:8b":               {Input: 0.05, Output: 0.08},
			"llama3:70b":              {Input: 0.59, Output: 0.79},
			"deepseek-v3.1:671b":      {Input: 0.56, Output: 1.68},
			"gpt-oss:20b":             {Input: 0.09, Output: 0.18},
			"google/gemini-2.5-flash": {Input: 0.30, Output: 2.50},
			"google/gemini-2.5-pro":   {Input: 1.25, Output: 10.00},
		},
		Baseline: Baseline{
			Model:   "llama3:70b",
			Blended: 5.69827,
		},
	}
}

// Load reads a YAML price table, merged over the defaults.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price table %s: %w", path, err)
	}
	t := DefaultTable()
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse price table %s: %w", path, err)
	}
	return t, nil
}

// Price returns the cost of an inference call in microdollars.
// Same inputs always yield the same outputs.
func (t *Table) Price(model string, inputTokens, outputTokens int) Cost {
	rate := t.Models[model]
	in := round(float64(inputTokens) * rate.Input)
	out := round(float64(outputTokens) * rate.Output)
	return Cost{Input: in, Output: out, Total: in + out}
}

// Estimate returns a conservative upper-bound cost for a call expected to
// touch about totalTokens tokens, pricing every token at the model's more
// expensive direction. Used by the admission gate before real counts exist.
func (t *Table) Estimate(model string, totalTokens int) int64 {
	rate := t.Models[model]
	worst := math.Max(rate.Input, rate.Output)
	return round(float64(totalTokens) * worst)
}

// BaselinePrice returns what the baseline model would have charged for the
// same total token volume.
func (t *Table) BaselinePrice(totalTokens int) int64 {
	return round(float64(totalTokens) * t.Baseline.Blended)
}

func round(micro float64) int64 {
	return int64(math.Round(micro))
}
