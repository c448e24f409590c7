// Package carbon estimates the energy and CO2 footprint of LLM inference.
//
// Energy figures are scaled from A100 80GB TDP and published throughput
// benchmarks, with a PUE factor for datacenter overhead. Grid carbon
// intensity comes from the Electricity Maps API with per-zone fallbacks.
package carbon

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultGPUWatts is the assumed GPU power draw for duration-based
	// estimates (A100 80GB board power).
	DefaultGPUWatts = 400.0

	// PUE is the datacenter power usage effectiveness overhead.
	PUE = 1.12

	// BaselineParamsB is the parameter count of the reference single-model
	// baseline (a 70B dense model).
	BaselineParamsB = 70.0
)

// energyByParams maps parameter count (billions) to kWh per 1K tokens.
// MoE entries use active-parameter-adjusted figures.
var energyByParams = []struct {
	paramsB  float64
	kwhPer1K float64
}{
	{1, 0.00005},
	{3, 0.00012},
	{7, 0.00028},
	{8, 0.00032},
	{12, 0.00054},
	{13, 0.00058},
	{14, 0.00063},
	{20, 0.00090},
	{27, 0.00121},
	{32, 0.00144},
	{70, 0.00315},
	{72, 0.00324},
	{90, 0.00405},
	{110, 0.00495},
	{405, 0.01823},
	{671, 0.01500}, // DeepSeek MoE: ~37B active
}

var (
	paramsAfterColon = regexp.MustCompile(`:(\d+(?:\.\d+)?)\s*b\b`)
	paramsBare       = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*b\b`)
)

// ParamsB parses the parameter count in billions from a model name such as
// "llama3:70b" or "deepseek-v3.1:671b". The colon separator in Ollama names
// keeps version numbers from being mistaken for parameter counts. Returns 7
// when no count is found.
func ParamsB(model string) float64 {
	lower := strings.ToLower(model)
	if m := paramsAfterColon.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v
		}
	}
	if m := paramsBare.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v
		}
	}
	return 7.0
}

// interpEnergy linearly interpolates kWh per 1K tokens for an arbitrary
// parameter count.
func interpEnergy(paramsB float64) float64 {
	table := energyByParams
	if paramsB <= table[0].paramsB {
		return table[0].kwhPer1K
	}
	if paramsB >= table[len(table)-1].paramsB {
		return table[len(table)-1].kwhPer1K
	}
	for i := 0; i < len(table)-1; i++ {
		lo, hi := table[i], table[i+1]
		if lo.paramsB <= paramsB && paramsB <= hi.paramsB {
			t := (paramsB - lo.paramsB) / (hi.paramsB - lo.paramsB)
			return lo.kwhPer1K + t*(hi.kwhPer1K-lo.kwhPer1K)
		}
	}
	return table[len(table)-1].kwhPer1K
}

// Grams estimates gCO2 for processing tokenCount tokens on the given model
// at the given grid intensity (gCO2/kWh). Pure: same inputs, same output.
func Grams(model string, tokenCount int, intensity float64) float64 {
	kwh := interpEnergy(ParamsB(model)) * float64(tokenCount) / 1000.0
	return kwh * intensity
}

// BaselineGrams estimates gCO2 if the same tokens had been processed by the
// single-large-model baseline.
func BaselineGrams(totalTokens int, intensity float64) float64 {
	kwh := interpEnergy(BaselineParamsB) * float64(totalTokens) / 1000.0
	return kwh * intensity
}

// GramsFromDuration estimates gCO2 from measured inference compute time, as
// reported by the backend. Preferred over Grams when a real duration exists,
// since the only remaining assumption is GPU power.
func GramsFromDuration(d time.Duration, intensity float64) float64 {
	if d <= 0 {
		return 0
	}
	kwh := (DefaultGPUWatts / 1000.0) * d.Seconds() / 3600.0 * PUE
	return kwh * intensity
}
