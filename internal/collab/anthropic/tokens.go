package anthropic

import (
	"sort"
	"strings"
	"sync"
)

// UsageRecorder receives token counts as generator responses arrive.
type UsageRecorder interface {
	GeneratorTokens(model string, input, output int64)
}

// ModelUsage is the token count for one model.
type ModelUsage struct {
	Model        string
	Calls        int
	InputTokens  int64
	OutputTokens int64
}

// Cost estimates the USD cost at list pricing for the model family.
func (u ModelUsage) Cost() float64 {
	in, out := pricePerMillion(u.Model)
	return float64(u.InputTokens)/1_000_000*in + float64(u.OutputTokens)/1_000_000*out
}

// pricePerMillion returns input and output USD per million tokens. Unknown
// models are priced as Sonnet.
func pricePerMillion(model string) (input, output float64) {
	switch m := strings.ToLower(model); {
	case strings.Contains(m, "haiku"):
		return 1, 5
	case strings.Contains(m, "opus-4-5"):
		return 5, 25
	case strings.Contains(m, "opus"):
		return 15, 75
	default:
		return 3, 15
	}
}

// Usage accumulates token counts per model and forwards each response to
// an optional recorder.
type Usage struct {
	mu       sync.Mutex
	byModel  map[string]*ModelUsage
	recorder UsageRecorder
}

// NewUsage creates an empty Usage. recorder may be nil.
func NewUsage(recorder UsageRecorder) *Usage {
	return &Usage{byModel: make(map[string]*ModelUsage), recorder: recorder}
}

// Record adds one response's token counts.
func (u *Usage) Record(model string, input, output int64) {
	u.mu.Lock()
	m, ok := u.byModel[model]
	if !ok {
		m = &ModelUsage{Model: model}
		u.byModel[model] = m
	}
	m.Calls++
	m.InputTokens += input
	m.OutputTokens += output
	u.mu.Unlock()

	if u.recorder != nil {
		u.recorder.GeneratorTokens(model, input, output)
	}
}

// Models returns per-model usage sorted by model name.
func (u *Usage) Models() []ModelUsage {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]ModelUsage, 0, len(u.byModel))
	for _, m := range u.byModel {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Total sums usage across models. Model is empty.
func (u *Usage) Total() ModelUsage {
	var t ModelUsage
	for _, m := range u.Models() {
		t.Calls += m.Calls
		t.InputTokens += m.InputTokens
		t.OutputTokens += m.OutputTokens
	}
	return t
}

// Cost sums the per-model cost estimates.
func (u *Usage) Cost() float64 {
	var c float64
	for _, m := range u.Models() {
		c += m.Cost()
	}
	return c
}
