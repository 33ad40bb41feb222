package model

// Usage records token accounting for one generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	CacheTokens  int `json:"cache_tokens"`
}

// Add accumulates o into u, recomputing the total.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheTokens += o.CacheTokens
	u.TotalTokens = u.InputTokens + u.OutputTokens
}
