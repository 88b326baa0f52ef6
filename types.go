package offload

// Task is a single prompt submitted as part of a batch.
type Task struct {
	ID        string `json:"id"`
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitempty"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
}

// Usage represents token usage information.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add returns the element-wise sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// TaskResult is the outcome of one Task. Exactly one is produced per task.
type TaskResult struct {
	ID       string `json:"id"`
	Response string `json:"response"`
	Usage    Usage  `json:"usage"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// BatchSummary aggregates the results of one batch.
type BatchSummary struct {
	TotalTasks        int     `json:"total_tasks"`
	Succeeded         int     `json:"succeeded"`
	Failed            int     `json:"failed"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	DurationMS        int64   `json:"duration_ms"`
}

// PipelineContext is caller-reported context for a multi-batch pipeline run.
type PipelineContext struct {
	SkillChain           []string       `json:"skill_chain"`
	FindingsTotal        int            `json:"findings_total,omitempty"`
	FindingsByDifficulty map[string]int `json:"findings_by_difficulty,omitempty"`
	MinimaxEligible      *int           `json:"minimax_eligible,omitempty"`
	OpusRequired         int            `json:"opus_required,omitempty"`
}

// QueryRequest is a single-prompt request.
type QueryRequest struct {
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitempty"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
	Caller    string `json:"caller,omitempty"`
}

// QueryResponse is the result of a successful single-prompt request.
type QueryResponse struct {
	Response         string  `json:"response"`
	Model            string  `json:"model"`
	Usage            Usage   `json:"usage"`
	CostEstimateUSD  float64 `json:"cost_estimate_usd"`
	PromptsRemaining int64   `json:"prompts_remaining"`
}

// BatchRequest is a request to run many prompts with bounded parallelism.
type BatchRequest struct {
	Tasks       []Task           `json:"tasks"`
	Concurrency int              `json:"concurrency,omitempty"`
	Caller      string           `json:"caller,omitempty"`
	Pipeline    *PipelineContext `json:"pipeline,omitempty"`
}

// BatchResponse holds per-task results in input order plus the summary.
type BatchResponse struct {
	Results []TaskResult      `json:"results"`
	Summary BatchSummaryReply `json:"summary"`
}

// BatchSummaryReply is a BatchSummary annotated with the quota left afterwards.
type BatchSummaryReply struct {
	BatchSummary
	PromptsRemaining int64 `json:"prompts_remaining"`
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }
