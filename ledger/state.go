package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ineyio/offload"
)

// SchemaVersion is the version written by this package.
//
//	0: {current_window, daily_totals}
//	1: adds recent_requests and provider
//	2: adds pipeline_runs and schema_version
const SchemaVersion = 2

// Retention caps. Oldest entries are evicted first.
const (
	MaxRecentRequests = 200
	MaxDailyTotals    = 30
	MaxPipelineRuns   = 10
	MaxErrorLength    = 500
)

const truncationMarker = "...[truncated]"

const dateLayout = "2006-01-02"

// State is the whole durable ledger document.
type State struct {
	SchemaVersion  int            `json:"schema_version"`
	Provider       ProviderInfo   `json:"provider"`
	CurrentWindow  Window         `json:"current_window"`
	DailyTotals    []DailyTotal   `json:"daily_totals"`
	RecentRequests []RequestEntry `json:"recent_requests"`
	PipelineRuns   []PipelineRun  `json:"pipeline_runs"`
}

// ProviderInfo is static metadata about the gateway being accounted.
type ProviderInfo struct {
	Name    string          `json:"name"`
	Model   string          `json:"model,omitempty"`
	Pricing offload.Pricing `json:"pricing"`
}

// Window is the rolling quota period.
type Window struct {
	WindowStart       time.Time `json:"window_start"`
	WindowEnd         time.Time `json:"window_end"`
	PromptCount       int64     `json:"prompt_count"`
	TotalInputTokens  int64     `json:"total_input_tokens"`
	TotalOutputTokens int64     `json:"total_output_tokens"`
	EstimatedCostUSD  float64   `json:"estimated_cost_usd"`
}

// Expired reports whether now is at or past the window end.
func (w Window) Expired(now time.Time) bool {
	return !now.Before(w.WindowEnd)
}

// DailyTotal is the rollup for one calendar day in the ledger's location.
type DailyTotal struct {
	Date              string  `json:"date"`
	PromptCount       int64   `json:"prompt_count"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	EstimatedCostUSD  float64 `json:"estimated_cost_usd"`
}

// RequestEntry is one line of the recent-request log.
type RequestEntry struct {
	Timestamp      time.Time           `json:"timestamp"`
	Type           offload.RequestType `json:"type"`
	TaskCount      int64               `json:"task_count"`
	InputTokens    int64               `json:"input_tokens"`
	OutputTokens   int64               `json:"output_tokens"`
	CostUSD        float64             `json:"cost_usd"`
	ResponseTimeMS int64               `json:"response_time_ms"`
	Caller         string              `json:"caller,omitempty"`
	Error          string              `json:"error,omitempty"`
	FailedCount    int                 `json:"failed_count,omitempty"`
}

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// PipelineRun is a caller-reported pipeline execution, kept for dashboards.
type PipelineRun struct {
	ID                   string         `json:"id"`
	Started              time.Time      `json:"started"`
	Completed            time.Time      `json:"completed"`
	SkillChain           []string       `json:"skill_chain"`
	FindingsTotal        int            `json:"findings_total"`
	FindingsByDifficulty map[string]int `json:"findings_by_difficulty"`
	MinimaxTasks         int            `json:"minimax_tasks"`
	OpusTasks            int            `json:"opus_tasks"`
	MinimaxCostUSD       float64        `json:"minimax_cost_usd"`
	Status               RunStatus      `json:"status"`
}

func newState(provider ProviderInfo) *State {
	return &State{
		SchemaVersion:  SchemaVersion,
		Provider:       provider,
		DailyTotals:    []DailyTotal{},
		RecentRequests: []RequestEntry{},
		PipelineRuns:   []PipelineRun{},
	}
}

// decodeState parses a durable document and upgrades older shapes.
// migrated is true when the document must be rewritten at the current version.
func decodeState(data []byte, provider ProviderInfo) (st *State, migrated bool, err error) {
	st = &State{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, false, fmt.Errorf("decode ledger: %w", err)
	}
	if st.SchemaVersion > SchemaVersion {
		return nil, false, fmt.Errorf("decode ledger: unsupported schema_version %d", st.SchemaVersion)
	}

	if st.SchemaVersion < SchemaVersion {
		migrated = true
		st.SchemaVersion = SchemaVersion
	}
	if st.DailyTotals == nil {
		migrated = true
		st.DailyTotals = []DailyTotal{}
	}
	if st.RecentRequests == nil {
		migrated = true
		st.RecentRequests = []RequestEntry{}
	}
	if st.PipelineRuns == nil {
		migrated = true
		st.PipelineRuns = []PipelineRun{}
	}
	if st.Provider.Name == "" {
		migrated = true
		st.Provider = provider
	}

	// Files edited by hand may exceed the caps.
	st.trim()
	return st, migrated, nil
}

func (s *State) encode() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode ledger: %w", err)
	}
	return append(data, '\n'), nil
}

// rotate replaces an expired window with a fresh zeroed one.
func (s *State) rotate(now time.Time, length time.Duration) bool {
	if !s.CurrentWindow.Expired(now) {
		return false
	}
	s.CurrentWindow = Window{
		WindowStart: now,
		WindowEnd:   now.Add(length),
	}
	return true
}

// apply accounts one outcome. The caller persists afterwards.
func (s *State) apply(o offload.Outcome, now time.Time, loc *time.Location, length time.Duration, runID string) {
	s.rotate(now, length)

	s.RecentRequests = append(s.RecentRequests, RequestEntry{
		Timestamp:      now,
		Type:           o.Type,
		TaskCount:      o.TaskCount,
		InputTokens:    o.InputTokens,
		OutputTokens:   o.OutputTokens,
		CostUSD:        o.CostUSD,
		ResponseTimeMS: o.ResponseTime.Milliseconds(),
		Caller:         o.Caller,
		Error:          truncateError(o.Error),
		FailedCount:    o.FailedCount,
	})

	w := &s.CurrentWindow
	w.PromptCount += o.TaskCount
	w.TotalInputTokens += o.InputTokens
	w.TotalOutputTokens += o.OutputTokens
	w.EstimatedCostUSD = offload.RoundUSD(w.EstimatedCostUSD + o.CostUSD)

	day := s.day(now.In(loc).Format(dateLayout))
	day.PromptCount += o.TaskCount
	day.TotalInputTokens += o.InputTokens
	day.TotalOutputTokens += o.OutputTokens
	day.EstimatedCostUSD = offload.RoundUSD(day.EstimatedCostUSD + o.CostUSD)

	if o.Pipeline != nil && o.Caller != "" {
		s.PipelineRuns = append(s.PipelineRuns, newPipelineRun(runID, o, now))
	}

	s.trim()
}

// day finds or creates the rollup for date, keeping the slice sorted.
func (s *State) day(date string) *DailyTotal {
	for i := range s.DailyTotals {
		if s.DailyTotals[i].Date == date {
			return &s.DailyTotals[i]
		}
	}
	s.DailyTotals = append(s.DailyTotals, DailyTotal{Date: date})
	sort.SliceStable(s.DailyTotals, func(i, j int) bool {
		return s.DailyTotals[i].Date < s.DailyTotals[j].Date
	})
	if len(s.DailyTotals) > MaxDailyTotals {
		s.DailyTotals = s.DailyTotals[len(s.DailyTotals)-MaxDailyTotals:]
	}
	for i := range s.DailyTotals {
		if s.DailyTotals[i].Date == date {
			return &s.DailyTotals[i]
		}
	}
	// date is older than every retained day and is not tracked.
	return &DailyTotal{Date: date}
}

func (s *State) trim() {
	s.RecentRequests = keepLast(s.RecentRequests, MaxRecentRequests)
	s.DailyTotals = keepLast(s.DailyTotals, MaxDailyTotals)
	s.PipelineRuns = keepLast(s.PipelineRuns, MaxPipelineRuns)
}

func keepLast[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	kept := make([]T, n)
	copy(kept, items[len(items)-n:])
	return kept
}

func newPipelineRun(id string, o offload.Outcome, now time.Time) PipelineRun {
	p := o.Pipeline
	minimaxTasks := int(o.TaskCount) + o.FailedCount
	if p.MinimaxEligible != nil {
		minimaxTasks = *p.MinimaxEligible
	}
	status := RunCompleted
	if o.Error != "" {
		status = RunFailed
	}

	byDifficulty := make(map[string]int, len(p.FindingsByDifficulty))
	for k, v := range p.FindingsByDifficulty {
		byDifficulty[k] = v
	}

	return PipelineRun{
		ID:                   id,
		Started:              now.Add(-o.ResponseTime),
		Completed:            now,
		SkillChain:           append([]string{}, p.SkillChain...),
		FindingsTotal:        p.FindingsTotal,
		FindingsByDifficulty: byDifficulty,
		MinimaxTasks:         minimaxTasks,
		OpusTasks:            p.OpusRequired,
		MinimaxCostUSD:       o.CostUSD,
		Status:               status,
	}
}

func truncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= MaxErrorLength {
		return msg
	}
	return string(runes[:MaxErrorLength]) + truncationMarker
}

// clone returns a deep copy safe to hand to callers.
func (s *State) clone() State {
	c := *s
	c.DailyTotals = append([]DailyTotal{}, s.DailyTotals...)
	c.RecentRequests = append([]RequestEntry{}, s.RecentRequests...)
	c.PipelineRuns = make([]PipelineRun, len(s.PipelineRuns))
	for i, r := range s.PipelineRuns {
		r.SkillChain = append([]string{}, r.SkillChain...)
		byDifficulty := make(map[string]int, len(r.FindingsByDifficulty))
		for k, v := range r.FindingsByDifficulty {
			byDifficulty[k] = v
		}
		r.FindingsByDifficulty = byDifficulty
		c.PipelineRuns[i] = r
	}
	return c
}
