package ledger_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/offload"
	"github.com/ineyio/offload/ledger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLedger(t *testing.T, path string, clock *fakeClock, limit int64) *ledger.FileLedger {
	t.Helper()
	l, err := ledger.New(path,
		ledger.WithQuota(limit, 5*time.Hour),
		ledger.WithLocation(time.UTC),
		ledger.WithClock(clock.Now),
	)
	require.NoError(t, err)
	return l
}

func tempPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "offload", "usage.json")
}

func snap(t *testing.T, l *ledger.FileLedger) ledger.State {
	t.Helper()
	st, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	return st
}

func remaining(t *testing.T, l *ledger.FileLedger) int64 {
	t.Helper()
	n, err := l.Remaining(context.Background())
	require.NoError(t, err)
	return n
}

func query(caller string) offload.Outcome {
	return offload.Outcome{
		Type:         offload.RequestQuery,
		TaskCount:    1,
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      0.00009,
		ResponseTime: 1200 * time.Millisecond,
		Caller:       caller,
	}
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := ledger.New("")
	assert.Error(t, err)

	_, err = ledger.New(tempPath(t), ledger.WithQuota(10, 0))
	assert.Error(t, err)
}

func TestRemaining_FreshLedger(t *testing.T) {
	clock := newClock()
	l := newLedger(t, tempPath(t), clock, 1000)

	assert.EqualValues(t, 1000, remaining(t, l))

	st := snap(t, l)
	assert.Equal(t, ledger.SchemaVersion, st.SchemaVersion)
	assert.Equal(t, clock.Now(), st.CurrentWindow.WindowStart)
	assert.Equal(t, clock.Now().Add(5*time.Hour), st.CurrentWindow.WindowEnd)
	assert.Zero(t, st.CurrentWindow.PromptCount)
	assert.Equal(t, "minimax", st.Provider.Name)

	_, err := os.Stat(l.Path())
	assert.ErrorIs(t, err, os.ErrNotExist, "reads must not create the file")
}

func TestRecord_AccountsBatch(t *testing.T) {
	clock := newClock()
	l := newLedger(t, tempPath(t), clock, 1000)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, offload.Outcome{
		Type:         offload.RequestBatch,
		TaskCount:    3,
		InputTokens:  300,
		OutputTokens: 600,
		CostUSD:      0.00081,
		ResponseTime: 2 * time.Second,
		Caller:       "triage",
		FailedCount:  2,
	}))

	assert.EqualValues(t, 997, remaining(t, l))

	st := snap(t, l)
	w := st.CurrentWindow
	assert.EqualValues(t, 3, w.PromptCount)
	assert.EqualValues(t, 300, w.TotalInputTokens)
	assert.EqualValues(t, 600, w.TotalOutputTokens)
	assert.InDelta(t, 0.00081, w.EstimatedCostUSD, 1e-9)

	require.Len(t, st.DailyTotals, 1)
	assert.Equal(t, "2026-03-10", st.DailyTotals[0].Date)
	assert.EqualValues(t, 3, st.DailyTotals[0].PromptCount)

	require.Len(t, st.RecentRequests, 1)
	e := st.RecentRequests[0]
	assert.Equal(t, offload.RequestBatch, e.Type)
	assert.EqualValues(t, 2000, e.ResponseTimeMS)
	assert.Equal(t, 2, e.FailedCount)
	assert.Equal(t, clock.Now(), e.Timestamp)

	// The durable file carries the same document.
	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	var onDisk ledger.State
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, ledger.SchemaVersion, onDisk.SchemaVersion)
	assert.EqualValues(t, 3, onDisk.CurrentWindow.PromptCount)
}

func TestRecord_FailureIsLoggedWithoutConsumingQuota(t *testing.T) {
	l := newLedger(t, tempPath(t), newClock(), 10)

	require.NoError(t, l.Record(context.Background(), offload.Outcome{
		Type:  offload.RequestQuery,
		Error: "offload: provider unavailable",
	}))

	assert.EqualValues(t, 10, remaining(t, l))
	st := snap(t, l)
	require.Len(t, st.RecentRequests, 1)
	assert.Equal(t, "offload: provider unavailable", st.RecentRequests[0].Error)
}

func TestWindowRotation(t *testing.T) {
	clock := newClock()
	l := newLedger(t, tempPath(t), clock, 10)
	ctx := context.Background()

	for range 4 {
		require.NoError(t, l.Record(ctx, query("")))
	}
	assert.EqualValues(t, 6, remaining(t, l))

	clock.Advance(5*time.Hour - time.Second)
	assert.EqualValues(t, 6, remaining(t, l))

	clock.Advance(time.Second)
	assert.EqualValues(t, 10, remaining(t, l))

	st := snap(t, l)
	assert.Equal(t, clock.Now(), st.CurrentWindow.WindowStart)
	assert.Equal(t, clock.Now().Add(5*time.Hour), st.CurrentWindow.WindowEnd)
	assert.Zero(t, st.CurrentWindow.TotalInputTokens)

	// History survives rotation.
	assert.Len(t, st.RecentRequests, 4)
	require.Len(t, st.DailyTotals, 1)
	assert.EqualValues(t, 4, st.DailyTotals[0].PromptCount)
}

func TestRecentRequestsCap(t *testing.T) {
	l := newLedger(t, tempPath(t), newClock(), 1000)
	ctx := context.Background()

	total := ledger.MaxRecentRequests + 5
	for i := range total {
		require.NoError(t, l.Record(ctx, query(fmt.Sprintf("c-%d", i))))
	}

	st := snap(t, l)
	require.Len(t, st.RecentRequests, ledger.MaxRecentRequests)
	assert.Equal(t, "c-5", st.RecentRequests[0].Caller)
	assert.Equal(t, fmt.Sprintf("c-%d", total-1), st.RecentRequests[len(st.RecentRequests)-1].Caller)
	assert.EqualValues(t, total, st.CurrentWindow.PromptCount)
}

func TestDailyTotalsCap(t *testing.T) {
	clock := newClock()
	start := clock.Now()
	l := newLedger(t, tempPath(t), clock, 1000)
	ctx := context.Background()

	days := ledger.MaxDailyTotals + 5
	for range days {
		require.NoError(t, l.Record(ctx, query("")))
		clock.Advance(24 * time.Hour)
	}

	st := snap(t, l)
	require.Len(t, st.DailyTotals, ledger.MaxDailyTotals)
	assert.Equal(t, start.AddDate(0, 0, 5).Format("2006-01-02"), st.DailyTotals[0].Date)
	assert.Equal(t, start.AddDate(0, 0, days-1).Format("2006-01-02"), st.DailyTotals[len(st.DailyTotals)-1].Date)
}

func TestDailyTotals_UseLocation(t *testing.T) {
	clock := newClock()
	clock.now = time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	tokyo := time.FixedZone("JST", 9*60*60)

	l, err := ledger.New(tempPath(t),
		ledger.WithLocation(tokyo),
		ledger.WithClock(clock.Now),
	)
	require.NoError(t, err)
	require.NoError(t, l.Record(context.Background(), query("")))

	st := snap(t, l)
	require.Len(t, st.DailyTotals, 1)
	assert.Equal(t, "2026-03-11", st.DailyTotals[0].Date)
}

func TestPipelineRuns(t *testing.T) {
	clock := newClock()
	l := newLedger(t, tempPath(t), clock, 1000)
	ctx := context.Background()

	pipeline := &offload.PipelineContext{
		SkillChain:           []string{"scan", "triage", "fix"},
		FindingsTotal:        7,
		FindingsByDifficulty: map[string]int{"easy": 5, "hard": 2},
		MinimaxEligible:      offload.IntPtr(5),
		OpusRequired:         2,
	}

	// Without a caller nothing is logged.
	require.NoError(t, l.Record(ctx, offload.Outcome{Type: offload.RequestBatch, TaskCount: 5, Pipeline: pipeline}))
	assert.Empty(t, snap(t, l).PipelineRuns)

	require.NoError(t, l.Record(ctx, offload.Outcome{
		Type:         offload.RequestBatch,
		TaskCount:    5,
		CostUSD:      0.0012,
		ResponseTime: 3 * time.Second,
		Caller:       "audit",
		Pipeline:     pipeline,
	}))

	runs := snap(t, l).PipelineRuns
	require.Len(t, runs, 1)
	run := runs[0]
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, ledger.RunCompleted, run.Status)
	assert.Equal(t, []string{"scan", "triage", "fix"}, run.SkillChain)
	assert.Equal(t, 7, run.FindingsTotal)
	assert.Equal(t, map[string]int{"easy": 5, "hard": 2}, run.FindingsByDifficulty)
	assert.Equal(t, 5, run.MinimaxTasks)
	assert.Equal(t, 2, run.OpusTasks)
	assert.Equal(t, 0.0012, run.MinimaxCostUSD)
	assert.Equal(t, clock.Now(), run.Completed)
	assert.Equal(t, clock.Now().Add(-3*time.Second), run.Started)

	require.NoError(t, l.Record(ctx, offload.Outcome{
		Type:        offload.RequestBatch,
		Caller:      "audit",
		FailedCount: 4,
		Error:       "offload: rate limited by provider",
		Pipeline:    &offload.PipelineContext{SkillChain: []string{"scan"}},
	}))
	runs = snap(t, l).PipelineRuns
	require.Len(t, runs, 2)
	assert.Equal(t, ledger.RunFailed, runs[1].Status)
	assert.Equal(t, 4, runs[1].MinimaxTasks)
}

func TestPipelineRunsCap(t *testing.T) {
	l := newLedger(t, tempPath(t), newClock(), 1000)
	ctx := context.Background()

	for i := range ledger.MaxPipelineRuns + 2 {
		require.NoError(t, l.Record(ctx, offload.Outcome{
			Type:      offload.RequestBatch,
			TaskCount: 1,
			Caller:    "runner",
			Pipeline:  &offload.PipelineContext{FindingsTotal: i},
		}))
	}

	runs := snap(t, l).PipelineRuns
	require.Len(t, runs, ledger.MaxPipelineRuns)
	assert.Equal(t, 2, runs[0].FindingsTotal)
	assert.Equal(t, ledger.MaxPipelineRuns+1, runs[len(runs)-1].FindingsTotal)
}

func TestErrorTruncation(t *testing.T) {
	l := newLedger(t, tempPath(t), newClock(), 10)
	ctx := context.Background()

	long := strings.Repeat("é", ledger.MaxErrorLength+100)
	require.NoError(t, l.Record(ctx, offload.Outcome{Type: offload.RequestQuery, Error: long}))

	short := strings.Repeat("x", ledger.MaxErrorLength)
	require.NoError(t, l.Record(ctx, offload.Outcome{Type: offload.RequestQuery, Error: short}))

	st := snap(t, l)
	got := st.RecentRequests[0].Error
	assert.True(t, strings.HasSuffix(got, "...[truncated]"))
	assert.Equal(t, ledger.MaxErrorLength, utf8.RuneCountInString(strings.TrimSuffix(got, "...[truncated]")))
	assert.True(t, utf8.ValidString(got))

	assert.Equal(t, short, st.RecentRequests[1].Error)
}

func TestMalformedFileStartsFresh(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	l := newLedger(t, path, newClock(), 10)
	assert.EqualValues(t, 10, remaining(t, l))

	require.NoError(t, l.Record(context.Background(), query("")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var st ledger.State
	require.NoError(t, json.Unmarshal(data, &st))
	assert.EqualValues(t, 1, st.CurrentWindow.PromptCount)
}

func TestNewerSchemaStartsFresh(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 99, "current_window": {"prompt_count": 5}}`), 0o600))

	l := newLedger(t, path, newClock(), 10)
	assert.EqualValues(t, 10, remaining(t, l))
}

func TestMigration(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "v0",
			doc: `{
  "current_window": {
    "window_start": "2026-03-10T08:00:00Z",
    "window_end": "2026-03-10T13:00:00Z",
    "prompt_count": 7,
    "total_input_tokens": 700,
    "total_output_tokens": 1400,
    "estimated_cost_usd": 0.00189
  },
  "daily_totals": [
    {"date": "2026-03-09", "prompt_count": 12},
    {"date": "2026-03-10", "prompt_count": 7}
  ]
}`,
		},
		{
			name: "v1",
			doc: `{
  "provider": {"name": "minimax", "model": "MiniMax-M2", "pricing": {"input_per_million": 0.3, "output_per_million": 1.2, "currency": "USD"}},
  "current_window": {
    "window_start": "2026-03-10T08:00:00Z",
    "window_end": "2026-03-10T13:00:00Z",
    "prompt_count": 7
  },
  "daily_totals": [{"date": "2026-03-10", "prompt_count": 7}],
  "recent_requests": [{"timestamp": "2026-03-10T08:30:00Z", "type": "query", "task_count": 1}]
}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tempPath(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			require.NoError(t, os.WriteFile(path, []byte(tt.doc), 0o600))

			l := newLedger(t, path, newClock(), 10)
			assert.EqualValues(t, 3, remaining(t, l))

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			var raw map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &raw))
			assert.JSONEq(t, "2", string(raw["schema_version"]))
			assert.Contains(t, raw, "recent_requests")
			assert.Contains(t, raw, "pipeline_runs")
			assert.Contains(t, raw, "provider")

			st := snap(t, l)
			assert.Equal(t, "minimax", st.Provider.Name)
			assert.NotEmpty(t, st.DailyTotals)
			assert.NotNil(t, st.PipelineRuns)
		})
	}
}

func TestReservations(t *testing.T) {
	l := newLedger(t, tempPath(t), newClock(), 10)
	ctx := context.Background()

	r, err := l.Reserve(ctx, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 4, r.Amount)
	assert.EqualValues(t, 6, remaining(t, l))

	_, err = l.Reserve(ctx, 7)
	var qe *offload.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.EqualValues(t, 6, qe.Remaining)
	assert.EqualValues(t, 1, qe.Shortfall())

	_, err = l.Reserve(ctx, 0)
	assert.ErrorIs(t, err, offload.ErrInvalidRequest)

	require.NoError(t, l.Release(ctx, r))
	assert.EqualValues(t, 10, remaining(t, l))
	require.NoError(t, l.Release(ctx, r), "release is idempotent")
	assert.EqualValues(t, 10, remaining(t, l))
}

func TestRemaining_NeverNegative(t *testing.T) {
	l := newLedger(t, tempPath(t), newClock(), 2)

	require.NoError(t, l.Record(context.Background(), offload.Outcome{Type: offload.RequestBatch, TaskCount: 5}))
	assert.EqualValues(t, 0, remaining(t, l))
}

func TestSharedFile_NoLostUpdates(t *testing.T) {
	path := tempPath(t)
	clock := newClock()
	a := newLedger(t, path, clock, 1000)
	b := newLedger(t, path, clock, 1000)
	ctx := context.Background()

	const perLedger = 15
	var wg sync.WaitGroup
	for _, l := range []*ledger.FileLedger{a, b} {
		wg.Add(1)
		go func(l *ledger.FileLedger) {
			defer wg.Done()
			for range perLedger {
				assert.NoError(t, l.Record(ctx, query("")))
			}
		}(l)
	}
	wg.Wait()

	fresh := newLedger(t, path, clock, 1000)
	st := snap(t, fresh)
	assert.EqualValues(t, 2*perLedger, st.CurrentWindow.PromptCount)
	assert.Len(t, st.RecentRequests, 2*perLedger)

	// Each instance observes the other's writes.
	assert.EqualValues(t, 1000-2*perLedger, remaining(t, a))
	assert.EqualValues(t, 1000-2*perLedger, remaining(t, b))
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	l := newLedger(t, tempPath(t), newClock(), 10)
	require.NoError(t, l.Record(context.Background(), offload.Outcome{
		Type:     offload.RequestBatch,
		Caller:   "audit",
		Pipeline: &offload.PipelineContext{SkillChain: []string{"scan"}, FindingsByDifficulty: map[string]int{"easy": 1}},
	}))

	st := snap(t, l)
	st.PipelineRuns[0].SkillChain[0] = "mutated"
	st.PipelineRuns[0].FindingsByDifficulty["easy"] = 99
	st.RecentRequests[0].Caller = "mutated"

	again := snap(t, l)
	assert.Equal(t, "scan", again.PipelineRuns[0].SkillChain[0])
	assert.Equal(t, 1, again.PipelineRuns[0].FindingsByDifficulty["easy"])
	assert.Equal(t, "audit", again.RecentRequests[0].Caller)
}

func TestRecord_PersistFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.json")
	// A non-empty directory where the file should be makes the rename fail.
	require.NoError(t, os.MkdirAll(filepath.Join(path, "occupied"), 0o755))

	l := newLedger(t, path, newClock(), 10)
	err := l.Record(context.Background(), query(""))

	var le *offload.LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "persist", le.Op)
	assert.Equal(t, offload.CodeLedger, offload.ErrorCode(err))
}

func TestRecord_PersistFailureIsCarriedToNextWrite(t *testing.T) {
	clock := newClock()
	path := tempPath(t)
	l := newLedger(t, path, clock, 1000)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, query("first")))
	assert.EqualValues(t, 999, remaining(t, l))

	ledger.FailWrites(l, true)
	err := l.Record(ctx, query("second"))
	var le *offload.LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "persist", le.Op)
	assert.EqualValues(t, 998, remaining(t, l), "the failed outcome still counts in this process")

	ledger.FailWrites(l, false)
	require.NoError(t, l.Record(ctx, query("third")))
	assert.EqualValues(t, 997, remaining(t, l))

	st := snap(t, newLedger(t, path, clock, 1000))
	assert.EqualValues(t, 3, st.CurrentWindow.PromptCount)
	callers := make([]string, 0, len(st.RecentRequests))
	for _, e := range st.RecentRequests {
		callers = append(callers, e.Caller)
	}
	assert.ElementsMatch(t, []string{"first", "second", "third"}, callers)
}

func TestRecord_PersistFailureSurvivesForeignWrite(t *testing.T) {
	clock := newClock()
	path := tempPath(t)
	a := newLedger(t, path, clock, 1000)
	b := newLedger(t, path, clock, 1000)
	ctx := context.Background()

	ledger.FailWrites(a, true)
	require.Error(t, a.Record(ctx, query("a")))

	require.NoError(t, b.Record(ctx, query("b")))
	assert.EqualValues(t, 998, remaining(t, a), "reloading after another write keeps the pending outcome")

	ledger.FailWrites(a, false)
	require.NoError(t, a.Record(ctx, query("a2")))
	assert.EqualValues(t, 3, snap(t, newLedger(t, path, clock, 1000)).CurrentWindow.PromptCount)
}

func TestWindowRotation_ObservedByReadIsKept(t *testing.T) {
	clock := newClock()
	start := clock.Now()
	l := newLedger(t, tempPath(t), clock, 10)
	ctx := context.Background()

	assert.EqualValues(t, 10, remaining(t, l))
	assert.Equal(t, start.Add(5*time.Hour), snap(t, l).CurrentWindow.WindowEnd)

	clock.Advance(time.Hour)
	require.NoError(t, l.Record(ctx, query("")))

	st := snap(t, l)
	assert.Equal(t, start, st.CurrentWindow.WindowStart)
	assert.Equal(t, start.Add(5*time.Hour), st.CurrentWindow.WindowEnd)
	assert.EqualValues(t, 1, st.CurrentWindow.PromptCount)
}

func TestWindowRotation_ReadAfterExpiryIsKept(t *testing.T) {
	clock := newClock()
	l := newLedger(t, tempPath(t), clock, 10)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, query("")))
	clock.Advance(6 * time.Hour)
	rotatedAt := clock.Now()
	assert.EqualValues(t, 10, remaining(t, l))

	clock.Advance(30 * time.Minute)
	require.NoError(t, l.Record(ctx, query("")))

	st := snap(t, l)
	assert.Equal(t, rotatedAt, st.CurrentWindow.WindowStart)
	assert.Equal(t, rotatedAt.Add(5*time.Hour), st.CurrentWindow.WindowEnd)
	assert.EqualValues(t, 1, st.CurrentWindow.PromptCount)
}

func TestFromConfig(t *testing.T) {
	cfg := offload.DefaultConfig()
	cfg.Ledger.Path = tempPath(t)
	cfg.Quota.Limit = 42
	cfg.Gateway.Model = "MiniMax-M2.5"

	l, err := ledger.FromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Ledger.Path, l.Path())
	assert.EqualValues(t, 42, l.Limit())
	assert.EqualValues(t, 42, remaining(t, l))
	assert.Equal(t, "MiniMax-M2.5", snap(t, l).Provider.Model)
}
