// Package ledger provides a file-backed usage ledger for offload.
//
// The ledger keeps one rolling quota window, daily rollups and capped logs of
// recent requests and pipeline runs in a single JSON document. Mutations take
// an exclusive lock file, re-read the document, apply the change and rewrite
// the whole file atomically, so several processes sharing one file do not
// lose each other's updates. Quota reservations are held in-process only.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ineyio/offload"
)

const lockRetryDelay = 25 * time.Millisecond

// FileLedger is a Ledger persisted to a single JSON file.
type FileLedger struct {
	mu sync.Mutex

	path        string
	lock        *flock.Flock
	lockTimeout time.Duration
	limit       int64
	window      time.Duration
	loc         *time.Location
	provider    ProviderInfo
	now         func() time.Time
	logger      *zap.Logger

	state     *State // nil until first use
	seen      fileStamp
	pending   []pendingOutcome
	reserved  map[string]int64
	held      int64
	writeFile func(path string, data []byte) (fileStamp, error)
}

// pendingOutcome is an outcome applied in memory whose write failed. It is
// re-applied on every reload until a write succeeds.
type pendingOutcome struct {
	outcome offload.Outcome
	at      time.Time
	runID   string
}

var _ offload.Ledger = (*FileLedger)(nil)

// Option configures a FileLedger.
type Option func(*FileLedger)

// WithQuota sets the prompt limit per window and the window length.
func WithQuota(limit int64, window time.Duration) Option {
	return func(l *FileLedger) {
		l.limit = limit
		l.window = window
	}
}

// WithLocation sets the location used to bucket daily totals.
func WithLocation(loc *time.Location) Option {
	return func(l *FileLedger) { l.loc = loc }
}

// WithProvider sets the static provider metadata stored in the document.
func WithProvider(p ProviderInfo) Option {
	return func(l *FileLedger) { l.provider = p }
}

// WithLockTimeout bounds how long a mutation waits for the lock file.
func WithLockTimeout(d time.Duration) Option {
	return func(l *FileLedger) { l.lockTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *FileLedger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *FileLedger) { l.logger = logger }
}

// New creates a ledger backed by path. Nothing is read until first use.
func New(path string, opts ...Option) (*FileLedger, error) {
	if path == "" {
		return nil, fmt.Errorf("offload: ledger: path is required")
	}
	l := &FileLedger{
		path:        path,
		lock:        flock.New(path + ".lock"),
		lockTimeout: offload.DefaultLockTimeout,
		limit:       offload.DefaultQuotaLimit,
		window:      offload.DefaultQuotaWindow,
		loc:         time.Local,
		provider: ProviderInfo{
			Name:    "minimax",
			Model:   offload.DefaultModel,
			Pricing: offload.DefaultPricing,
		},
		now:       time.Now,
		reserved:  make(map[string]int64),
		writeFile: writeFileAtomic,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.window <= 0 {
		return nil, fmt.Errorf("offload: ledger: window must be positive, got %s", l.window)
	}
	return l, nil
}

// FromConfig creates a ledger from the module configuration.
func FromConfig(cfg offload.Config, logger *zap.Logger) (*FileLedger, error) {
	return New(cfg.Ledger.Path,
		WithQuota(cfg.Quota.Limit, cfg.Quota.Window),
		WithLocation(cfg.Ledger.Location()),
		WithLockTimeout(cfg.Ledger.LockTimeout),
		WithProvider(ProviderInfo{
			Name:    cfg.Gateway.Provider,
			Model:   cfg.Gateway.Model,
			Pricing: cfg.Pricing,
		}),
		WithLogger(logger),
	)
}

// Path returns the durable file location.
func (l *FileLedger) Path() string { return l.path }

// Limit returns the prompt limit per window.
func (l *FileLedger) Limit() int64 { return l.limit }

// Remaining returns max(0, limit - prompt_count - reserved) for the current window.
func (l *FileLedger) Remaining(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.current()
	return l.remaining(st), nil
}

// Reserve holds amount prompts for an in-flight dispatch.
func (l *FileLedger) Reserve(_ context.Context, amount int64) (offload.Reservation, error) {
	if amount <= 0 {
		return offload.Reservation{}, fmt.Errorf("%w: reservation amount must be positive", offload.ErrInvalidRequest)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.current()
	remaining := l.remaining(st)
	if amount > remaining {
		return offload.Reservation{}, &offload.QuotaError{Remaining: remaining, Requested: amount}
	}

	r := offload.Reservation{ID: uuid.New().String(), Amount: amount}
	l.reserved[r.ID] = amount
	l.held += amount
	return r, nil
}

// Release drops a reservation. Unknown or already released ids are ignored.
func (l *FileLedger) Release(_ context.Context, r offload.Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	amount, ok := l.reserved[r.ID]
	if !ok {
		return nil
	}
	delete(l.reserved, r.ID)
	l.held -= amount
	return nil
}

// Record accounts an outcome and rewrites the durable file.
func (l *FileLedger) Record(ctx context.Context, o offload.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	unlock, err := l.acquire(ctx)
	if err != nil {
		return &offload.LedgerError{Op: "lock", Err: err}
	}
	defer unlock()

	// Re-read inside the lock: another process may have written since our last load.
	st := l.reload(true)
	p := pendingOutcome{outcome: o, at: l.now(), runID: uuid.New().String()}
	st.apply(p.outcome, p.at, l.loc, l.window, p.runID)
	l.state = st

	if err := l.write(st); err != nil {
		l.pending = append(l.pending, p)
		l.logger.Warn("Outcome kept in memory until the ledger can be written",
			zap.String("path", l.path),
			zap.Int("pending", len(l.pending)),
		)
		return &offload.LedgerError{Op: "persist", Err: err}
	}
	l.pending = nil
	return nil
}

// Snapshot returns a copy of the current state after lazy window rotation.
func (l *FileLedger) Snapshot(_ context.Context) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.current().clone(), nil
}

// current returns the cached state, reloading it when the file changed on disk,
// and rotates an expired window. Must be called with mu held.
func (l *FileLedger) current() *State {
	if l.state == nil || l.changedOnDisk() {
		l.state = l.reload(false)
	}
	l.state.rotate(l.now(), l.window)
	return l.state
}

// reload reads the document and carries over what only this instance knows:
// a window rotated in memory that the file has not seen yet, and outcomes
// whose write failed. Must be called with mu held.
func (l *FileLedger) reload(locked bool) *State {
	prev := l.state
	st := l.loadFromDisk(locked)

	if prev != nil && st.CurrentWindow.Expired(prev.CurrentWindow.WindowStart) && !prev.CurrentWindow.Expired(l.now()) {
		st.CurrentWindow = Window{
			WindowStart: prev.CurrentWindow.WindowStart,
			WindowEnd:   prev.CurrentWindow.WindowEnd,
		}
	}
	for _, p := range l.pending {
		st.apply(p.outcome, p.at, l.loc, l.window, p.runID)
	}
	return st
}

func (l *FileLedger) remaining(st *State) int64 {
	left := l.limit - st.CurrentWindow.PromptCount - l.held
	if left < 0 {
		return 0
	}
	return left
}

func (l *FileLedger) acquire(ctx context.Context) (func(), error) {
	if err := ensureDir(l.path); err != nil {
		return nil, err
	}

	lockCtx := ctx
	if l.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, l.lockTimeout)
		defer cancel()
	}

	ok, err := l.lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s", offload.ErrLedgerLocked, l.lock.Path())
		}
		return nil, fmt.Errorf("acquire %s: %w", l.lock.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", offload.ErrLedgerLocked, l.lock.Path())
	}

	return func() {
		if err := l.lock.Unlock(); err != nil {
			l.logger.Warn("Failed to release ledger lock", zap.String("path", l.lock.Path()), zap.Error(err))
		}
	}, nil
}

// loadFromDisk reads the document. Absent, unreadable or malformed files yield
// a fresh empty state. Older shapes are upgraded and written back; outside a
// mutation that only happens if the lock file is free right now.
func (l *FileLedger) loadFromDisk(locked bool) *State {
	data, stamp, err := readFile(l.path)
	l.seen = stamp
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Ledger unreadable, starting fresh", zap.String("path", l.path), zap.Error(err))
		}
		return newState(l.provider)
	}

	st, migrated, err := decodeState(data, l.provider)
	if err != nil {
		l.logger.Warn("Ledger malformed, starting fresh", zap.String("path", l.path), zap.Error(err))
		return newState(l.provider)
	}

	if migrated {
		l.upgrade(st, locked)
	}
	return st
}

func (l *FileLedger) upgrade(st *State, locked bool) {
	if !locked {
		ok, err := l.lock.TryLock()
		if err != nil || !ok {
			l.logger.Debug("Ledger upgrade deferred, lock busy", zap.String("path", l.path), zap.Error(err))
			return
		}
		defer func() { _ = l.lock.Unlock() }()
	}
	if err := l.write(st); err != nil {
		l.logger.Warn("Failed to upgrade ledger", zap.String("path", l.path), zap.Error(err))
		return
	}
	l.logger.Info("Ledger upgraded", zap.String("path", l.path), zap.Int("schema_version", SchemaVersion))
}

func (l *FileLedger) write(st *State) error {
	data, err := st.encode()
	if err != nil {
		return err
	}
	stamp, err := l.writeFile(l.path, data)
	if err != nil {
		l.logger.Error("Failed to persist ledger", zap.String("path", l.path), zap.Error(err))
		return err
	}
	l.seen = stamp
	return nil
}

func (l *FileLedger) changedOnDisk() bool {
	return statFile(l.path) != l.seen
}
