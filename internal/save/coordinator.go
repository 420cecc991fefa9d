// Package save commits dirty records to the remote store and reconciles the
// results into the baseline. One commit cycle runs at a time per view.
package save

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/example/roster-sync/internal/clock"
	"github.com/example/roster-sync/internal/observability"
	"github.com/example/roster-sync/internal/tracker"
	"github.com/example/roster-sync/internal/types"
)

const defaultConcurrency = 8

// Committer is the remote persistence service. It must return one result per
// submitted record and tolerate resubmission of an unchanged record.
type Committer interface {
	Commit(ctx context.Context, records []types.CommitRecord) ([]types.CommitResult, error)
}

// LinkedCommitter applies denormalized copies to related records.
type LinkedCommitter interface {
	CommitLinked(ctx context.Context, writes []types.LinkedWrite) error
}

// Validator checks a record before it is dispatched.
type Validator interface {
	Check(id types.RecordID, fields types.Fields) error
}

// Notifier announces confirmed commits to other processes.
type Notifier interface {
	PublishCommitted(ctx context.Context, evt types.CommitEvent) error
}

// Reporter receives a summary of every settled batch.
type Reporter interface {
	Enqueue(report Report)
}

// Coordinator executes commit cycles for a single view.
type Coordinator struct {
	mu        sync.Mutex
	state     State
	scheduled bool
	trigger   Trigger
	lastSaved time.Time
	lastBatch *BatchResult

	scope       types.Scope
	view        types.ViewID
	tracker     *tracker.Tracker
	committer   Committer
	linked      LinkedCommitter
	validator   Validator
	notifier    Notifier
	reporter    Reporter
	links       []types.Link
	concurrency int
	clock       clock.Clock
	listeners   []func(State)

	logger zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLinkedCommitter sets the store used for denormalized writes.
func WithLinkedCommitter(l LinkedCommitter) Option {
	return func(c *Coordinator) {
		c.linked = l
	}
}

// WithLinks declares the denormalized fields maintained on save.
func WithLinks(links []types.Link) Option {
	return func(c *Coordinator) {
		c.links = append([]types.Link(nil), links...)
	}
}

// WithValidator sets the pre-commit validator.
func WithValidator(v Validator) Option {
	return func(c *Coordinator) {
		c.validator = v
	}
}

// WithNotifier sets the commit broadcaster.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

// WithReporter sets the batch report sink.
func WithReporter(r Reporter) Option {
	return func(c *Coordinator) {
		c.reporter = r
	}
}

// WithConcurrency bounds the number of commits in flight within one batch.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithStateListener registers a callback invoked after every state change.
func WithStateListener(fn func(State)) Option {
	return func(c *Coordinator) {
		c.listeners = append(c.listeners, fn)
	}
}

// NewCoordinator builds a coordinator committing records of scope through
// committer and reconciling them into t.
func NewCoordinator(scope types.Scope, view types.ViewID, t *tracker.Tracker, committer Committer, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		scope:       scope,
		view:        view,
		tracker:     t,
		committer:   committer,
		concurrency: defaultConcurrency,
		clock:       clock.Real{},
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current persistence state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Persisting reports whether a commit cycle is in flight.
func (c *Coordinator) Persisting() bool {
	return c.State() == Saving
}

// Trigger returns what started the current or most recent cycle.
func (c *Coordinator) Trigger() Trigger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trigger
}

// LastSavedAt returns when a record was last committed successfully.
func (c *Coordinator) LastSavedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSaved
}

// LastBatch returns the most recent settled batch, if any.
func (c *Coordinator) LastBatch() (BatchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastBatch == nil {
		return BatchResult{}, false
	}
	return *c.lastBatch, true
}

// SetScheduled records whether the autosave timer is armed. While a cycle is
// running the flag is remembered and applied when the cycle ends.
func (c *Coordinator) SetScheduled(armed bool) {
	c.mu.Lock()
	c.scheduled = armed
	changed := false
	if c.state != Saving {
		next := Idle
		if armed {
			next = Scheduled
		}
		changed = next != c.state
		c.state = next
	}
	state := c.state
	c.mu.Unlock()

	if changed {
		c.emit(state)
	}
}

// SaveOne commits a single record. The returned error is non-nil only when
// the cycle could not start; a failed commit is reported in the outcome.
func (c *Coordinator) SaveOne(ctx context.Context, id types.RecordID) (types.Outcome, error) {
	if !c.tracker.Contains(id) {
		return types.Outcome{}, fmt.Errorf("save %s: %w", id, tracker.ErrUnknownRecord)
	}
	res, err := c.run(ctx, TriggerManual, []types.RecordID{id})
	if err != nil {
		return types.Outcome{}, err
	}
	return res.Outcomes[0], nil
}

// SaveAll commits every id concurrently and waits for all of them to settle.
// A failure never aborts its siblings.
func (c *Coordinator) SaveAll(ctx context.Context, ids []types.RecordID) (BatchResult, error) {
	return c.run(ctx, TriggerManual, ids)
}

// Autosave is the scheduler's fire path: it commits the current dirty set
// unless a cycle is already running or nothing is dirty, in which case it
// does nothing and reports false.
func (c *Coordinator) Autosave(ctx context.Context) (BatchResult, bool) {
	if c.Persisting() {
		c.logger.Debug().Msg("autosave skipped: save in progress")
		return BatchResult{}, false
	}
	ids := c.tracker.DirtyIDs()
	if len(ids) == 0 {
		c.logger.Debug().Msg("autosave skipped: nothing dirty")
		return BatchResult{}, false
	}
	res, err := c.run(ctx, TriggerAutosave, ids)
	if err != nil {
		return BatchResult{}, false
	}
	return res, true
}

func (c *Coordinator) begin(trigger Trigger) error {
	c.mu.Lock()
	if c.state == Saving {
		c.mu.Unlock()
		rejectedTotal.Inc()
		return ErrSaveInProgress
	}
	c.state = Saving
	c.trigger = trigger
	c.mu.Unlock()

	c.emit(Saving)
	return nil
}

func (c *Coordinator) end(res *BatchResult) {
	c.mu.Lock()
	if res != nil {
		c.lastBatch = res
		if len(res.Succeeded) > 0 {
			c.lastSaved = res.FinishedAt
		}
	}
	c.state = Idle
	if c.scheduled {
		c.state = Scheduled
	}
	state := c.state
	c.mu.Unlock()

	c.emit(state)
}

func (c *Coordinator) run(ctx context.Context, trigger Trigger, ids []types.RecordID) (BatchResult, error) {
	ids = unique(ids)
	if len(ids) == 0 {
		return BatchResult{Trigger: trigger}, nil
	}
	if err := c.begin(trigger); err != nil {
		return BatchResult{}, err
	}

	// Dispatched commits are not cancellable.
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "save.cycle")
	defer span.End()
	span.SetAttributes(
		attribute.String("scope", c.scope.String()),
		attribute.String("trigger", string(trigger)),
		attribute.Int("records", len(ids)),
	)
	logger := observability.LoggerWithTrace(ctx, c.logger).With().Str("trigger", string(trigger)).Logger()

	started := c.clock.Now()
	pending := c.tracker.Snapshot(ids)
	outcomes := make([]types.Outcome, len(ids))
	byID := make(map[types.RecordID]int, len(ids))
	for i, id := range ids {
		byID[id] = i
		outcomes[i] = types.Outcome{ID: id, Err: fmt.Errorf("save %s: %w", id, tracker.ErrUnknownRecord)}
	}

	batchSize.Observe(float64(len(pending)))
	logger.Info().Int("records", len(pending)).Msg("commit cycle started")

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for _, p := range pending {
		idx := byID[p.ID]
		g.Go(func() error {
			outcomes[idx] = c.commitOne(ctx, p, logger)
			return nil
		})
	}
	_ = g.Wait()

	res := BatchResult{
		Trigger:    trigger,
		Requested:  len(ids),
		Failed:     make(map[types.RecordID]error),
		Outcomes:   outcomes,
		StartedAt:  started,
		FinishedAt: c.clock.Now(),
	}
	var committed []types.Seed
	for _, o := range outcomes {
		if o.OK() {
			res.Succeeded = append(res.Succeeded, o.ID)
			committed = append(committed, types.Seed{ID: o.ID, Fields: o.Committed})
			commitTotal.WithLabelValues("ok").Inc()
			continue
		}
		res.Failed[o.ID] = o.Err
		commitTotal.WithLabelValues(failureLabel(o.Err)).Inc()
	}
	cycleLatency.WithLabelValues(string(trigger)).Observe(res.FinishedAt.Sub(started).Seconds())

	if len(res.Failed) > 0 {
		span.SetStatus(codes.Error, res.Message())
		logger.Warn().Int("succeeded", len(res.Succeeded)).Int("failed", len(res.Failed)).Msg("commit cycle settled with failures")
	} else {
		logger.Info().Int("succeeded", len(res.Succeeded)).Msg("commit cycle settled")
	}

	c.end(&res)
	c.publish(ctx, committed, res.FinishedAt, logger)
	if c.reporter != nil {
		c.reporter.Enqueue(res.Report(c.scope, c.view))
	}
	return res, nil
}

func (c *Coordinator) commitOne(ctx context.Context, p tracker.Pending, logger zerolog.Logger) types.Outcome {
	logger = logger.With().Str("record", string(p.ID)).Logger()

	if c.validator != nil {
		if err := c.validator.Check(p.ID, p.Sent); err != nil {
			logger.Debug().Err(err).Msg("record failed validation")
			return types.Outcome{ID: p.ID, Err: err}
		}
	}

	results, err := c.committer.Commit(ctx, []types.CommitRecord{{Scope: c.scope, ID: p.ID, Fields: p.Sent}})
	if err != nil {
		logger.Warn().Err(err).Msg("commit failed")
		return types.Outcome{ID: p.ID, Err: &CommitError{ID: p.ID, Err: err}}
	}

	result, ok := findResult(results, p.ID)
	if !ok {
		return types.Outcome{ID: p.ID, Err: &CommitError{ID: p.ID, Err: errNoResult}}
	}
	if result.Status != types.StatusOK {
		logger.Warn().Str("reason", result.Error).Msg("commit rejected")
		return types.Outcome{ID: p.ID, Err: &CommitError{ID: p.ID, Reason: result.Error}}
	}

	committed := result.Committed
	if committed == nil {
		committed = p.Sent
	}

	if writes := c.linkedWrites(p, committed); len(writes) > 0 {
		if err := c.commitLinked(ctx, writes); err != nil {
			logger.Warn().Err(err).Int("writes", len(writes)).Msg("linked update failed")
			return types.Outcome{ID: p.ID, Err: &LinkedCommitError{ID: p.ID, Writes: writes, Err: err}}
		}
	}

	if !c.tracker.Reconcile(p, committed) {
		logger.Info().Msg("roster reloaded during commit; baseline not updated")
	}
	return types.Outcome{ID: p.ID, Committed: committed.Clone()}
}

func (c *Coordinator) linkedWrites(p tracker.Pending, committed types.Fields) []types.LinkedWrite {
	var writes []types.LinkedWrite
	for _, link := range c.links {
		value := committed.Get(link.Field)
		if types.ValueEqual(value, p.Prior.Get(link.Field)) {
			continue
		}
		target := committed.Get(link.TargetIDField)
		if !target.Valid || target.String == "" {
			continue
		}
		writes = append(writes, types.LinkedWrite{
			Collection: link.TargetCollection,
			ID:         types.RecordID(target.String),
			Field:      link.TargetField,
			Value:      value,
		})
	}
	return writes
}

func (c *Coordinator) commitLinked(ctx context.Context, writes []types.LinkedWrite) error {
	if c.linked == nil {
		return errors.New("no linked committer configured")
	}
	return c.linked.CommitLinked(ctx, writes)
}

func (c *Coordinator) publish(ctx context.Context, records []types.Seed, at time.Time, logger zerolog.Logger) {
	if c.notifier == nil || len(records) == 0 {
		return
	}
	evt := types.CommitEvent{Scope: c.scope, View: c.view, Records: records, At: at}
	if err := c.notifier.PublishCommitted(ctx, evt); err != nil {
		logger.Warn().Err(err).Msg("failed to publish commit event")
	}
}

func (c *Coordinator) emit(state State) {
	for _, fn := range c.listeners {
		fn(state)
	}
}

// unique drops repeated ids, keeping first-seen order.
func unique(ids []types.RecordID) []types.RecordID {
	seen := make(map[types.RecordID]struct{}, len(ids))
	out := make([]types.RecordID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func findResult(results []types.CommitResult, id types.RecordID) (types.CommitResult, bool) {
	for _, r := range results {
		if r.ID == id {
			return r, true
		}
	}
	return types.CommitResult{}, false
}

func failureLabel(err error) string {
	var lerr *LinkedCommitError
	if errors.As(err, &lerr) {
		return "linked_error"
	}
	var cerr *CommitError
	if errors.As(err, &cerr) {
		return "commit_error"
	}
	if errors.Is(err, tracker.ErrUnknownRecord) {
		return "unknown_record"
	}
	return "invalid"
}
