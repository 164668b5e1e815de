package actors

import (
	"context"
	"log/slog"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"

	"gator-threads/internal/database"
	"gator-threads/internal/logging"
	"gator-threads/internal/models"
	"gator-threads/internal/thread"
	"gator-threads/internal/utils"
)

// outcomeRetention bounds how many settled outcomes Await can still find.
const outcomeRetention = 512

// Listener is called from inside the thread actor after every store change.
// It must not block or call back into the actor synchronously.
type Listener func(models.ThreadEvent)

// Message types for ThreadActor
type (
	// LoadPageMsg requests the next page. The response is the forest once
	// the page has been merged, or an error.
	LoadPageMsg struct{}

	// RefreshMsg restarts paging from offset zero. Loaded nodes are kept
	// and merged with what the server now returns.
	RefreshMsg struct{}

	GetForestMsg struct{}

	GetPendingMsg struct{}

	// ValidateReplyMsg runs the client-side reply checks without changing
	// anything, so a caller can fail before uploading attachments.
	ValidateReplyMsg struct {
		ParentID string
	}

	// CommandMsg carries one of the models command types. Uploads must
	// already have been turned into attachment references.
	CommandMsg struct {
		Command any
	}

	SubscribeMsg struct {
		Listener Listener
	}

	UnsubscribeMsg struct {
		ID int
	}

	// AwaitMsg is answered once the mutation settles. The caller stops
	// listening after Timeout; zero means it waits indefinitely.
	AwaitMsg struct {
		CorrelationID string
		Timeout       time.Duration
	}

	pageLoadedMsg struct {
		req  models.PageRequest
		page *models.Page
		err  error
	}

	mutationResultMsg struct {
		correlationID string
		result        *models.MutationResult
		err           error
	}

	sweepMsg struct{}

	// waitingMsg reports how many Await callers are held.
	waitingMsg struct{}
)

// ThreadConfig holds what one thread actor needs to know about its thread
// and the engine settings.
type ThreadConfig struct {
	ThreadID        string
	ViewerID        string
	MaxDepth        int
	PageSize        int
	OrphanGrace     time.Duration
	SweepInterval   time.Duration
	MutationTimeout time.Duration
	Now             func() time.Time
}

type waiter struct {
	pid     *actor.PID
	expires time.Time // zero when the caller never gives up
}

type pageLoad struct {
	req     models.PageRequest
	waiters []*actor.PID
	refresh bool
}

// ThreadActor owns the store, paginator and mutation coordinator of one
// thread as seen by one viewer. Backend calls run in goroutines and come
// back as messages, so nothing else ever touches the thread state.
type ThreadActor struct {
	cfg     ThreadConfig
	backend database.Backend
	metrics *utils.MetricsCollector
	log     *slog.Logger

	store *thread.Store
	pages *thread.Paginator
	coord *thread.Coordinator

	loading   *pageLoad
	listeners map[int]Listener
	nextID    int
	waiters   map[string][]waiter
	outcomes  map[string]models.Outcome
	settled   []string

	ctx         context.Context
	cancel      context.CancelFunc
	cancelSweep scheduler.CancelFunc
}

func NewThreadActor(cfg ThreadConfig, backend database.Backend, metrics *utils.MetricsCollector, logger *slog.Logger) actor.Actor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if metrics == nil {
		metrics = utils.NewMetricsCollector()
	}
	log := logger.With("thread", cfg.ThreadID, "viewer", cfg.ViewerID)
	store := thread.NewStore(cfg.ThreadID, thread.Options{
		MaxDepth:    cfg.MaxDepth,
		OrphanGrace: cfg.OrphanGrace,
		Logger:      logger,
		Now:         cfg.Now,
	})
	return &ThreadActor{
		cfg:       cfg,
		backend:   backend,
		metrics:   metrics,
		log:       log,
		store:     store,
		pages:     thread.NewPaginator(cfg.ThreadID, cfg.PageSize),
		coord:     thread.NewCoordinator(store, cfg.ViewerID, logger),
		listeners: make(map[int]Listener),
		waiters:   make(map[string][]waiter),
		outcomes:  make(map[string]models.Outcome),
	}
}

func (a *ThreadActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		a.log.Debug("ThreadActor started", "pid", ctx.Self().String())
		a.ctx, a.cancel = context.WithCancel(context.Background())
		if a.cfg.SweepInterval > 0 {
			timer := scheduler.NewTimerScheduler(ctx.ActorSystem().Root)
			a.cancelSweep = timer.SendRepeatedly(a.cfg.SweepInterval, a.cfg.SweepInterval, ctx.Self(), &sweepMsg{})
		}

	case *actor.Stopping:
		if a.cancelSweep != nil {
			a.cancelSweep()
		}
		if a.cancel != nil {
			a.cancel()
		}

	case *LoadPageMsg:
		a.handleLoadPage(ctx, false)

	case *RefreshMsg:
		a.handleLoadPage(ctx, true)

	case *pageLoadedMsg:
		a.handlePageLoaded(ctx, msg)

	case *GetForestMsg:
		ctx.Respond(a.forest())

	case *GetPendingMsg:
		ctx.Respond(a.coord.Pending())

	case *ValidateReplyMsg:
		if _, err := a.coord.ReplyTarget(msg.ParentID); err != nil {
			ctx.Respond(err)
			return
		}
		ctx.Respond(true)

	case *CommandMsg:
		a.handleCommand(ctx, msg)

	case *mutationResultMsg:
		a.handleMutationResult(ctx, msg)

	case *sweepMsg:
		a.sweep(ctx)

	case *SubscribeMsg:
		a.nextID++
		a.listeners[a.nextID] = msg.Listener
		ctx.Respond(a.nextID)

	case *UnsubscribeMsg:
		delete(a.listeners, msg.ID)

	case *AwaitMsg:
		a.handleAwait(ctx, msg)

	case *waitingMsg:
		a.pruneWaiters(a.cfg.Now())
		ctx.Respond(a.waiting())
	}
}

func (a *ThreadActor) forest() *models.Forest {
	return &models.Forest{
		ThreadID:     a.cfg.ThreadID,
		Roots:        a.store.Forest(),
		VisibleCount: a.pages.VisibleCount(),
		TotalCount:   a.pages.TotalCount(),
		Loaded:       a.store.Len(),
		Orphans:      a.store.OrphanCount(),
		HasMore:      a.pages.HasMore(),
	}
}

func (a *ThreadActor) handleLoadPage(ctx actor.Context, refresh bool) {
	var carried []*actor.PID
	if refresh {
		if a.loading != nil {
			carried = a.loading.waiters
			a.loading = nil
		}
		a.pages.Reset()
	} else if a.loading != nil {
		// Single flight: join the request that is already out.
		a.loading.waiters = append(a.loading.waiters, ctx.Sender())
		return
	}

	req, ok := a.pages.NextPage()
	if !ok {
		ctx.Respond(a.forest())
		return
	}
	a.loading = &pageLoad{req: req, waiters: append(carried, ctx.Sender()), refresh: refresh}

	self := ctx.Self()
	root := ctx.ActorSystem().Root
	base := database.WithViewer(a.ctx, a.cfg.ViewerID)
	go func() {
		page, err := a.backend.FetchPage(base, req.ThreadID, req.Offset, req.Limit)
		root.Send(self, &pageLoadedMsg{req: req, page: page, err: err})
	}()
}

func (a *ThreadActor) handlePageLoaded(ctx actor.Context, msg *pageLoadedMsg) {
	if a.loading == nil || a.loading.req != msg.req {
		a.log.Debug("Discarding stale page", "offset", msg.req.Offset, "generation", msg.req.Generation)
		a.metrics.RecordPage("stale")
		return
	}
	load := a.loading
	a.loading = nil

	if msg.err != nil {
		a.pages.Abort(msg.req)
		a.metrics.RecordPage("failed")
		a.metrics.IncrementErrors()
		a.log.Warn("Page load failed", "offset", msg.req.Offset, "error", msg.err)
		a.reply(ctx, load.waiters, utils.AsAppError(msg.err))
		return
	}
	if !a.pages.Apply(msg.req, msg.page) {
		a.metrics.RecordPage("stale")
		a.reply(ctx, load.waiters, a.forest())
		return
	}
	a.metrics.RecordPage("applied")

	if errs := a.store.Upsert(msg.page.Nodes); len(errs) > 0 {
		a.log.Warn("Page contained malformed records", "offset", msg.req.Offset, "dropped", len(errs))
	}
	if !a.pages.HasMore() {
		a.promoted(a.store.PromoteAll())
	}

	kind := models.EventPageLoaded
	if load.refresh {
		kind = models.EventRefreshed
	}
	a.emit(models.ThreadEvent{Kind: kind})
	a.reply(ctx, load.waiters, a.forest())
}

func (a *ThreadActor) handleCommand(ctx actor.Context, msg *CommandMsg) {
	startTime := time.Now()

	var (
		d   *thread.Dispatch
		err error
	)
	switch cmd := msg.Command.(type) {
	case models.CreateCommand:
		d, err = a.coord.Create(cmd)
	case models.ReplyCommand:
		d, err = a.coord.Reply(cmd)
	case models.LikeCommand:
		d, err = a.coord.ToggleLike(cmd)
	case models.VoteCommand:
		d, err = a.coord.Vote(cmd)
	case models.EditCommand:
		d, err = a.coord.Edit(cmd)
	case models.DeleteCommand:
		d, err = a.coord.SoftDelete(cmd)
	default:
		err = utils.NewValidationError("unsupported command %T", msg.Command)
	}
	if err != nil {
		a.metrics.IncrementErrors()
		ctx.Respond(err)
		return
	}

	a.metrics.RecordMutation(string(d.Mutation.Kind), string(models.StateApplied))
	a.dispatch(ctx, d)
	a.emit(models.ThreadEvent{
		Kind:          models.EventMutationApplied,
		CorrelationID: d.Mutation.CorrelationID,
		State:         models.StateApplied,
	})
	a.metrics.AddOperationLatency(string(d.Mutation.Kind), time.Since(startTime))

	ticket := d.Mutation
	ctx.Respond(&ticket)
}

// dispatch hands a mutation to the backend. Deferred dispatches wait until
// their parent is confirmed and come back through Reconciliation.Released.
func (a *ThreadActor) dispatch(ctx actor.Context, d *thread.Dispatch) {
	if d.Deferred {
		a.log.Debug("Holding reply until its parent is confirmed", "correlation", d.Mutation.CorrelationID)
		return
	}

	req := *d.Request
	self := ctx.Self()
	root := ctx.ActorSystem().Root
	base := database.WithViewer(a.ctx, a.cfg.ViewerID)
	timeout := a.cfg.MutationTimeout
	go func() {
		callCtx := base
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(base, timeout)
			defer cancel()
		}
		res, err := a.backend.SubmitMutation(callCtx, &req)
		root.Send(self, &mutationResultMsg{correlationID: req.CorrelationID, result: res, err: err})
	}()
}

func (a *ThreadActor) handleMutationResult(ctx actor.Context, msg *mutationResultMsg) {
	var (
		rec *thread.Reconciliation
		ok  bool
	)
	if msg.err != nil {
		rec, ok = a.coord.Fail(msg.correlationID, msg.err)
	} else {
		rec, ok = a.coord.Confirm(msg.correlationID, msg.result)
	}
	if !ok {
		a.log.Debug("Ignoring answer for a settled mutation", "correlation", msg.correlationID)
		a.metrics.RecordMutation("unknown", "late")
		return
	}
	a.reconciled(ctx, rec)
}

func (a *ThreadActor) reconciled(ctx actor.Context, rec *thread.Reconciliation) {
	out := rec.Outcome
	switch {
	case rec.Stale:
		a.metrics.RecordMutation(string(out.Kind), "stale")
	case out.State == models.StateConfirmed:
		switch out.Kind {
		case models.MutationCreate, models.MutationReply:
			a.pages.Adjust(1, 0)
		case models.MutationDelete:
			a.pages.Adjust(0, 1)
		}
	}
	a.settle(ctx, out)

	for _, c := range rec.Cascaded {
		a.settle(ctx, c)
	}
	for _, d := range rec.Released {
		a.dispatch(ctx, d)
	}
}

// settle records a terminal outcome, wakes its waiters and notifies
// subscribers.
func (a *ThreadActor) settle(ctx actor.Context, out models.Outcome) {
	a.metrics.RecordMutation(string(out.Kind), string(out.State))
	if out.State == models.StateRolledBack {
		a.metrics.IncrementErrors()
	}

	a.outcomes[out.CorrelationID] = out
	a.settled = append(a.settled, out.CorrelationID)
	if len(a.settled) > outcomeRetention {
		delete(a.outcomes, a.settled[0])
		a.settled = a.settled[1:]
	}

	a.emit(models.ThreadEvent{
		Kind:          models.EventMutationSettled,
		CorrelationID: out.CorrelationID,
		State:         out.State,
	})
	if waiters, ok := a.waiters[out.CorrelationID]; ok {
		delete(a.waiters, out.CorrelationID)
		o := out
		for _, w := range waiters {
			if w.pid != nil {
				ctx.Send(w.pid, &o)
			}
		}
	}
}

func (a *ThreadActor) handleAwait(ctx actor.Context, msg *AwaitMsg) {
	if out, ok := a.outcomes[msg.CorrelationID]; ok {
		ctx.Respond(&out)
		return
	}
	if _, ok := a.coord.Lookup(msg.CorrelationID); !ok {
		ctx.Respond(utils.NewNotFoundError("mutation", msg.CorrelationID))
		return
	}
	now := a.cfg.Now()
	a.pruneWaiters(now)
	w := waiter{pid: ctx.Sender()}
	if msg.Timeout > 0 {
		w.expires = now.Add(msg.Timeout)
	}
	a.waiters[msg.CorrelationID] = append(a.waiters[msg.CorrelationID], w)
}

// pruneWaiters forgets callers that have stopped listening.
func (a *ThreadActor) pruneWaiters(now time.Time) {
	for id, ws := range a.waiters {
		live := ws[:0]
		for _, w := range ws {
			if w.expires.IsZero() || now.Before(w.expires) {
				live = append(live, w)
			}
		}
		if len(live) == 0 {
			delete(a.waiters, id)
			continue
		}
		a.waiters[id] = live
	}
}

func (a *ThreadActor) waiting() int {
	n := 0
	for _, ws := range a.waiters {
		n += len(ws)
	}
	return n
}

func (a *ThreadActor) sweep(ctx actor.Context) {
	now := a.cfg.Now()
	a.promoted(a.store.PromoteExpired(now))
	a.pruneWaiters(now)
	if a.cfg.MutationTimeout <= 0 {
		return
	}
	for _, rec := range a.coord.Expire(now, a.cfg.MutationTimeout) {
		a.log.Warn("Mutation timed out", "correlation", rec.Outcome.CorrelationID, "kind", rec.Outcome.Kind)
		a.reconciled(ctx, rec)
	}
}

func (a *ThreadActor) promoted(ids []string) {
	if len(ids) == 0 {
		return
	}
	a.log.Info("Promoted orphaned replies", "count", len(ids))
	a.metrics.RecordOrphansPromoted(len(ids))
	a.emit(models.ThreadEvent{Kind: models.EventOrphansPromoted})
}

func (a *ThreadActor) emit(ev models.ThreadEvent) {
	ev.ThreadID = a.cfg.ThreadID
	for _, l := range a.listeners {
		l(ev)
	}
}

// reply answers deferred requests whose senders were captured earlier.
func (a *ThreadActor) reply(ctx actor.Context, to []*actor.PID, msg any) {
	for _, pid := range to {
		if pid != nil {
			ctx.Send(pid, msg)
		}
	}
}
