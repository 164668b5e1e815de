// Package engine is the public face of the thread engine. Each Engine works
// on behalf of one viewer and owns one thread actor per thread it has
// touched.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/asynkron/protoactor-go/actor"

	"gator-threads/internal/config"
	"gator-threads/internal/database"
	"gator-threads/internal/engine/actors"
	"gator-threads/internal/logging"
	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

// Listener receives thread events. See actors.Listener for the rules.
type Listener = actors.Listener

// Options holds the collaborators shared by every engine.
type Options struct {
	Config   *config.EngineConfig
	Backend  database.Backend
	Uploader database.AttachmentUploader // May be nil when attachments are not supported
	Metrics  *utils.MetricsCollector
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine coordinates one viewer's thread actors
type Engine struct {
	system   *actor.ActorSystem
	viewerID string
	opts     Options
	log      *slog.Logger

	mu      sync.Mutex
	threads map[string]*actor.PID
}

func NewEngine(system *actor.ActorSystem, viewerID string, opts Options) *Engine {
	if opts.Config == nil {
		opts.Config = config.DefaultEngineConfig()
	}
	if opts.Metrics == nil {
		opts.Metrics = utils.NewMetricsCollector()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Engine{
		system:   system,
		viewerID: viewerID,
		opts:     opts,
		log:      opts.Logger.With("viewer", viewerID),
		threads:  make(map[string]*actor.PID),
	}
}

func (e *Engine) ViewerID() string { return e.viewerID }

// thread returns the actor for threadID, spawning it on first use.
func (e *Engine) thread(threadID string) (*actor.PID, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, utils.NewValidationError("thread id is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if pid, ok := e.threads[threadID]; ok {
		return pid, nil
	}

	cfg := e.opts.Config
	threadCfg := actors.ThreadConfig{
		ThreadID:        threadID,
		ViewerID:        e.viewerID,
		MaxDepth:        cfg.MaxDepth,
		PageSize:        cfg.PageSize,
		OrphanGrace:     cfg.OrphanGrace,
		SweepInterval:   cfg.SweepInterval,
		MutationTimeout: cfg.MutationTimeout,
		Now:             e.opts.Now,
	}
	props := actor.PropsFromProducer(func() actor.Actor {
		return actors.NewThreadActor(threadCfg, e.opts.Backend, e.opts.Metrics, e.opts.Logger)
	})
	pid := e.system.Root.Spawn(props)
	e.threads[threadID] = pid
	e.log.Debug("Spawned thread actor", "thread", threadID, "pid", pid.String())
	return pid, nil
}

// ask sends msg to the thread actor and unpacks the answer. Errors the
// actor responds with are returned as they are; a missing answer becomes
// ACTOR_TIMEOUT.
func (e *Engine) ask(ctx context.Context, threadID string, msg any, fallback time.Duration) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, utils.AsAppError(err)
	}
	pid, err := e.thread(threadID)
	if err != nil {
		return nil, err
	}

	result, err := e.system.Root.RequestFuture(pid, msg, askTimeout(ctx, fallback)).Result()
	if err != nil {
		e.opts.Metrics.IncrementErrors()
		e.log.Warn("Thread actor did not answer", "thread", threadID, "message", msg, "error", err)
		return nil, utils.NewActorTimeoutError("thread " + threadID)
	}
	if err, ok := result.(error); ok {
		return nil, err
	}
	return result, nil
}

// askTimeout bounds a request by the context deadline when there is one.
func askTimeout(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return max(time.Until(deadline), time.Millisecond)
	}
	return fallback
}

func (e *Engine) track(operation string) func() {
	startTime := time.Now()
	e.opts.Metrics.IncrementRequests()
	return func() {
		e.opts.Metrics.AddOperationLatency(operation, time.Since(startTime))
	}
}

// Forest returns the thread as currently loaded, with pending mutations
// applied.
func (e *Engine) Forest(ctx context.Context, threadID string) (*models.Forest, error) {
	defer e.track("forest")()
	return e.forest(ctx, threadID, &actors.GetForestMsg{})
}

// LoadNextPage fetches the next page and returns the forest once it has
// been merged. It returns at once when nothing is left to load.
func (e *Engine) LoadNextPage(ctx context.Context, threadID string) (*models.Forest, error) {
	defer e.track("load_page")()
	return e.forest(ctx, threadID, &actors.LoadPageMsg{})
}

// Refresh restarts paging from the first page.
func (e *Engine) Refresh(ctx context.Context, threadID string) (*models.Forest, error) {
	defer e.track("refresh")()
	return e.forest(ctx, threadID, &actors.RefreshMsg{})
}

func (e *Engine) forest(ctx context.Context, threadID string, msg any) (*models.Forest, error) {
	result, err := e.ask(ctx, threadID, msg, e.opts.Config.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return result.(*models.Forest), nil
}

// Pending lists the mutations of threadID that have not settled yet.
func (e *Engine) Pending(ctx context.Context, threadID string) ([]models.PendingMutation, error) {
	result, err := e.ask(ctx, threadID, &actors.GetPendingMsg{}, e.opts.Config.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return result.([]models.PendingMutation), nil
}

// Create posts a new root node.
func (e *Engine) Create(ctx context.Context, cmd models.CreateCommand) (*models.PendingMutation, error) {
	defer e.track("create")()
	if err := e.requireViewer("post"); err != nil {
		return nil, err
	}
	if err := hasContent(cmd.Content, cmd.Attachments, cmd.Uploads); err != nil {
		return nil, err
	}
	attachments, err := e.upload(ctx, cmd.Attachments, cmd.Uploads)
	if err != nil {
		return nil, err
	}
	cmd.Attachments, cmd.Uploads = attachments, nil
	return e.command(ctx, cmd.ThreadID, cmd)
}

// Reply posts a reply. The depth and target checks run before any upload,
// so a rejected reply never reaches the network.
func (e *Engine) Reply(ctx context.Context, cmd models.ReplyCommand) (*models.PendingMutation, error) {
	defer e.track("reply")()
	if err := e.requireViewer("reply"); err != nil {
		return nil, err
	}
	if err := hasContent(cmd.Content, cmd.Attachments, cmd.Uploads); err != nil {
		return nil, err
	}
	if _, err := e.ask(ctx, cmd.ThreadID, &actors.ValidateReplyMsg{ParentID: cmd.ParentID}, e.opts.Config.RequestTimeout); err != nil {
		return nil, err
	}
	attachments, err := e.upload(ctx, cmd.Attachments, cmd.Uploads)
	if err != nil {
		return nil, err
	}
	cmd.Attachments, cmd.Uploads = attachments, nil
	return e.command(ctx, cmd.ThreadID, cmd)
}

func (e *Engine) ToggleLike(ctx context.Context, cmd models.LikeCommand) (*models.PendingMutation, error) {
	defer e.track("like")()
	return e.command(ctx, cmd.ThreadID, cmd)
}

// Vote selects OptionID; voting for the current selection retracts it.
func (e *Engine) Vote(ctx context.Context, cmd models.VoteCommand) (*models.PendingMutation, error) {
	defer e.track("vote")()
	return e.command(ctx, cmd.ThreadID, cmd)
}

func (e *Engine) Edit(ctx context.Context, cmd models.EditCommand) (*models.PendingMutation, error) {
	defer e.track("edit")()
	if err := e.requireViewer("edit"); err != nil {
		return nil, err
	}
	if err := hasContent(cmd.Content, cmd.Attachments, cmd.Uploads); err != nil {
		return nil, err
	}
	attachments, err := e.upload(ctx, cmd.Attachments, cmd.Uploads)
	if err != nil {
		return nil, err
	}
	cmd.Attachments, cmd.Uploads = attachments, nil
	return e.command(ctx, cmd.ThreadID, cmd)
}

func (e *Engine) SoftDelete(ctx context.Context, cmd models.DeleteCommand) (*models.PendingMutation, error) {
	defer e.track("delete")()
	return e.command(ctx, cmd.ThreadID, cmd)
}

func (e *Engine) command(ctx context.Context, threadID string, cmd any) (*models.PendingMutation, error) {
	result, err := e.ask(ctx, threadID, &actors.CommandMsg{Command: cmd}, e.opts.Config.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return result.(*models.PendingMutation), nil
}

func (e *Engine) requireViewer(action string) error {
	if e.viewerID == "" {
		return utils.NewAuthRequiredError(action)
	}
	return nil
}

func hasContent(content string, attachments []string, uploads []models.Upload) error {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 && len(uploads) == 0 {
		return utils.NewValidationError("content or an attachment is required")
	}
	return nil
}

// upload stores the command's files and returns the full attachment list.
func (e *Engine) upload(ctx context.Context, attachments []string, uploads []models.Upload) ([]string, error) {
	if len(uploads) == 0 {
		return attachments, nil
	}
	if e.opts.Uploader == nil {
		return nil, utils.NewValidationError("attachments are not supported")
	}
	refs, err := e.opts.Uploader.UploadAttachments(ctx, uploads)
	if err != nil {
		e.log.Warn("Attachment upload failed", "files", len(uploads), "error", err)
		return nil, utils.AsAppError(err)
	}
	return append(append([]string(nil), attachments...), refs...), nil
}

// Subscribe registers l for every change to threadID. The returned function
// removes it again.
func (e *Engine) Subscribe(threadID string, l Listener) func() {
	result, err := e.ask(context.Background(), threadID, &actors.SubscribeMsg{Listener: l}, e.opts.Config.RequestTimeout)
	if err != nil {
		e.log.Error("Failed to subscribe", "thread", threadID, "error", err)
		return func() {}
	}
	id := result.(int)
	pid, _ := e.thread(threadID)
	var once sync.Once
	return func() {
		once.Do(func() {
			e.system.Root.Send(pid, &actors.UnsubscribeMsg{ID: id})
		})
	}
}

// Await blocks until the mutation is confirmed or rolled back. Without a
// deadline on ctx it waits for as long as the engine keeps mutations
// pending.
func (e *Engine) Await(ctx context.Context, threadID, correlationID string) (*models.Outcome, error) {
	cfg := e.opts.Config
	fallback := cfg.MutationTimeout + cfg.SweepInterval + cfg.RequestTimeout
	msg := &actors.AwaitMsg{CorrelationID: correlationID, Timeout: askTimeout(ctx, fallback)}
	result, err := e.ask(ctx, threadID, msg, fallback)
	if err != nil {
		return nil, err
	}
	return result.(*models.Outcome), nil
}

// Close stops every thread actor of this engine.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for threadID, pid := range e.threads {
		e.system.Root.Stop(pid)
		delete(e.threads, threadID)
	}
}

// Registry hands out one Engine per viewer on a shared actor system.
type Registry struct {
	system *actor.ActorSystem
	opts   Options

	mu      sync.Mutex
	engines map[string]*Engine
}

func NewRegistry(system *actor.ActorSystem, opts Options) *Registry {
	if opts.Metrics == nil {
		opts.Metrics = utils.NewMetricsCollector()
	}
	return &Registry{system: system, opts: opts, engines: make(map[string]*Engine)}
}

// For returns the engine of viewerID. The empty viewer is anonymous: it can
// read threads but every mutation fails with AUTH_REQUIRED.
func (r *Registry) For(viewerID string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[viewerID]; ok {
		return e
	}
	e := NewEngine(r.system, viewerID, r.opts)
	r.engines[viewerID] = e
	return e
}

func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for viewerID, e := range r.engines {
		e.Close()
		delete(r.engines, viewerID)
	}
}
