// Package coordinator owns every repository and drives it through its
// lifecycle. All state lives in a single goroutine that applies typed
// commands; runtime calls run on worker goroutines and report back as
// commands keyed by repository id.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/deconst/client/internal/docker"
	"github.com/deconst/client/internal/eventbus"
	"github.com/deconst/client/internal/launcher"
	"github.com/deconst/client/internal/model"
	"github.com/deconst/client/internal/repository"
	"github.com/deconst/client/internal/snapshot"
	"github.com/deconst/client/internal/watcher"
)

var (
	ErrNotFound       = errors.New("repository not found")
	ErrCannotSubmit   = errors.New("repository cannot be prepared right now")
	ErrInvalidRequest = errors.New("invalid request")
	ErrClosed         = errors.New("coordinator is not running")
)

// Runtime is the container runtime the coordinator drives.
type Runtime interface {
	launcher.Runtime
	CleanContainers(ctx context.Context, ids []string) error
	RemoveNetwork(ctx context.Context, name string) error
	Events(ctx context.Context, since time.Time) (<-chan docker.Completion, <-chan error)
}

// Launcher starts pods and preparers.
type Launcher interface {
	LaunchPod(ctx context.Context, t launcher.Target) (content, presenter *repository.Container, err error)
	LaunchPreparer(ctx context.Context, role repository.Role, t launcher.Target) (*repository.Container, error)
}

// Resolver derives routing metadata from a repository's directories.
type Resolver interface {
	Resolve(contentPath, controlPath, template string) repository.Routing
}

// History records preparer runs.
type History interface {
	Started(repositoryID int, kind, containerID string)
	Finished(containerID, status string, exitCode int, detail string)
	Forget(repositoryID int)
}

// Snapshots persists the declared repositories.
type Snapshots interface {
	Save(entries []snapshot.Entry)
}

// WatchFunc starts watching root.
type WatchFunc func(root string, onChange func(path string)) (repository.Closer, error)

// Options wires a Coordinator to its collaborators. Runtime, Launcher and
// Resolver are required.
type Options struct {
	Runtime   Runtime
	Launcher  Launcher
	Resolver  Resolver
	History   History
	Snapshots Snapshots
	Bus       *eventbus.Bus
	Watch     WatchFunc

	PreviewHost    string
	RuntimeTimeout time.Duration
	CleanupTimeout time.Duration
	Logger         *slog.Logger
}

// Coordinator is the single owner of the repository set.
type Coordinator struct {
	rt          Runtime
	launcher    Launcher
	resolver    Resolver
	history     History
	snapshots   Snapshots
	bus         *eventbus.Bus
	watch       WatchFunc
	previewHost string

	runtimeTimeout time.Duration
	cleanupTimeout time.Duration
	logger         *slog.Logger

	cmds    chan command
	done    chan struct{} // closed when the loop stops accepting commands
	stopped chan struct{} // closed when Run returns

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	// Owned by the Run goroutine.
	ctx       context.Context
	ids       repository.IDSource
	set       *repository.Set
	epochs    map[int]int
	work      map[int]*repoWork
	preparing map[prepKey]bool // launch in flight; true when a rerun is due
	unclaimed map[string]stashed
	workers   sync.WaitGroup
}

// repoWork scopes the runtime calls made for one epoch of a repository.
type repoWork struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type prepKey struct {
	id   int
	role repository.Role
}

// New creates a Coordinator. Call Run to start it.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		rt:             opts.Runtime,
		launcher:       opts.Launcher,
		resolver:       opts.Resolver,
		history:        opts.History,
		snapshots:      opts.Snapshots,
		bus:            opts.Bus,
		watch:          opts.Watch,
		previewHost:    opts.PreviewHost,
		runtimeTimeout: opts.RuntimeTimeout,
		cleanupTimeout: opts.CleanupTimeout,
		logger:         logger.With("module", "coordinator"),
		cmds:           make(chan command, 64),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		set:            repository.NewSet(),
		epochs:         make(map[int]int),
		work:           make(map[int]*repoWork),
		preparing:      make(map[prepKey]bool),
		unclaimed:      make(map[string]stashed),
	}
	if c.history == nil {
		c.history = noHistory{}
	}
	if c.snapshots == nil {
		c.snapshots = noSnapshots{}
	}
	if c.bus == nil {
		c.bus = eventbus.New(logger)
	}
	if c.watch == nil {
		c.watch = func(root string, onChange func(string)) (repository.Closer, error) {
			return watcher.Watch(root, onChange, watcher.WithLogger(logger))
		}
	}
	if c.previewHost == "" {
		c.previewHost = "localhost"
	}
	return c
}

// Run applies commands until ctx is cancelled or Close is called. On return
// every watcher is closed and all workers have finished.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("coordinator already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()
	defer close(c.stopped)
	defer cancel()

	c.ctx = ctx
	c.workers.Add(1)
	go c.consumeEvents(ctx)

	c.logger.Info("coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case cmd := <-c.cmds:
			cmd.apply(c)
		}
	}
}

// Close stops Run and waits for it to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-c.stopped
}

func (c *Coordinator) shutdown() {
	close(c.done)
	for _, repo := range c.set.All() {
		if err := repo.CloseWatchers(); err != nil {
			c.logger.Warn("failed to close watchers", "repository", repo.ID(), "err", err)
		}
	}
	c.workers.Wait()
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) consumeEvents(ctx context.Context) {
	defer c.workers.Done()
	var since time.Time
	for {
		completions, errs := c.rt.Events(ctx, since)
		c.forward(ctx, completions, errs)
		// Exits during the gap are replayed by the next subscription.
		since = time.Now()
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
			c.logger.Info("resubscribing to container events")
		}
	}
}

func (c *Coordinator) forward(ctx context.Context, completions <-chan docker.Completion, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case comp, ok := <-completions:
			if !ok {
				return
			}
			c.post(containerCompleted{comp: comp})
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.logger.Warn("container event stream failed", "err", err)
			return
		}
	}
}

// post delivers a command from a worker. It gives up once the loop stops.
func (c *Coordinator) post(cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

func (c *Coordinator) request(cmd command, replies chan reply) reply {
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return reply{err: ErrClosed}
	}
	select {
	case r := <-replies:
		return r
	case <-c.done:
		select {
		case r := <-replies:
			return r
		default:
			return reply{err: ErrClosed}
		}
	}
}

// goWork runs fn on a worker goroutine. Only the Run goroutine calls it.
func (c *Coordinator) goWork(fn func(ctx context.Context)) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		fn(c.ctx)
	}()
}

// goRepoWork runs fn on a worker goroutine inside the repository's current
// work scope.
func (c *Coordinator) goRepoWork(id int, fn func(ctx context.Context)) {
	w := c.work[id]
	if w == nil {
		ctx, cancel := context.WithCancel(c.ctx)
		w = &repoWork{ctx: ctx, cancel: cancel}
		c.work[id] = w
	}
	w.wg.Add(1)
	c.goWork(func(context.Context) {
		defer w.wg.Done()
		fn(w.ctx)
	})
}

// retire cancels the repository's in-flight runtime calls and returns their
// scope so a caller can wait for them. It returns nil when nothing ran.
func (c *Coordinator) retire(id int) *repoWork {
	for key := range c.preparing {
		if key.id == id {
			delete(c.preparing, key)
		}
	}
	w := c.work[id]
	if w == nil {
		return nil
	}
	delete(c.work, id)
	w.cancel()
	return w
}

// ============ Public API ============

// Launch declares a new repository and starts its pod.
func (c *Coordinator) Launch(req model.RepositoryCreateRequest) (View, error) {
	if err := normalizeCreate(&req); err != nil {
		return View{}, err
	}
	replies := make(chan reply, 1)
	r := c.request(launchCmd{req: req, reply: replies}, replies)
	return r.view, r.err
}

// Edit changes a repository. Changing a path, the preparer or the template
// relaunches it.
func (c *Coordinator) Edit(id int, req model.RepositoryUpdateRequest) (View, error) {
	if err := normalizeUpdate(&req); err != nil {
		return View{}, err
	}
	replies := make(chan reply, 1)
	r := c.request(editCmd{id: id, req: req, reply: replies}, replies)
	return r.view, r.err
}

// Retry relaunches a repository from scratch and clears its error.
func (c *Coordinator) Retry(id int) (View, error) {
	replies := make(chan reply, 1)
	r := c.request(retryCmd{id: id, reply: replies}, replies)
	return r.view, r.err
}

// Submit re-runs the preparer of kind "content" or "control", or both when
// kind is empty.
func (c *Coordinator) Submit(id int, kind string) (View, error) {
	var roles []repository.Role
	switch kind {
	case "":
		roles = []repository.Role{repository.RoleContentPreparer, repository.RoleControlPreparer}
	case "content":
		roles = []repository.Role{repository.RoleContentPreparer}
	case "control":
		roles = []repository.Role{repository.RoleControlPreparer}
	default:
		return View{}, fmt.Errorf("%w: unknown preparation kind %q", ErrInvalidRequest, kind)
	}
	replies := make(chan reply, 1)
	r := c.request(submitCmd{id: id, roles: roles, reply: replies}, replies)
	return r.view, r.err
}

// Remove tears a repository down and forgets it. The repository is dropped
// even when the runtime fails to remove its containers.
func (c *Coordinator) Remove(id int) error {
	replies := make(chan reply, 1)
	return c.request(removeCmd{id: id, reply: replies}, replies).err
}

// Get returns one repository.
func (c *Coordinator) Get(id int) (View, error) {
	replies := make(chan reply, 1)
	r := c.request(getCmd{id: id, reply: replies}, replies)
	return r.view, r.err
}

// List returns every repository in ascending id order.
func (c *Coordinator) List() ([]View, error) {
	replies := make(chan reply, 1)
	r := c.request(listCmd{reply: replies}, replies)
	return r.views, r.err
}

// Entries returns the persistable form of every repository.
func (c *Coordinator) Entries() []snapshot.Entry {
	replies := make(chan reply, 1)
	return c.request(entriesCmd{reply: replies}, replies).entries
}

// Restore launches every snapshot entry in ascending id order. Ids are
// reassigned; entries that fail validation are skipped.
func (c *Coordinator) Restore(entries []snapshot.Entry) int {
	restored := 0
	for _, e := range entries {
		req := model.RepositoryCreateRequest{
			ContentPath: e.ContentRepositoryPath,
			ControlPath: e.ControlRepositoryLocation,
			Preparer:    e.Preparer,
			Template:    e.Template,
		}
		if e.DisplayName != nil {
			req.DisplayName = *e.DisplayName
		}
		if _, err := c.Launch(req); err != nil {
			c.logger.Warn("skipping saved repository", "id", e.ID, "content", e.ContentRepositoryPath, "err", err)
			continue
		}
		restored++
	}
	return restored
}

// Bus returns the event bus repository events are published on.
func (c *Coordinator) Bus() *eventbus.Bus {
	return c.bus
}

// Ping checks that the runtime is reachable, when it supports it.
func (c *Coordinator) Ping(ctx context.Context) error {
	if p, ok := c.rt.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func normalizeCreate(req *model.RepositoryCreateRequest) error {
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	var err error
	if req.ContentPath, err = normalizePath("content path", req.ContentPath); err != nil {
		return err
	}
	if req.ControlPath, err = normalizePath("control path", req.ControlPath); err != nil {
		return err
	}
	req.Preparer = strings.TrimSpace(req.Preparer)
	if !launcher.ValidKind(req.Preparer) {
		return fmt.Errorf("%w %q", launcher.ErrUnknownPreparer, req.Preparer)
	}
	req.Template = strings.TrimSpace(req.Template)
	return nil
}

func normalizeUpdate(req *model.RepositoryUpdateRequest) error {
	if req.ContentPath != nil {
		p, err := normalizePath("content path", *req.ContentPath)
		if err != nil {
			return err
		}
		req.ContentPath = &p
	}
	if req.ControlPath != nil {
		p, err := normalizePath("control path", *req.ControlPath)
		if err != nil {
			return err
		}
		req.ControlPath = &p
	}
	if req.Preparer != nil {
		kind := strings.TrimSpace(*req.Preparer)
		if !launcher.ValidKind(kind) {
			return fmt.Errorf("%w %q", launcher.ErrUnknownPreparer, kind)
		}
		req.Preparer = &kind
	}
	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		req.DisplayName = &name
	}
	if req.Template != nil {
		tpl := strings.TrimSpace(*req.Template)
		req.Template = &tpl
	}
	return nil
}

func normalizePath(field, p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidRequest, field)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidRequest, field, err)
	}
	return abs, nil
}

type noHistory struct{}

func (noHistory) Started(int, string, string)          {}
func (noHistory) Finished(string, string, int, string) {}
func (noHistory) Forget(int)                           {}

type noSnapshots struct{}

func (noSnapshots) Save([]snapshot.Entry) {}
