package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/deconst/client/internal/docker"
	"github.com/deconst/client/internal/eventbus"
	"github.com/deconst/client/internal/launcher"
	"github.com/deconst/client/internal/model"
	"github.com/deconst/client/internal/repository"
	"github.com/deconst/client/internal/snapshot"
)

// unclaimedTTL bounds how long an exit for an unknown container is kept in
// case the container's launch result has not been applied yet.
const unclaimedTTL = 10 * time.Minute

type command interface {
	apply(c *Coordinator)
}

type reply struct {
	view    View
	views   []View
	entries []snapshot.Entry
	err     error
}

type stashed struct {
	comp docker.Completion
	at   time.Time
}

// ============ User commands ============

type launchCmd struct {
	req   model.RepositoryCreateRequest
	reply chan<- reply
}

func (cmd launchCmd) apply(c *Coordinator) {
	req := cmd.req
	repo := repository.New(c.ids.Next(), req.DisplayName, req.ContentPath, req.ControlPath, req.Preparer)
	repo.Template = req.Template
	repo.Routing = c.resolver.Resolve(repo.ContentPath, repo.ControlPath, repo.Template)
	c.set.Put(repo)

	repo.ContentWatcher = c.startWatcher(repo, repository.RoleContentPreparer)
	repo.ControlWatcher = c.startWatcher(repo, repository.RoleControlPreparer)

	c.logger.Info("repository declared",
		"repository", repo.ID(),
		"name", repo.Name(),
		"site", repo.Routing.Site,
		"prefix", repo.Routing.Prefix,
		"mapped", repo.Routing.IsMapped,
	)
	c.launchPod(repo)
	c.persist()
	cmd.reply <- reply{view: c.view(repo)}
}

type editCmd struct {
	id    int
	req   model.RepositoryUpdateRequest
	reply chan<- reply
}

func (cmd editCmd) apply(c *Coordinator) {
	repo, ok := c.set.Get(cmd.id)
	if !ok {
		cmd.reply <- reply{err: ErrNotFound}
		return
	}
	req := cmd.req

	if req.DisplayName != nil {
		repo.DisplayName = *req.DisplayName
	}
	contentMoved := req.ContentPath != nil && *req.ContentPath != repo.ContentPath
	controlMoved := req.ControlPath != nil && *req.ControlPath != repo.ControlPath
	preparerChanged := req.Preparer != nil && *req.Preparer != repo.Preparer
	templateChanged := req.Template != nil && *req.Template != repo.Template

	if contentMoved {
		repo.ContentPath = *req.ContentPath
		c.replaceWatcher(repo, repository.RoleContentPreparer)
	}
	if controlMoved {
		repo.ControlPath = *req.ControlPath
		c.replaceWatcher(repo, repository.RoleControlPreparer)
	}
	if preparerChanged {
		repo.Preparer = *req.Preparer
	}
	if templateChanged {
		repo.Template = *req.Template
	}

	if contentMoved || controlMoved || preparerChanged || templateChanged {
		repo.Routing = c.resolver.Resolve(repo.ContentPath, repo.ControlPath, repo.Template)
		c.relaunch(repo)
	}
	c.persist()
	cmd.reply <- reply{view: c.view(repo)}
}

type retryCmd struct {
	id    int
	reply chan<- reply
}

func (cmd retryCmd) apply(c *Coordinator) {
	repo, ok := c.set.Get(cmd.id)
	if !ok {
		cmd.reply <- reply{err: ErrNotFound}
		return
	}
	c.relaunch(repo)
	cmd.reply <- reply{view: c.view(repo)}
}

type submitCmd struct {
	id    int
	roles []repository.Role
	reply chan<- reply
}

func (cmd submitCmd) apply(c *Coordinator) {
	repo, ok := c.set.Get(cmd.id)
	if !ok {
		cmd.reply <- reply{err: ErrNotFound}
		return
	}
	if !repo.CanSubmit() {
		cmd.reply <- reply{err: fmt.Errorf("%w (state %s)", ErrCannotSubmit, repo.State)}
		return
	}
	for _, role := range cmd.roles {
		c.requestPreparer(repo, role)
	}
	cmd.reply <- reply{view: c.view(repo)}
}

type removeCmd struct {
	id    int
	reply chan<- reply
}

func (cmd removeCmd) apply(c *Coordinator) {
	repo, ok := c.set.Get(cmd.id)
	if !ok {
		cmd.reply <- reply{err: ErrNotFound}
		return
	}
	id := repo.ID()
	ids := repo.ContainerIDs()

	if err := repo.CloseWatchers(); err != nil {
		c.logger.Warn("failed to close watchers", "repository", id, "err", err)
	}
	c.set.Delete(id)
	delete(c.epochs, id)
	c.retire(id)
	c.persist()
	c.history.Forget(id)
	c.publish(eventbus.RepositoryRemoved, repo, nil)
	c.logger.Info("repository removed", "repository", id, "name", repo.Name())

	c.cleanup(id, ids, true)
	cmd.reply <- reply{}
}

type getCmd struct {
	id    int
	reply chan<- reply
}

func (cmd getCmd) apply(c *Coordinator) {
	repo, ok := c.set.Get(cmd.id)
	if !ok {
		cmd.reply <- reply{err: ErrNotFound}
		return
	}
	cmd.reply <- reply{view: c.view(repo)}
}

type listCmd struct {
	reply chan<- reply
}

func (cmd listCmd) apply(c *Coordinator) {
	repos := c.set.All()
	views := make([]View, 0, len(repos))
	for _, repo := range repos {
		views = append(views, c.view(repo))
	}
	cmd.reply <- reply{views: views}
}

type entriesCmd struct {
	reply chan<- reply
}

func (cmd entriesCmd) apply(c *Coordinator) {
	cmd.reply <- reply{entries: c.entries()}
}

// ============ Runtime results ============

type podLaunched struct {
	id                 int
	epoch              int
	content, presenter *repository.Container
	err                error
}

func (cmd podLaunched) apply(c *Coordinator) {
	repo, current := c.current(cmd.id, cmd.epoch)
	if !current {
		c.discard(cmd.id, repo == nil, cmd.content, cmd.presenter)
		return
	}
	if cmd.err != nil {
		// Keep whatever did start so a retry or removal tears it down.
		repo.ContentContainer = cmd.content
		repo.PresenterContainer = cmd.presenter
		c.fail(repo, fmt.Sprintf("failed to launch the preview: %v", cmd.err))
		return
	}

	repo.AttachPod(cmd.content, cmd.presenter)
	c.publish(eventbus.RepositoryLaunched, repo, map[string]interface{}{
		"public_url":  repo.PublicURL(c.previewHost),
		"content_url": repo.ContentURL(c.previewHost),
	})
	c.claim(cmd.content.ID, cmd.presenter.ID)
	if repo.State == repository.StateError {
		return
	}

	c.requestPreparer(repo, repository.RoleContentPreparer)
	c.requestPreparer(repo, repository.RoleControlPreparer)
}

type preparerLaunched struct {
	id    int
	epoch int
	role  repository.Role
	ctr   *repository.Container
	err   error
}

func (cmd preparerLaunched) apply(c *Coordinator) {
	repo, current := c.current(cmd.id, cmd.epoch)
	if !current {
		c.discard(cmd.id, false, cmd.ctr)
		return
	}
	key := prepKey{id: cmd.id, role: cmd.role}
	again := c.preparing[key]
	delete(c.preparing, key)
	if again {
		// A newer request arrived while this launch was in flight.
		c.logger.Debug("preparer launch superseded", "repository", cmd.id, "kind", cmd.role.Label(), "err", cmd.err)
		c.discard(cmd.id, false, cmd.ctr)
		if repo.State != repository.StateError {
			c.requestPreparer(repo, cmd.role)
		}
		return
	}
	if cmd.err != nil {
		c.fail(repo, cmd.err.Error())
		return
	}
	if repo.State == repository.StateError {
		c.discard(cmd.id, false, cmd.ctr)
		return
	}

	repo.AttachPreparer(cmd.role, cmd.ctr)
	c.history.Started(repo.ID(), cmd.role.Label(), cmd.ctr.ID)
	c.publish(eventbus.PreparerLaunched, repo, map[string]interface{}{
		"kind":      cmd.role.Label(),
		"container": cmd.ctr.Name,
	})
	c.claim(cmd.ctr.ID)
}

type teardownDone struct {
	id    int
	epoch int
	err   error
}

func (cmd teardownDone) apply(c *Coordinator) {
	repo, current := c.current(cmd.id, cmd.epoch)
	if !current {
		return
	}
	if cmd.err != nil {
		msg := fmt.Sprintf("failed to remove the previous containers: %v", cmd.err)
		c.logger.Warn("relaunching despite teardown failure", "repository", cmd.id, "err", cmd.err)
		c.publish(eventbus.RepositoryError, repo, map[string]interface{}{"error": msg})
	}
	c.launchPod(repo)
}

type containerCompleted struct {
	comp docker.Completion
}

func (cmd containerCompleted) apply(c *Coordinator) {
	c.complete(cmd.comp)
}

type fileChanged struct {
	id   int
	role repository.Role
	path string
}

func (cmd fileChanged) apply(c *Coordinator) {
	repo, ok := c.set.Get(cmd.id)
	if !ok {
		return
	}
	if !repo.CanSubmit() {
		c.logger.Debug("ignoring change", "repository", cmd.id, "state", repo.State, "path", cmd.path)
		return
	}
	c.logger.Debug("change detected", "repository", cmd.id, "kind", cmd.role.Label(), "path", cmd.path)
	c.requestPreparer(repo, cmd.role)
}

// ============ Helpers run on the loop goroutine ============

// current returns the repository if it exists and no relaunch or removal has
// happened since epoch was issued.
func (c *Coordinator) current(id, epoch int) (*repository.Repository, bool) {
	repo, ok := c.set.Get(id)
	if !ok {
		return nil, false
	}
	return repo, c.epochs[id] == epoch
}

func (c *Coordinator) launchPod(repo *repository.Repository) {
	id := repo.ID()
	c.epochs[id]++
	epoch := c.epochs[id]
	target := launcher.TargetOf(repo)

	c.goRepoWork(id, func(ctx context.Context) {
		ctx, cancel := docker.WithTimeout(ctx, c.runtimeTimeout)
		defer cancel()
		content, presenter, err := c.launcher.LaunchPod(ctx, target)
		c.post(podLaunched{id: id, epoch: epoch, content: content, presenter: presenter, err: err})
	})
}

// requestPreparer starts a preparer. A preparer of the same role that is
// still running is replaced by the runtime and exits with 137. At most one
// launch per role is in flight; requests made meanwhile collapse into a
// single relaunch once it reports back.
func (c *Coordinator) requestPreparer(repo *repository.Repository, role repository.Role) {
	if repo.State == repository.StateReady && !repo.IsPreparing() {
		repo.State = repository.StatePreprepare
	}
	id := repo.ID()
	key := prepKey{id: id, role: role}
	if _, inFlight := c.preparing[key]; inFlight {
		c.preparing[key] = true
		return
	}
	c.preparing[key] = false
	epoch := c.epochs[id]
	target := launcher.TargetOf(repo)

	c.goRepoWork(id, func(ctx context.Context) {
		ctx, cancel := docker.WithTimeout(ctx, c.runtimeTimeout)
		defer cancel()
		ctr, err := c.launcher.LaunchPreparer(ctx, role, target)
		c.post(preparerLaunched{id: id, epoch: epoch, role: role, ctr: ctr, err: err})
	})
}

func (c *Coordinator) relaunch(repo *repository.Repository) {
	id := repo.ID()
	ids := repo.ContainerIDs()
	repo.ResetForRelaunch()
	repo.DetachContainers()
	c.epochs[id]++
	epoch := c.epochs[id]
	old := c.retire(id)
	c.logger.Info("relaunching repository", "repository", id, "containers", len(ids))

	c.goWork(func(ctx context.Context) {
		// Launches of the previous epoch must stop touching the runtime
		// before the new pod claims the same container names.
		if old != nil {
			old.wg.Wait()
		}
		var err error
		if len(ids) > 0 {
			ctx, cancel := docker.WithTimeout(ctx, c.cleanupTimeout)
			err = c.rt.CleanContainers(ctx, ids)
			cancel()
		}
		c.post(teardownDone{id: id, epoch: epoch, err: err})
	})
}

// cleanup removes containers that no repository references any more.
func (c *Coordinator) cleanup(id int, ids []string, removeNetwork bool) {
	if len(ids) == 0 && !removeNetwork {
		return
	}
	c.goWork(func(ctx context.Context) {
		ctx, cancel := docker.WithTimeout(ctx, c.cleanupTimeout)
		defer cancel()

		var err error
		if len(ids) > 0 {
			err = c.rt.CleanContainers(ctx, ids)
		}
		if removeNetwork {
			if nerr := c.rt.RemoveNetwork(ctx, launcher.NetworkName(id)); nerr != nil && err == nil {
				err = nerr
			}
		}
		if err != nil {
			c.logger.Error("runtime cleanup failed", "repository", id, "err", err)
			c.bus.Publish(eventbus.Event{
				Type:         eventbus.RepositoryError,
				RepositoryID: id,
				Payload:      map[string]interface{}{"error": fmt.Sprintf("failed to remove containers: %v", err)},
			})
		}
	})
}

// discard cleans up containers started for a superseded launch.
func (c *Coordinator) discard(id int, removed bool, ctrs ...*repository.Container) {
	var ids []string
	for _, ctr := range ctrs {
		if ctr != nil {
			ids = append(ids, ctr.ID)
		}
	}
	c.logger.Debug("discarding stale launch result", "repository", id, "containers", len(ids))
	c.cleanup(id, ids, removed)
}

func (c *Coordinator) complete(comp docker.Completion) {
	repo, role := c.set.Owner(comp.ContainerID)
	if repo == nil {
		c.stash(comp)
		return
	}
	switch role {
	case repository.RoleContentPreparer, repository.RoleControlPreparer:
		c.preparerDone(repo, role, comp)
	default:
		if repo.ReportContainerDied(comp.ContainerID, comp.ExitCode) != repository.RoleNone && repo.State == repository.StateError {
			c.announce(repo)
		}
	}
}

func (c *Coordinator) preparerDone(repo *repository.Repository, role repository.Role, comp docker.Completion) {
	kind := role.Label()
	failed := repo.State == repository.StateError
	hadPrepared := repo.HasPrepared
	result := repo.ReportPreparerComplete(comp.ContainerID, comp.ExitCode)
	if failed && result == repository.CompletionPrepared {
		// An error stays until the user retries, and so does the last
		// prepared output.
		repo.State = repository.StateError
		repo.HasPrepared = hadPrepared
		result = repository.CompletionSucceeded
	}
	switch result {
	case repository.CompletionCancelled:
		if comp.OOMKilled {
			msg := fmt.Sprintf("the %s preparer ran out of memory (status %d)", kind, comp.ExitCode)
			c.history.Finished(comp.ContainerID, model.RunFailed, comp.ExitCode, msg)
			c.fail(repo, msg)
			return
		}
		c.history.Finished(comp.ContainerID, model.RunCancelled, comp.ExitCode, "superseded by a newer run")
	case repository.CompletionSucceeded:
		c.history.Finished(comp.ContainerID, model.RunSucceeded, 0, "")
	case repository.CompletionPrepared:
		c.history.Finished(comp.ContainerID, model.RunSucceeded, 0, "")
		c.logger.Info("preparation completed", "repository", repo.ID(), "name", repo.Name())
		c.publish(eventbus.PreparationCompleted, repo, map[string]interface{}{
			"public_url": repo.PublicURL(c.previewHost),
		})
	case repository.CompletionFailed:
		c.history.Finished(comp.ContainerID, model.RunFailed, comp.ExitCode, repo.Error)
		c.announce(repo)
	}
}

// claim applies exits that arrived before their container was attached.
func (c *Coordinator) claim(ids ...string) {
	for _, id := range ids {
		if s, ok := c.unclaimed[id]; ok {
			delete(c.unclaimed, id)
			c.complete(s.comp)
		}
	}
}

func (c *Coordinator) stash(comp docker.Completion) {
	now := time.Now()
	for id, s := range c.unclaimed {
		if now.Sub(s.at) > unclaimedTTL {
			delete(c.unclaimed, id)
		}
	}
	c.unclaimed[comp.ContainerID] = stashed{comp: comp, at: now}
}

// fail is the single path for repository-scoped errors.
func (c *Coordinator) fail(repo *repository.Repository, message string) {
	repo.ReportError(message)
	c.announce(repo)
}

func (c *Coordinator) announce(repo *repository.Repository) {
	c.logger.Warn("repository error", "repository", repo.ID(), "name", repo.Name(), "error", repo.Error)
	c.publish(eventbus.RepositoryError, repo, map[string]interface{}{"error": repo.Error})
}

func (c *Coordinator) publish(eventType string, repo *repository.Repository, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["name"] = repo.Name()
	payload["state"] = string(repo.State)
	c.bus.Publish(eventbus.Event{Type: eventType, RepositoryID: repo.ID(), Payload: payload})
}

func (c *Coordinator) startWatcher(repo *repository.Repository, role repository.Role) repository.Closer {
	root := repo.ContentPath
	if role == repository.RoleControlPreparer {
		root = repo.ControlPath
	}
	id := repo.ID()
	handle, err := c.watch(root, func(path string) {
		c.post(fileChanged{id: id, role: role, path: path})
	})
	if err != nil {
		c.logger.Warn("could not watch directory", "repository", id, "path", root, "err", err)
	}
	return handle
}

func (c *Coordinator) replaceWatcher(repo *repository.Repository, role repository.Role) {
	old := &repo.ContentWatcher
	if role == repository.RoleControlPreparer {
		old = &repo.ControlWatcher
	}
	if *old != nil {
		if err := (*old).Close(); err != nil {
			c.logger.Warn("failed to close watcher", "repository", repo.ID(), "err", err)
		}
	}
	*old = c.startWatcher(repo, role)
}

func (c *Coordinator) persist() {
	c.snapshots.Save(c.entries())
}

func (c *Coordinator) entries() []snapshot.Entry {
	repos := c.set.All()
	entries := make([]snapshot.Entry, 0, len(repos))
	for _, repo := range repos {
		e := snapshot.Entry{
			ID:                        repo.ID(),
			ControlRepositoryLocation: repo.ControlPath,
			ContentRepositoryPath:     repo.ContentPath,
			Preparer:                  repo.Preparer,
			Template:                  repo.Template,
		}
		if repo.DisplayName != "" {
			name := repo.DisplayName
			e.DisplayName = &name
		}
		entries = append(entries, e)
	}
	return entries
}
