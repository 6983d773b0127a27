package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"

	"github.com/deconst/client/internal/repository"
)

// ServicePort is the port every deconst service listens on inside its container.
const ServicePort nat.Port = "8080/tcp"

// LabelRepository marks containers owned by a repository.
const LabelRepository = "io.deconst.repository"

// RunConfig describes a container to start.
type RunConfig struct {
	Env            []string
	Binds          []string
	Network        string   // user-defined network to join
	Aliases        []string // aliases on Network
	PublishAll     bool
	ReadonlyRootfs bool
	Labels         map[string]string
}

// Completion reports that a container exited.
type Completion struct {
	ContainerID string
	ExitCode    int
	OOMKilled   bool
}

// Client wraps the Docker Engine API client with the operations the
// orchestrator needs.
type Client struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewClient creates a Client. host defaults to the environment (DOCKER_HOST
// or the local socket) when empty.
func NewClient(host string, logger *slog.Logger) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cli: cli, logger: logger.With("module", "docker")}, nil
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// Run pulls image:tag, replaces any container already called name, then
// creates, starts and inspects the new container. Replacing a running
// container kills it, so it exits with status 137.
func (c *Client) Run(ctx context.Context, name, img, tag string, cfg RunConfig) (*repository.Container, error) {
	if tag == "" {
		tag = "latest"
	}
	ref := img + ":" + tag

	if err := c.pull(ctx, ref); err != nil {
		return nil, fmt.Errorf("pull %s: %w", ref, err)
	}

	if err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("remove existing %s: %w", name, err)
	}

	config := &container.Config{
		Image:        ref,
		Env:          cfg.Env,
		Tty:          true,
		OpenStdin:    true,
		ExposedPorts: nat.PortSet{ServicePort: struct{}{}},
		Labels:       cfg.Labels,
	}
	hostConfig := &container.HostConfig{
		Binds:           cfg.Binds,
		PublishAllPorts: cfg.PublishAll,
		ReadonlyRootfs:  cfg.ReadonlyRootfs,
	}
	var netConfig *network.NetworkingConfig
	if cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(cfg.Network)
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				cfg.Network: {Aliases: cfg.Aliases},
			},
		}
	}

	created, err := c.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	if err := c.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	info, err := c.cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", name, err)
	}

	ctr := &repository.Container{ID: info.ID, Name: name}
	if info.NetworkSettings != nil {
		if bindings := info.NetworkSettings.Ports[ServicePort]; len(bindings) > 0 {
			ctr.HostPort = bindings[0].HostPort
		}
	}
	c.logger.Info("container started", "name", name, "image", ref, "id", shortID(ctr.ID), "port", ctr.HostPort)
	return ctr, nil
}

func (c *Client) pull(ctx context.Context, ref string) error {
	rc, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained. Failures
	// such as an unknown manifest arrive inside the stream.
	return jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil)
}

// CleanContainers force-removes every listed container. Containers that no
// longer exist are skipped; the first other failure is returned after all
// removals were attempted.
func (c *Client) CleanContainers(ctx context.Context, ids []string) error {
	var first error
	for _, id := range ids {
		err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err == nil || errdefs.IsNotFound(err) {
			continue
		}
		c.logger.Warn("container cleanup failed", "id", shortID(id), "err", err)
		if first == nil {
			first = fmt.Errorf("remove container %s: %w", shortID(id), err)
		}
	}
	return first
}

// EnsureNetwork creates a bridge network called name unless it already exists.
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := c.cli.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect network %s: %w", name, err)
	}
	_, err := c.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil && !errdefs.IsConflict(err) {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	return nil
}

// RemoveNetwork removes a network; a missing network is not an error.
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	if err := c.cli.NetworkRemove(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove network %s: %w", name, err)
	}
	return nil
}

// Orphans lists containers left behind by a previous run.
func (c *Client) Orphans(ctx context.Context) ([]string, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelRepository)),
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(containers))
	for _, ctr := range containers {
		ids = append(ids, ctr.ID)
	}
	return ids, nil
}

// Events streams container exits until ctx is cancelled. A non-zero since
// replays events from that moment on, so a resubscription misses nothing. An
// oom event marks the following exit of the same container as OOMKilled.
func (c *Client) Events(ctx context.Context, since time.Time) (<-chan Completion, <-chan error) {
	out := make(chan Completion, 16)
	errs := make(chan error, 1)

	opts := events.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
			filters.Arg("event", string(events.ActionDie)),
			filters.Arg("event", string(events.ActionOOM)),
		),
	}
	if !since.IsZero() {
		opts.Since = eventTimestamp(since)
	}
	msgs, msgErrs := c.cli.Events(ctx, opts)

	go func() {
		defer close(out)
		oom := make(map[string]bool)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-msgErrs:
				if err != nil && ctx.Err() == nil {
					errs <- err
				}
				return
			case msg := <-msgs:
				switch msg.Action {
				case events.ActionOOM:
					oom[msg.Actor.ID] = true
				case events.ActionDie:
					code, _ := strconv.Atoi(msg.Actor.Attributes["exitCode"])
					completion := Completion{ContainerID: msg.Actor.ID, ExitCode: code, OOMKilled: oom[msg.Actor.ID]}
					delete(oom, msg.Actor.ID)
					select {
					case out <- completion:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, errs
}

// WithTimeout bounds a runtime call.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(parent, d)
}

func eventTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
