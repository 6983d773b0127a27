// Package launcher starts the containers that make up a repository's preview:
// the long-running pod and the short-lived preparers.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/deconst/client/internal/docker"
	"github.com/deconst/client/internal/repository"
)

// ErrUnknownPreparer is returned for a preparer kind with no image.
var ErrUnknownPreparer = errors.New("unknown preparer")

// Kinds lists the supported content preparers.
var Kinds = []string{"sphinx", "jekyll"}

// ValidKind reports whether kind names a supported content preparer.
func ValidKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Runtime is the subset of the container runtime the launcher drives.
type Runtime interface {
	Run(ctx context.Context, name, image, tag string, cfg docker.RunConfig) (*repository.Container, error)
	EnsureNetwork(ctx context.Context, name string) error
}

// Options configures images and credentials.
type Options struct {
	Registry     string // image namespace, e.g. quay.io/deconst
	Tag          string
	APIKey       string // content-store admin key shared with the preparers
	OverrideRoot string // directory holding per-repository override files
}

// Target is the part of a repository the launcher needs. It is a copy, so it
// can be used outside the coordinator.
type Target struct {
	ID          int
	ContentPath string
	ControlPath string
	Preparer    string
	Routing     repository.Routing
}

// TargetOf copies the launch-relevant fields of repo.
func TargetOf(repo *repository.Repository) Target {
	routes := make(map[string]string, len(repo.Routing.TemplateRoutes))
	for k, v := range repo.Routing.TemplateRoutes {
		routes[k] = v
	}
	routing := repo.Routing
	routing.TemplateRoutes = routes
	return Target{
		ID:          repo.ID(),
		ContentPath: repo.ContentPath,
		ControlPath: repo.ControlPath,
		Preparer:    repo.Preparer,
		Routing:     routing,
	}
}

// Launcher starts pods and preparers against a Runtime.
type Launcher struct {
	rt     Runtime
	opts   Options
	logger *slog.Logger
}

// New creates a Launcher.
func New(rt Runtime, opts Options, logger *slog.Logger) *Launcher {
	if opts.Registry == "" {
		opts.Registry = "quay.io/deconst"
	}
	if opts.Tag == "" {
		opts.Tag = "latest"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{rt: rt, opts: opts, logger: logger.With("module", "launcher")}
}

// NetworkName is the per-repository network the pod and preparers share.
func NetworkName(id int) string {
	return fmt.Sprintf("deconst-%d", id)
}

// ContainerName is the deterministic container name for a role.
func ContainerName(role repository.Role, id int) string {
	return fmt.Sprintf("%s-%d", role, id)
}

func (l *Launcher) image(name string) string {
	return l.opts.Registry + "/" + name
}

func labels(t Target, role repository.Role) map[string]string {
	return map[string]string{
		docker.LabelRepository: strconv.Itoa(t.ID),
		"io.deconst.role":      string(role),
	}
}
