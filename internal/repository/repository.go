package repository

import (
	"fmt"
	"path/filepath"
	"strings"
)

// State is the lifecycle state of a repository.
type State string

const (
	StateLaunching   State = "launching"
	StatePreprepare  State = "preprepare"
	StatePreparing   State = "preparing"
	StateReady       State = "ready"
	StateRelaunching State = "relaunching"
	StateError       State = "error"
)

// Role identifies which of a repository's four container slots holds a container.
type Role string

const (
	RoleNone            Role = ""
	RoleContent         Role = "content"
	RolePresenter       Role = "presenter"
	RoleContentPreparer Role = "content-preparer"
	RoleControlPreparer Role = "control-preparer"
)

// Label returns the human wording used in error messages.
func (r Role) Label() string {
	switch r {
	case RoleContent:
		return "content-store"
	case RolePresenter:
		return "presenter"
	case RoleContentPreparer:
		return "content"
	case RoleControlPreparer:
		return "control"
	}
	return string(r)
}

// ExitCodeKilled is the status of a container stopped with SIGKILL. A preparer
// that exits with it was superseded by a newer run.
const ExitCodeKilled = 137

// Container is an opaque reference to a container started by the runtime.
type Container struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	HostPort string `json:"host_port,omitempty"` // published port of 8080/tcp
}

// Routing is the metadata derived from the content and control directories.
type Routing struct {
	ContentIDBase  string            `json:"content_id_base"`
	Site           string            `json:"site"`
	Prefix         string            `json:"prefix"`
	TemplateRoutes map[string]string `json:"template_routes"`
	IsMapped       bool              `json:"is_mapped"`
}

// Closer is satisfied by watcher handles.
type Closer interface {
	Close() error
}

// Repository pairs one content directory with one control directory.
type Repository struct {
	id int

	DisplayName string
	ContentPath string
	ControlPath string
	Preparer    string
	Template    string // manual template, used when the content ID is unmapped

	Routing Routing

	ContentContainer   *Container
	PresenterContainer *Container
	ContentPreparer    *Container
	ControlPreparer    *Container

	ContentWatcher Closer
	ControlWatcher Closer

	HasPrepared bool
	Error       string
	State       State
}

// New returns a repository in the launching state. The id must come from an IDSource.
func New(id int, displayName, contentPath, controlPath, preparer string) *Repository {
	return &Repository{
		id:          id,
		DisplayName: displayName,
		ContentPath: contentPath,
		ControlPath: controlPath,
		Preparer:    preparer,
		State:       StateLaunching,
	}
}

// ID returns the repository's immutable identifier.
func (r *Repository) ID() int { return r.id }

// Name returns the display name, defaulting to the content directory's basename.
func (r *Repository) Name() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return filepath.Base(r.ContentPath)
}

// CanSubmit reports whether a manual re-preparation may be requested.
func (r *Repository) CanSubmit() bool {
	return r.ContentContainer != nil && (r.State == StateReady || r.State == StatePreparing)
}

// CanPreview reports whether the presenter has content worth showing.
func (r *Repository) CanPreview() bool {
	return r.PresenterContainer != nil && r.HasPrepared
}

// IsPreparing reports whether either preparer container is attached.
func (r *Repository) IsPreparing() bool {
	return r.ContentPreparer != nil || r.ControlPreparer != nil
}

// ContainerIDs returns the ids of every attached container.
func (r *Repository) ContainerIDs() []string {
	var ids []string
	for _, c := range []*Container{r.ContentContainer, r.PresenterContainer, r.ContentPreparer, r.ControlPreparer} {
		if c != nil {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// PublicURL is the presenter's address plus the routing prefix.
func (r *Repository) PublicURL(host string) string {
	base := containerURL(host, r.PresenterContainer)
	if base == "" {
		return ""
	}
	return base + strings.TrimPrefix(r.Routing.Prefix, "/")
}

// ContentURL is the content-store's published address.
func (r *Repository) ContentURL(host string) string {
	return containerURL(host, r.ContentContainer)
}

func containerURL(host string, c *Container) string {
	if c == nil || c.HostPort == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%s/", host, c.HostPort)
}

// ReportError moves the repository into the error state.
func (r *Repository) ReportError(message string) {
	r.State = StateError
	r.Error = message
}

// Slot returns the role whose slot holds containerID.
func (r *Repository) Slot(containerID string) Role {
	switch {
	case containerID == "":
		return RoleNone
	case r.ContentContainer != nil && r.ContentContainer.ID == containerID:
		return RoleContent
	case r.PresenterContainer != nil && r.PresenterContainer.ID == containerID:
		return RolePresenter
	case r.ContentPreparer != nil && r.ContentPreparer.ID == containerID:
		return RoleContentPreparer
	case r.ControlPreparer != nil && r.ControlPreparer.ID == containerID:
		return RoleControlPreparer
	}
	return RoleNone
}

// Completion describes the effect of a preparer exiting.
type Completion int

const (
	// CompletionIgnored means the container was not one of this repository's preparers.
	CompletionIgnored Completion = iota
	// CompletionCancelled means the preparer was killed and superseded.
	CompletionCancelled
	// CompletionSucceeded means the preparer succeeded while the other is still running.
	CompletionSucceeded
	// CompletionPrepared means the last outstanding preparer succeeded and the
	// repository is ready.
	CompletionPrepared
	// CompletionFailed means the preparer failed and the repository is in error.
	CompletionFailed
)

// ReportPreparerComplete clears the preparer slot that holds containerID and
// applies the exit code.
func (r *Repository) ReportPreparerComplete(containerID string, exitCode int) Completion {
	role := r.Slot(containerID)
	switch role {
	case RoleContentPreparer:
		r.ContentPreparer = nil
	case RoleControlPreparer:
		r.ControlPreparer = nil
	default:
		return CompletionIgnored
	}

	switch {
	case exitCode == 0:
		if r.IsPreparing() {
			return CompletionSucceeded
		}
		r.State = StateReady
		r.HasPrepared = true
		return CompletionPrepared
	case exitCode == ExitCodeKilled:
		return CompletionCancelled
	default:
		r.ReportError(fmt.Sprintf("the %s preparer exited with status %d", role.Label(), exitCode))
		return CompletionFailed
	}
}

// ReportContainerDied handles the exit of a content-store or presenter
// container. It returns the role that matched, or RoleNone.
func (r *Repository) ReportContainerDied(containerID string, exitCode int) Role {
	role := r.Slot(containerID)
	if role != RoleContent && role != RolePresenter {
		return RoleNone
	}
	if r.State != StateRelaunching {
		r.ReportError(fmt.Sprintf("the %s container exited unexpectedly with status %d", role.Label(), exitCode))
	}
	return role
}

// AttachPreparer records a newly started preparer container.
func (r *Repository) AttachPreparer(role Role, c *Container) {
	switch role {
	case RoleContentPreparer:
		r.ContentPreparer = c
	case RoleControlPreparer:
		r.ControlPreparer = c
	default:
		return
	}
	if r.State != StateError && r.State != StateRelaunching {
		r.State = StatePreparing
	}
}

// AttachPod records the content-store and presenter containers.
func (r *Repository) AttachPod(content, presenter *Container) {
	r.ContentContainer = content
	r.PresenterContainer = presenter
	r.State = StateReady
}

// ResetForRelaunch enters the relaunching state and clears the error.
func (r *Repository) ResetForRelaunch() {
	r.State = StateRelaunching
	r.Error = ""
}

// DetachContainers drops every container reference and the prepared flag,
// leaving watchers attached.
func (r *Repository) DetachContainers() {
	r.ContentContainer = nil
	r.PresenterContainer = nil
	r.ContentPreparer = nil
	r.ControlPreparer = nil
	r.HasPrepared = false
}

// CloseWatchers closes both watcher handles and returns the first error.
func (r *Repository) CloseWatchers() error {
	var first error
	for _, w := range []Closer{r.ContentWatcher, r.ControlWatcher} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.ContentWatcher = nil
	r.ControlWatcher = nil
	return first
}
