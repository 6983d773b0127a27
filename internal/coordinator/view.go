package coordinator

import (
	"github.com/deconst/client/internal/repository"
)

// View is a read-only copy of a repository, safe to use outside the loop.
type View struct {
	ID          int                                       `json:"id"`
	Name        string                                    `json:"name"`
	DisplayName string                                    `json:"display_name"`
	ContentPath string                                    `json:"content_path"`
	ControlPath string                                    `json:"control_path"`
	Preparer    string                                    `json:"preparer"`
	Template    string                                    `json:"template,omitempty"`
	State       repository.State                          `json:"state"`
	Error       string                                    `json:"error,omitempty"`
	HasPrepared bool                                      `json:"has_prepared"`
	CanSubmit   bool                                      `json:"can_submit"`
	CanPreview  bool                                      `json:"can_preview"`
	IsPreparing bool                                      `json:"is_preparing"`
	PublicURL   string                                    `json:"public_url,omitempty"` // set only when CanPreview
	ContentURL  string                                    `json:"content_url,omitempty"`
	Routing     repository.Routing                        `json:"routing"`
	Containers  map[repository.Role]repository.Container `json:"containers,omitempty"`
}

func (c *Coordinator) view(repo *repository.Repository) View {
	v := View{
		ID:          repo.ID(),
		Name:        repo.Name(),
		DisplayName: repo.DisplayName,
		ContentPath: repo.ContentPath,
		ControlPath: repo.ControlPath,
		Preparer:    repo.Preparer,
		Template:    repo.Template,
		State:       repo.State,
		Error:       repo.Error,
		HasPrepared: repo.HasPrepared,
		CanSubmit:   repo.CanSubmit(),
		CanPreview:  repo.CanPreview(),
		IsPreparing: repo.IsPreparing(),
		ContentURL:  repo.ContentURL(c.previewHost),
		Routing:     repo.Routing,
	}
	if v.CanPreview {
		v.PublicURL = repo.PublicURL(c.previewHost)
	}

	routes := make(map[string]string, len(repo.Routing.TemplateRoutes))
	for k, val := range repo.Routing.TemplateRoutes {
		routes[k] = val
	}
	v.Routing.TemplateRoutes = routes

	slots := map[repository.Role]*repository.Container{
		repository.RoleContent:         repo.ContentContainer,
		repository.RolePresenter:       repo.PresenterContainer,
		repository.RoleContentPreparer: repo.ContentPreparer,
		repository.RoleControlPreparer: repo.ControlPreparer,
	}
	for role, ctr := range slots {
		if ctr == nil {
			continue
		}
		if v.Containers == nil {
			v.Containers = make(map[repository.Role]repository.Container)
		}
		v.Containers[role] = *ctr
	}
	return v
}
