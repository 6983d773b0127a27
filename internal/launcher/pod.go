package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deconst/client/internal/docker"
	"github.com/deconst/client/internal/repository"
)

const (
	contentStoreAlias = "content"
	contentServiceURL = "http://content:8080/"
	assetProxyPrefix  = "/__local_asset__/"
	assetProxyTarget  = "http://content:8080/assets/"
)

// OverrideDir is where a repository's generated content and route maps live.
func (l *Launcher) OverrideDir(id int) string {
	return filepath.Join(l.opts.OverrideRoot, fmt.Sprintf("control-%d", id))
}

// WriteOverrides materializes the content-routing and template-route
// documents the presenter reads instead of the control repository's own.
func (l *Launcher) WriteOverrides(t Target) (string, error) {
	dir := l.OverrideDir(t.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create override dir: %w", err)
	}

	contentMap := map[string]interface{}{
		t.Routing.Site: map[string]interface{}{
			"content": map[string]string{t.Routing.Prefix: t.Routing.ContentIDBase},
			"proxy":   map[string]string{assetProxyPrefix: assetProxyTarget},
		},
	}
	routes := t.Routing.TemplateRoutes
	if routes == nil {
		routes = map[string]string{}
	}
	routeMap := map[string]interface{}{
		t.Routing.Site: map[string]interface{}{"routes": routes},
	}

	if err := writeJSON(filepath.Join(dir, "content.json"), contentMap); err != nil {
		return "", fmt.Errorf("write content override: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, "routes.json"), routeMap); err != nil {
		return "", fmt.Errorf("write routes override: %w", err)
	}
	return dir, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LaunchPod brings up the content-store and then the presenter. Steps run in
// order and stop at the first error; nothing already started is cleaned up.
func (l *Launcher) LaunchPod(ctx context.Context, t Target) (content, presenter *repository.Container, err error) {
	overrideDir, err := l.WriteOverrides(t)
	if err != nil {
		return nil, nil, err
	}

	network := NetworkName(t.ID)
	if err := l.rt.EnsureNetwork(ctx, network); err != nil {
		return nil, nil, err
	}

	content, err = l.rt.Run(ctx, ContainerName(repository.RoleContent, t.ID), l.image("content-service"), l.opts.Tag, docker.RunConfig{
		Env: []string{
			"NODE_ENV=development",
			"STORAGE=memory",
			"ADMIN_APIKEY=" + l.opts.APIKey,
			"CONTENT_LOG_LEVEL=debug",
			"CONTENT_LOG_COLOR=true",
		},
		Network:        network,
		Aliases:        []string{contentStoreAlias},
		PublishAll:     true,
		ReadonlyRootfs: true,
		Labels:         labels(t, repository.RoleContent),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("start content-store: %w", err)
	}

	presenter, err = l.rt.Run(ctx, ContainerName(repository.RolePresenter, t.ID), l.image("presenter"), l.opts.Tag, docker.RunConfig{
		Env: []string{
			"NODE_ENV=development",
			"CONTROL_REPO_PATH=/var/control-repo",
			"CONTROL_CONTENT_FILE=/var/override/content.json",
			"CONTROL_ROUTES_FILE=/var/override/routes.json",
			"CONTENT_SERVICE_URL=" + contentServiceURL,
			"PRESENTER_LOG_LEVEL=debug",
			"PRESENTER_LOG_COLOR=true",
			"PRESENTED_URL_DOMAIN=" + t.Routing.Site,
		},
		Binds: []string{
			t.ControlPath + ":/var/control-repo",
			overrideDir + ":/var/override:ro",
		},
		Network:        network,
		PublishAll:     true,
		ReadonlyRootfs: true,
		Labels:         labels(t, repository.RolePresenter),
	})
	if err != nil {
		return content, nil, fmt.Errorf("start presenter: %w", err)
	}

	l.logger.Info("pod launched", "repository", t.ID, "content", content.Name, "presenter", presenter.Name)
	return content, presenter, nil
}
