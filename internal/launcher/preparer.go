package launcher

import (
	"context"
	"fmt"

	"github.com/deconst/client/internal/docker"
	"github.com/deconst/client/internal/repository"
)

const assetPreparerImage = "preparer-asset"

// LaunchContentPreparer ingests the content directory with the preparer
// image chosen by t.Preparer. Starting one while another runs replaces it.
func (l *Launcher) LaunchContentPreparer(ctx context.Context, t Target) (*repository.Container, error) {
	if !ValidKind(t.Preparer) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPreparer, t.Preparer)
	}
	return l.runPreparer(ctx, t, repository.RoleContentPreparer, "preparer-"+t.Preparer, docker.RunConfig{
		Env: []string{
			"CONTENT_STORE_URL=" + contentServiceURL,
			"CONTENT_STORE_APIKEY=" + l.opts.APIKey,
			"CONTENT_ID_BASE=" + t.Routing.ContentIDBase,
			"TRAVIS_PULL_REQUEST=false",
		},
		Binds: []string{t.ContentPath + ":/usr/content-repo:ro"},
	})
}

// LaunchControlPreparer uploads the control directory's assets.
func (l *Launcher) LaunchControlPreparer(ctx context.Context, t Target) (*repository.Container, error) {
	return l.runPreparer(ctx, t, repository.RoleControlPreparer, assetPreparerImage, docker.RunConfig{
		Env: []string{
			"CONTENT_STORE_URL=" + contentServiceURL,
			"CONTENT_STORE_APIKEY=" + l.opts.APIKey,
			"TRAVIS_PULL_REQUEST=false",
		},
		Binds: []string{t.ControlPath + ":/usr/control-repo:ro"},
	})
}

// LaunchPreparer dispatches on role.
func (l *Launcher) LaunchPreparer(ctx context.Context, role repository.Role, t Target) (*repository.Container, error) {
	switch role {
	case repository.RoleContentPreparer:
		return l.LaunchContentPreparer(ctx, t)
	case repository.RoleControlPreparer:
		return l.LaunchControlPreparer(ctx, t)
	}
	return nil, fmt.Errorf("not a preparer role: %q", role)
}

func (l *Launcher) runPreparer(ctx context.Context, t Target, role repository.Role, img string, cfg docker.RunConfig) (*repository.Container, error) {
	cfg.Network = NetworkName(t.ID)
	cfg.ReadonlyRootfs = true
	cfg.Labels = labels(t, role)

	ctr, err := l.rt.Run(ctx, ContainerName(role, t.ID), l.image(img), l.opts.Tag, cfg)
	if err != nil {
		return nil, fmt.Errorf("start %s preparer: %w", role.Label(), err)
	}
	l.logger.Info("preparer launched", "repository", t.ID, "role", role, "container", ctr.Name)
	return ctr, nil
}
