package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deconst/client/internal/docker"
	"github.com/deconst/client/internal/repository"
)

type runCall struct {
	name  string
	image string
	tag   string
	cfg   docker.RunConfig
}

type fakeRuntime struct {
	runs     []runCall
	networks []string
	failOn   string
}

func (f *fakeRuntime) Run(ctx context.Context, name, image, tag string, cfg docker.RunConfig) (*repository.Container, error) {
	f.runs = append(f.runs, runCall{name, image, tag, cfg})
	if name == f.failOn {
		return nil, errors.New("no such image")
	}
	return &repository.Container{ID: "id-" + name, Name: name, HostPort: "3000"}, nil
}

func (f *fakeRuntime) EnsureNetwork(ctx context.Context, name string) error {
	f.networks = append(f.networks, name)
	return nil
}

func testTarget() Target {
	return Target{
		ID:          7,
		ContentPath: "/src/content",
		ControlPath: "/src/control",
		Preparer:    "sphinx",
		Routing: repository.Routing{
			ContentIDBase:  "https://github.com/org/docs/",
			Site:           "docs.example.com",
			Prefix:         "/guides/",
			TemplateRoutes: map[string]string{"^/blog/": "blog.html"},
			IsMapped:       true,
		},
	}
}

func TestLaunchPod(t *testing.T) {
	rt := &fakeRuntime{}
	l := New(rt, Options{APIKey: "secret", OverrideRoot: t.TempDir()}, nil)

	content, presenter, err := l.LaunchPod(context.Background(), testTarget())
	require.NoError(t, err)
	assert.Equal(t, "id-content-7", content.ID)
	assert.Equal(t, "id-presenter-7", presenter.ID)
	assert.Equal(t, []string{"deconst-7"}, rt.networks)

	require.Len(t, rt.runs, 2)
	store, pres := rt.runs[0], rt.runs[1]

	assert.Equal(t, "quay.io/deconst/content-service", store.image)
	assert.Equal(t, "latest", store.tag)
	assert.Contains(t, store.cfg.Env, "ADMIN_APIKEY=secret")
	assert.Contains(t, store.cfg.Env, "STORAGE=memory")
	assert.True(t, store.cfg.ReadonlyRootfs)
	assert.Equal(t, []string{"content"}, store.cfg.Aliases)

	assert.Equal(t, "quay.io/deconst/presenter", pres.image)
	assert.Contains(t, pres.cfg.Binds, "/src/control:/var/control-repo")
	assert.Contains(t, pres.cfg.Binds, l.OverrideDir(7)+":/var/override:ro")
	assert.Contains(t, pres.cfg.Env, "PRESENTED_URL_DOMAIN=docs.example.com")
	assert.Equal(t, "deconst-7", pres.cfg.Network)
}

func TestWriteOverrides(t *testing.T) {
	l := New(&fakeRuntime{}, Options{OverrideRoot: t.TempDir()}, nil)

	dir, err := l.WriteOverrides(testTarget())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "content.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"docs.example.com": {
		"content": {"/guides/": "https://github.com/org/docs/"},
		"proxy": {"/__local_asset__/": "http://content:8080/assets/"}
	}}`, string(data))

	data, err = os.ReadFile(filepath.Join(dir, "routes.json"))
	require.NoError(t, err)
	var routes map[string]map[string]map[string]string
	require.NoError(t, json.Unmarshal(data, &routes))
	assert.Equal(t, "blog.html", routes["docs.example.com"]["routes"]["^/blog/"])
}

func TestLaunchPodStopsAtFirstError(t *testing.T) {
	rt := &fakeRuntime{failOn: "content-7"}
	l := New(rt, Options{OverrideRoot: t.TempDir()}, nil)

	content, presenter, err := l.LaunchPod(context.Background(), testTarget())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content-store")
	assert.Nil(t, content)
	assert.Nil(t, presenter)
	assert.Len(t, rt.runs, 1, "presenter must not be attempted")
}

func TestLaunchPreparers(t *testing.T) {
	rt := &fakeRuntime{}
	l := New(rt, Options{Registry: "registry.local/deconst", Tag: "dev", APIKey: "k"}, nil)
	target := testTarget()

	ctr, err := l.LaunchPreparer(context.Background(), repository.RoleContentPreparer, target)
	require.NoError(t, err)
	assert.Equal(t, "content-preparer-7", ctr.Name)

	_, err = l.LaunchPreparer(context.Background(), repository.RoleControlPreparer, target)
	require.NoError(t, err)

	require.Len(t, rt.runs, 2)
	assert.Equal(t, "registry.local/deconst/preparer-sphinx", rt.runs[0].image)
	assert.Equal(t, "dev", rt.runs[0].tag)
	assert.Contains(t, rt.runs[0].cfg.Binds, "/src/content:/usr/content-repo:ro")
	assert.Contains(t, rt.runs[0].cfg.Env, "CONTENT_ID_BASE=https://github.com/org/docs/")
	assert.Contains(t, rt.runs[0].cfg.Env, "CONTENT_STORE_APIKEY=k")

	assert.Equal(t, "registry.local/deconst/preparer-asset", rt.runs[1].image)
	assert.Equal(t, "control-preparer-7", rt.runs[1].name)
	assert.Contains(t, rt.runs[1].cfg.Binds, "/src/control:/usr/control-repo:ro")
}

func TestLaunchContentPreparerRejectsUnknownKind(t *testing.T) {
	rt := &fakeRuntime{}
	l := New(rt, Options{}, nil)
	target := testTarget()
	target.Preparer = "hugo"

	_, err := l.LaunchContentPreparer(context.Background(), target)
	assert.ErrorIs(t, err, ErrUnknownPreparer)
	assert.Empty(t, rt.runs)
}

func TestTargetOfCopiesRoutes(t *testing.T) {
	repo := repository.New(3, "", "/c", "/ctl", "jekyll")
	repo.Routing.TemplateRoutes = map[string]string{"a": "b"}

	target := TargetOf(repo)
	target.Routing.TemplateRoutes["a"] = "changed"
	assert.Equal(t, "b", repo.Routing.TemplateRoutes["a"])
	assert.Equal(t, 3, target.ID)
}
