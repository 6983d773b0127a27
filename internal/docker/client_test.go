package docker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var versionPrefix = regexp.MustCompile(`^/v[0-9.]+`)

// fakeEngine serves the handful of Engine API endpoints the client uses.
type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	created  map[string]interface{}
	removeOK map[string]bool
	pullErr  string
	since    string
}

func (f *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := versionPrefix.ReplaceAllString(r.URL.Path, "")

	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+path)
	f.mu.Unlock()

	w.Header().Set("API-Version", "1.45")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case path == "/_ping":
		w.Write([]byte("OK"))
	case r.Method == http.MethodPost && path == "/images/create":
		if f.pullErr != "" {
			msg, _ := json.Marshal(f.pullErr)
			w.Write([]byte(`{"status":"Pulling"}` + "\n" + `{"errorDetail":{"message":` + string(msg) + `},"error":` + string(msg) + `}`))
			return
		}
		w.Write([]byte(`{"status":"Pulling"}` + "\n" + `{"status":"Done"}`))
	case r.Method == http.MethodGet && path == "/events":
		f.mu.Lock()
		f.since = r.URL.Query().Get("since")
		f.mu.Unlock()
		w.Write([]byte(`{"Type":"container","Action":"oom","Actor":{"ID":"abc","Attributes":{}}}` + "\n" +
			`{"Type":"container","Action":"die","Actor":{"ID":"abc","Attributes":{"exitCode":"137"}}}` + "\n"))
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/containers/"):
		name := strings.TrimPrefix(path, "/containers/")
		if f.removeOK[name] {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if name == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"message":"driver failed"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"No such container: ` + name + `"}`))
	case r.Method == http.MethodPost && path == "/containers/create":
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.created = body
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"Id":"0123456789abcdef0123","Warnings":[]}`))
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/start"):
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/json"):
		w.Write([]byte(`{
			"Id": "0123456789abcdef0123",
			"Name": "/content-1",
			"State": {"Running": true},
			"NetworkSettings": {"Ports": {"8080/tcp": [{"HostIp": "0.0.0.0", "HostPort": "32768"}]}}
		}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"unexpected call"}`))
	}
}

func newTestClient(t *testing.T, engine *fakeEngine) *Client {
	t.Helper()
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	c, err := NewClient("tcp://"+strings.TrimPrefix(srv.URL, "http://"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRunCreatesAndInspects(t *testing.T) {
	engine := &fakeEngine{}
	c := newTestClient(t, engine)

	ctr, err := c.Run(context.Background(), "content-1", "quay.io/deconst/content-service", "", RunConfig{
		Env:            []string{"STORAGE=memory"},
		Binds:          []string{"/control:/var/control-repo"},
		Network:        "deconst-1",
		Aliases:        []string{"content"},
		PublishAll:     true,
		ReadonlyRootfs: true,
		Labels:         map[string]string{LabelRepository: "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123", ctr.ID)
	assert.Equal(t, "content-1", ctr.Name)
	assert.Equal(t, "32768", ctr.HostPort)

	engine.mu.Lock()
	defer engine.mu.Unlock()

	assert.Contains(t, engine.calls, "POST /images/create")
	assert.Contains(t, engine.calls, "DELETE /containers/content-1")
	assert.Equal(t, "quay.io/deconst/content-service:latest", engine.created["Image"])

	hostConfig, ok := engine.created["HostConfig"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "deconst-1", hostConfig["NetworkMode"])
	assert.Equal(t, true, hostConfig["ReadonlyRootfs"])
	assert.Equal(t, true, hostConfig["PublishAllPorts"])
	assert.Equal(t, []interface{}{"/control:/var/control-repo"}, hostConfig["Binds"])
}

func TestCleanContainersSkipsMissing(t *testing.T) {
	engine := &fakeEngine{removeOK: map[string]bool{"a": true}}
	c := newTestClient(t, engine)

	assert.NoError(t, c.CleanContainers(context.Background(), []string{"a", "gone"}))

	err := c.CleanContainers(context.Background(), []string{"broken", "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Equal(t, "DELETE /containers/a", engine.calls[len(engine.calls)-1], "removal continues after a failure")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestRunReportsPullFailure(t *testing.T) {
	engine := &fakeEngine{pullErr: "manifest for quay.io/deconst/missing:latest not found: manifest unknown"}
	c := newTestClient(t, engine)

	_, err := c.Run(context.Background(), "content-1", "quay.io/deconst/missing", "", RunConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest unknown")

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.NotContains(t, engine.calls, "POST /containers/create")
	assert.NotContains(t, engine.calls, "DELETE /containers/content-1")
}

func TestEventsResumesFromSince(t *testing.T) {
	engine := &fakeEngine{}
	c := newTestClient(t, engine)
	since := time.Unix(1700000000, 5000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	completions, _ := c.Events(ctx, since)

	select {
	case comp := <-completions:
		assert.Equal(t, Completion{ContainerID: "abc", ExitCode: 137, OOMKilled: true}, comp)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion")
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Equal(t, "1700000000.000005000", engine.since)
}
