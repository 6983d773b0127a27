// Package resolver derives a repository's routing metadata from the
// configuration files in its content and control directories.
package resolver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/deconst/client/internal/repository"
)

const (
	// DefaultContentIDBase is used when the content directory declares no identity.
	DefaultContentIDBase = "local-content/"
	// DefaultSite is used when the control directory's content map lists no sites.
	DefaultSite = "local.site.horse"
	// DefaultPrefix is used when the content ID is not mapped under any prefix.
	DefaultPrefix = "/"

	IdentityFile   = "_deconst.json"
	ContentMapFile = "config/content.json"
	RouteMapFile   = "config/routes.json"
)

// Resolver reads configuration through a billy filesystem so that tests can
// substitute an in-memory tree.
type Resolver struct {
	fs     billy.Filesystem
	logger *slog.Logger
}

// New returns a Resolver over fs. A nil fs means the host filesystem.
func New(fs billy.Filesystem, logger *slog.Logger) *Resolver {
	if fs == nil {
		fs = osfs.New("/")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{fs: fs, logger: logger.With("module", "resolver")}
}

// Resolve computes the routing metadata for a content/control pair. Every
// file is read independently; a missing or malformed file degrades to its
// default. template is only consulted when the content ID is unmapped.
func (r *Resolver) Resolve(contentPath, controlPath, template string) repository.Routing {
	routing := repository.Routing{
		ContentIDBase: r.contentIDBase(contentPath),
	}

	sites := r.contentMap(controlPath)
	for _, s := range sites {
		for _, m := range s.content {
			if normalize(m.id) == routing.ContentIDBase {
				routing.Site = s.name
				routing.Prefix = m.prefix
				routing.IsMapped = true
				break
			}
		}
		if routing.IsMapped {
			break
		}
	}

	if !routing.IsMapped {
		if len(sites) > 0 {
			routing.Site = sites[0].name
		} else {
			routing.Site = DefaultSite
		}
	}
	if routing.Prefix == "" {
		routing.Prefix = DefaultPrefix
	}

	routing.TemplateRoutes = r.templateRoutes(controlPath, routing.Site, routing.Prefix)

	if !routing.IsMapped && template != "" {
		routing.TemplateRoutes = map[string]string{routing.Prefix + ".*": template}
	}
	return routing
}

func (r *Resolver) contentIDBase(contentPath string) string {
	p := path.Join(contentPath, IdentityFile)
	data, err := util.ReadFile(r.fs, p)
	if err != nil {
		r.logger.Debug("no content identity file", "path", p, "err", err)
		return DefaultContentIDBase
	}

	var identity struct {
		ContentIDBase string `json:"contentIDBase"`
	}
	if err := json.Unmarshal(data, &identity); err != nil {
		r.logger.Warn("malformed content identity file", "path", p, "err", err)
		return DefaultContentIDBase
	}
	if identity.ContentIDBase == "" {
		return DefaultContentIDBase
	}
	return normalize(identity.ContentIDBase)
}

type siteMapping struct {
	name    string
	content []prefixMapping
}

type prefixMapping struct {
	prefix string
	id     string
}

// contentMap returns the sites of content.json in document order.
func (r *Resolver) contentMap(controlPath string) []siteMapping {
	p := path.Join(controlPath, ContentMapFile)
	data, err := util.ReadFile(r.fs, p)
	if err != nil {
		r.logger.Debug("no content map", "path", p, "err", err)
		return nil
	}

	siteMembers, err := orderedObject(data)
	if err != nil {
		r.logger.Warn("malformed content map", "path", p, "err", err)
		return nil
	}

	sites := make([]siteMapping, 0, len(siteMembers))
	for _, sm := range siteMembers {
		site := siteMapping{name: sm.key}

		var body struct {
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(sm.value, &body); err != nil {
			r.logger.Warn("malformed site entry in content map", "site", sm.key, "err", err)
			sites = append(sites, site)
			continue
		}
		if len(body.Content) > 0 && !bytes.Equal(bytes.TrimSpace(body.Content), []byte("null")) {
			prefixes, err := orderedObject(body.Content)
			if err != nil {
				r.logger.Warn("malformed content section in content map", "site", sm.key, "err", err)
			}
			for _, pm := range prefixes {
				var id string
				if err := json.Unmarshal(pm.value, &id); err != nil {
					continue
				}
				site.content = append(site.content, prefixMapping{prefix: pm.key, id: id})
			}
		}
		sites = append(sites, site)
	}
	return sites
}

// templateRoutes extracts the resolved site's routes from routes.json and
// rebases anchored patterns that live beneath prefix. Routes are applied in
// document order, so when two patterns rebase to the same key the later one
// wins.
func (r *Resolver) templateRoutes(controlPath, site, prefix string) map[string]string {
	routes := map[string]string{}

	p := path.Join(controlPath, RouteMapFile)
	data, err := util.ReadFile(r.fs, p)
	if err != nil {
		r.logger.Debug("no route map", "path", p, "err", err)
		return routes
	}

	siteMembers, err := orderedObject(data)
	if err != nil {
		r.logger.Warn("malformed route map", "path", p, "err", err)
		return routes
	}

	var section json.RawMessage
	for _, sm := range siteMembers {
		if sm.key == site {
			section = sm.value
		}
	}
	if section == nil {
		return routes
	}

	var body struct {
		Routes json.RawMessage `json:"routes"`
	}
	if err := json.Unmarshal(section, &body); err != nil {
		r.logger.Warn("malformed site entry in route map", "site", site, "err", err)
		return routes
	}
	if len(body.Routes) == 0 || bytes.Equal(bytes.TrimSpace(body.Routes), []byte("null")) {
		return routes
	}
	patterns, err := orderedObject(body.Routes)
	if err != nil {
		r.logger.Warn("malformed routes section in route map", "site", site, "err", err)
	}

	for _, pm := range patterns {
		var template string
		if err := json.Unmarshal(pm.value, &template); err != nil {
			continue
		}
		pattern := normalize(pm.key)
		switch {
		case strings.HasPrefix(pattern, "^"+prefix):
			routes["^"+pattern[len(prefix):]] = template
		case len(pattern) > 1 && pattern[0] != '^':
			routes[pattern] = template
		}
	}
	return routes
}

func normalize(id string) string {
	if strings.HasSuffix(id, "/") {
		return id
	}
	return id + "/"
}

type member struct {
	key   string
	value json.RawMessage
}

// orderedObject decodes a JSON object into its members, preserving document
// order.
func orderedObject(data []byte) ([]member, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected a JSON object, found %v", tok)
	}

	var members []member
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return members, err
		}
		key, ok := tok.(string)
		if !ok {
			return members, fmt.Errorf("expected an object key, found %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return members, err
		}
		members = append(members, member{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return members, err
	}
	return members, nil
}
