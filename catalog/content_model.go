package catalog

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"sort"
	"strings"
	"sync"

	"github.com/ngds/geopub/common/commonerr"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	metadataExtraKey = "md_package"
	contentModelTag  = "usgincm:"
)

// ContentModel identifies the layer and version of a content model.
type ContentModel struct {
	URI     string
	Layer   string
	Version string
}

type prefixEntry struct {
	model ContentModel
	tags  []string
}

// ContentModels is the prefix table used to recognise harvested packages
// that carry content model tags but no metadata document. The YAML file
// maps "uri+layer+version" keys to lists of tag names.
type ContentModels struct {
	mu      sync.RWMutex
	path    string
	entries []prefixEntry
}

func LoadContentModels(path string) (*ContentModels, error) {
	c := &ContentModels{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the table from the file it was loaded from. The
// previous table is kept when the file cannot be parsed.
func (c *ContentModels) Reload() error {
	if c.path == "" {
		return nil
	}
	raw, err := ioutil.ReadFile(c.path)
	if err != nil {
		return errors.Wrapf(err, "content models %s", c.path)
	}
	entries, err := parsePrefixTable(raw)
	if err != nil {
		return errors.Wrapf(err, "content models %s", c.path)
	}
	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

// NewContentModels builds a table from an in-memory document.
func NewContentModels(raw []byte) (*ContentModels, error) {
	entries, err := parsePrefixTable(raw)
	if err != nil {
		return nil, err
	}
	return &ContentModels{entries: entries}, nil
}

func parsePrefixTable(raw []byte) ([]prefixEntry, error) {
	table := map[string][]string{}
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]prefixEntry, 0, len(keys))
	for _, k := range keys {
		parts := strings.Split(k, "+")
		if len(parts) != 3 {
			return nil, errors.Errorf("invalid prefix key %q: want uri+layer+version", k)
		}
		entries = append(entries, prefixEntry{
			model: ContentModel{URI: parts[0], Layer: parts[1], Version: parts[2]},
			tags:  table[k],
		})
	}
	return entries, nil
}

// Lookup returns the first content model, in key order, listing any of
// tags.
func (c *ContentModels) Lookup(tags []string) (ContentModel, bool) {
	if c == nil {
		return ContentModel{}, false
	}
	have := make(map[string]bool, len(tags))
	for _, t := range tags {
		have[t] = true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		for _, t := range e.tags {
			if have[t] {
				return e.model, true
			}
		}
	}
	return ContentModel{}, false
}

type resourceDescription struct {
	Layer   string `json:"usginContentModelLayer"`
	Version string `json:"usginContentModelVersion"`
}

// InferContentModel resolves the layer name and version of a package. The
// md_package metadata document wins; packages without a version there
// fall back to their usgincm: tags. The resource id stands in for a
// missing layer name.
//
// Errors match commonerr.ErrMalformedMetadata when md_package cannot be
// decoded and commonerr.ErrMetadataAbsent when neither source yields a
// version.
func InferContentModel(pkg *Package, resourceID string, models *ContentModels) (layer, version string, err error) {
	layer = resourceID
	if raw, ok := pkg.Extra(metadataExtraKey); ok && strings.TrimSpace(raw) != "" {
		var md struct {
			ResourceDescription *resourceDescription `json:"resourceDescription"`
		}
		if err := json.Unmarshal([]byte(raw), &md); err != nil {
			return "", "", errors.Wrapf(commonerr.ErrMalformedMetadata, "package %s: %v", pkg.ID, err)
		}
		if md.ResourceDescription != nil {
			if md.ResourceDescription.Layer != "" {
				layer = md.ResourceDescription.Layer
			}
			version = md.ResourceDescription.Version
		}
	}
	if version != "" {
		return layer, version, nil
	}

	var tags []string
	for _, t := range pkg.TagNames() {
		if strings.HasPrefix(t, contentModelTag) {
			tags = append(tags, t)
		}
	}
	if m, ok := models.Lookup(tags); ok && layer == resourceID {
		return m.Layer, m.Version, nil
	}
	return "", "", errors.Wrapf(commonerr.ErrMetadataAbsent, "package %s", pkg.ID)
}

// InferContentModel fetches the package and resolves its content model.
// Network failures match commonerr.ErrUpstreamUnavailable.
func (c *Client) InferContentModel(ctx context.Context, packageID, resourceID string, models *ContentModels) (string, string, error) {
	pkg, err := c.PackageShow(ctx, packageID)
	if err != nil {
		return "", "", err
	}
	return InferContentModel(pkg, resourceID, models)
}
