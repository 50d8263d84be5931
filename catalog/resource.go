package catalog

import (
	"encoding/json"
	"fmt"
)

// Resource is a catalog resource record. It is kept as an open object so
// that fields this service does not know about survive an update.
type Resource map[string]interface{}

func (r Resource) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64, bool:
		return fmt.Sprintf("%v", v)
	}
	b, err := json.Marshal(r[key])
	if err != nil {
		return ""
	}
	return string(b)
}

func (r Resource) ID() string             { return r.String("id") }
func (r Resource) URL() string            { return r.String("url") }
func (r Resource) Name() string           { return r.String("name") }
func (r Resource) Format() string         { return r.String("format") }
func (r Resource) ParentResource() string { return r.String("parent_resource") }
func (r Resource) LayerName() string      { return r.String("layer_name") }

// Copy returns a shallow copy of r.
func (r Resource) Copy() Resource {
	c := make(Resource, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

type Extra struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Tag struct {
	Name string `json:"name"`
}

// Package is the part of a catalog package used for content model
// inference.
type Package struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Extras    []Extra    `json:"extras"`
	Tags      []Tag      `json:"tags"`
	Resources []Resource `json:"resources"`
}

// Extra returns the value of the extra named key.
func (p *Package) Extra(key string) (string, bool) {
	for _, e := range p.Extras {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

func (p *Package) TagNames() []string {
	names := make([]string, 0, len(p.Tags))
	for _, t := range p.Tags {
		names = append(names, t.Name)
	}
	return names
}
