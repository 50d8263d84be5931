// Package layer publishes catalog resources as GeoServer layers and keeps
// the catalog's service resources pointing at them.
package layer

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ngds/geopub/catalog"
	"github.com/ngds/geopub/common/commonerr"
	"github.com/ngds/geopub/geoserver"
	"github.com/ngds/geopub/ingest"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	protocolWMS = "OGC:WMS"
	protocolWFS = "OGC:WFS"
)

var defaultDistributor = mustJSON(map[string]string{"name": "Unknown", "email": "unknown"})

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// Options carries the settings shared by every publish.
type Options struct {
	// SiteURL is the public base URL of the catalog; service resources
	// point at its capability proxy.
	SiteURL string
	// TempDir is where ingestors stage downloads.
	TempDir string
}

// Publisher is the layer orchestrator.
type Publisher struct {
	catalog   catalog.API
	geoserver geoserver.API
	fetcher   ingest.Fetcher
	store     ingest.Store
	opts      Options
	locks     *keyedMutex
	logger    *zap.Logger
}

func NewPublisher(cat catalog.API, gs geoserver.API, fetcher ingest.Fetcher, store ingest.Store, opts Options, logger *zap.Logger) *Publisher {
	return &Publisher{
		catalog:   cat,
		geoserver: gs,
		fetcher:   fetcher,
		store:     store,
		opts:      opts,
		locks:     newKeyedMutex(),
		logger:    logger.Named("layer"),
	}
}

type PublishRequest struct {
	PackageID     string
	ResourceID    string
	WorkspaceName string
	LayerName     string
	LayerVersion  string
	Username      string
	// Store and Workspace override the datastore; empty selects the
	// default store in WorkspaceName.
	Store     string
	Workspace string
	LatField  string
	LngField  string
}

func (r PublishRequest) validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"package_id", r.PackageID},
		{"resource_id", r.ResourceID},
		{"workspace_name", r.WorkspaceName},
		{"layer_name", r.LayerName},
		{"layer_version", r.LayerVersion},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return commonerr.NewBadRequestError("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Layer is the outcome of a publish.
type Layer struct {
	Name          string
	Workspace     string
	WorkspaceName string
	Datastore     *geoserver.Datastore
	TableName     string
	Ingestor      string
	// Reused is set when the map server already had the layer.
	Reused       bool
	FileResource catalog.Resource
	WMS          catalog.Resource
	WFS          catalog.Resource
}

// Publish ingests the resource's file, makes sure the map server has a
// layer for it, and records the WMS and WFS endpoints in the catalog.
//
// The file format and the coordinate fields are checked before the map
// server is contacted. Once the layer exists, a catalog failure is
// reported as a *commonerr.PartialPublishError. Publishing again with
// the same request reuses the layer and updates the service resources in
// place.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (*Layer, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	unlock := p.locks.Lock(req.LayerName)
	defer unlock()

	log := p.logger.With(
		zap.String("layer", req.LayerName),
		zap.String("workspace_name", req.WorkspaceName),
		zap.String("resource_id", req.ResourceID),
		zap.String("user", req.Username))

	fileResource, err := p.catalog.ResourceShow(ctx, req.ResourceID)
	if err != nil {
		return nil, errors.Wrapf(err, "resource %s", req.ResourceID)
	}

	ing, err := ingest.Select(fileResource.URL(), fileResource.ID(), ingest.Options{
		Fetcher:  p.fetcher,
		Store:    p.store,
		LatField: req.LatField,
		LngField: req.LngField,
		TempDir:  p.opts.TempDir,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	ds, err := p.geoserver.GetDatastore(ctx, req.Workspace, req.Store, req.WorkspaceName, req.LayerVersion)
	if err != nil {
		return nil, errors.Wrap(err, "resolve datastore")
	}

	if err := ing.Publish(ctx); err != nil {
		return nil, err
	}

	gl, reused, err := p.ensureLayer(ctx, ds, req, ing.TableName())
	if err != nil {
		return nil, err
	}
	log.Info("layer ready", zap.String("workspace", gl.Workspace), zap.Bool("reused", reused))

	result := &Layer{
		Name:          req.LayerName,
		Workspace:     ds.Workspace,
		WorkspaceName: req.WorkspaceName,
		Datastore:     ds,
		TableName:     ing.TableName(),
		Ingestor:      ingestorName(ing),
		Reused:        reused,
	}

	annotated := fileResource.Copy()
	annotated["layer_name"] = req.LayerName
	updated, err := p.catalog.ResourceUpdate(ctx, annotated)
	if err != nil {
		return nil, p.partial(log, req.LayerName, "resource_update", err)
	}
	if updated == nil {
		updated = annotated
	}
	result.FileResource = updated

	if err := p.syncServiceResources(ctx, req, ds, result); err != nil {
		return nil, err
	}
	log.Info("layer published",
		zap.String("wms", result.WMS.ID()),
		zap.String("wfs", result.WFS.ID()))
	return result, nil
}

func ingestorName(ing ingest.Ingestor) string {
	switch ing.(type) {
	case *ingest.ShapefileIngestor:
		return "shapefile"
	case *ingest.DatastoreCsvIngestor:
		return "csv"
	}
	return ""
}

// ensureLayer returns the map server layer for the request, creating the
// feature type unless a layer of that name already lives in the request's
// workspace. Layer lookup is global by name, so a same-named layer in
// another workspace leads to a new feature type here.
func (p *Publisher) ensureLayer(ctx context.Context, ds *geoserver.Datastore, req PublishRequest, nativeName string) (*geoserver.Layer, bool, error) {
	existing, err := p.geoserver.GetLayer(ctx, req.LayerName)
	if err != nil {
		return nil, false, errors.Wrap(err, "look up layer")
	}
	if existing != nil && existing.Workspace == req.WorkspaceName {
		return existing, true, nil
	}

	status, body, err := p.geoserver.CreateFeatureType(ctx, ds, req.LayerName, nativeName)
	if err != nil {
		return nil, false, errors.Wrap(err, "create feature type")
	}
	if status < 200 || status > 299 {
		return nil, false, &commonerr.LayerCreationError{Layer: req.LayerName, Status: status, Body: string(body)}
	}

	created, err := p.geoserver.GetLayer(ctx, req.LayerName)
	if err != nil {
		return nil, false, errors.Wrap(err, "look up created layer")
	}
	if created == nil {
		created = &geoserver.Layer{Name: req.LayerName, Workspace: ds.Workspace}
	}
	return created, false, nil
}

func (p *Publisher) partial(log *zap.Logger, layerName, step string, err error) error {
	log.Error("layer published but catalog is out of sync", zap.String("step", step), zap.Error(err))
	return &commonerr.PartialPublishError{Layer: layerName, Step: step, Err: err}
}

// serviceResource builds the catalog record for one OGC service of the
// layer.
func (p *Publisher) serviceResource(req PublishRequest, ds *geoserver.Datastore, file catalog.Resource, protocol, service, version string) catalog.Resource {
	capURL := CapabilitiesURL(p.geoserver.ServiceURL(), ds.Workspace, req.LayerName, service, version)
	distributor := file.String("distributor")
	if distributor == "" {
		distributor = defaultDistributor
	}
	return catalog.Resource{
		"package_id":      req.PackageID,
		"parent_resource": file.ID(),
		"url":             PublicURL(p.opts.SiteURL, capURL, req.WorkspaceName),
		"url_ogc":         capURL,
		"description":     service + " for " + file.Name(),
		"distributor":     distributor,
		"protocol":        protocol,
		"format":          protocol,
		"feature_type":    ds.Workspace + ":" + req.LayerName,
		"layer":           req.LayerName,
		"resource_format": "data-service",
	}
}

// syncServiceResources creates the WMS and WFS resources of the layer, or
// updates the ones a previous publish left behind.
func (p *Publisher) syncServiceResources(ctx context.Context, req PublishRequest, ds *geoserver.Datastore, result *Layer) error {
	log := p.logger.With(zap.String("layer", req.LayerName))
	children, err := p.catalog.ResourceSearch(ctx, "parent_resource:"+result.FileResource.ID())
	if err != nil {
		return p.partial(log, req.LayerName, "resource_search", err)
	}

	for _, svc := range []struct {
		protocol, service, version string
		target                     *catalog.Resource
	}{
		{protocolWMS, "WMS", WMSVersion, &result.WMS},
		{protocolWFS, "WFS", WFSVersion, &result.WFS},
	} {
		want := p.serviceResource(req, ds, result.FileResource, svc.protocol, svc.service, svc.version)

		var existing catalog.Resource
		for _, c := range children {
			if c.Format() == svc.protocol {
				existing = c
				break
			}
		}

		var saved catalog.Resource
		if existing != nil {
			merged := existing.Copy()
			for k, v := range want {
				merged[k] = v
			}
			saved, err = p.catalog.ResourceUpdate(ctx, merged)
			if err != nil {
				return p.partial(log, req.LayerName, "resource_update "+svc.service, err)
			}
			if saved == nil {
				saved = merged
			}
		} else {
			saved, err = p.catalog.ResourceCreate(ctx, want)
			if err != nil {
				return p.partial(log, req.LayerName, "resource_create "+svc.service, err)
			}
			if saved == nil {
				saved = want
			}
		}
		*svc.target = saved
	}
	return nil
}

type RetractRequest struct {
	LayerName string
	// FileResource is the published resource. When nil it is read from
	// the catalog by ResourceID.
	FileResource catalog.Resource
	ResourceID   string
	Username     string
}

// Retract removes the layer from the map server and its traces from the
// catalog. It keeps going after individual failures and reports them all
// in a *commonerr.RetractError. A layer that is already gone is not an
// error.
func (p *Publisher) Retract(ctx context.Context, req RetractRequest) error {
	file := req.FileResource
	if file == nil {
		if req.ResourceID == "" {
			return commonerr.NewBadRequestError("missing resource_id")
		}
		var err error
		file, err = p.catalog.ResourceShow(ctx, req.ResourceID)
		if err != nil {
			return errors.Wrapf(err, "resource %s", req.ResourceID)
		}
	}
	name := req.LayerName
	if name == "" {
		name = file.LayerName()
	}

	if name != "" {
		unlock := p.locks.Lock(name)
		defer unlock()
	}
	log := p.logger.With(zap.String("layer", name), zap.String("resource_id", file.ID()), zap.String("user", req.Username))

	var failures []commonerr.ItemFailure
	var errs error
	fail := func(id string, err error) {
		log.Warn("retract step failed", zap.String("item", id), zap.Error(err))
		failures = append(failures, commonerr.ItemFailure{ID: id, Err: err})
		errs = multierr.Append(errs, err)
	}

	if name != "" {
		gl, err := p.geoserver.GetLayer(ctx, name)
		switch {
		case err != nil:
			fail("layer:"+name, err)
		case gl != nil:
			if err := p.geoserver.DeleteLayer(ctx, gl, true, true); err != nil {
				fail("layer:"+name, err)
			} else {
				log.Info("layer deleted", zap.String("workspace", gl.Workspace))
			}
		}
	}

	cleared := file.Copy()
	delete(cleared, "layer_name")
	if _, err := p.catalog.ResourceUpdate(ctx, cleared); err != nil {
		fail(file.ID(), err)
	}

	children, err := p.catalog.ResourceSearch(ctx, "parent_resource:"+file.ID())
	if err != nil {
		fail("children:"+file.ID(), err)
	}
	for _, c := range children {
		if err := p.catalog.ResourceDelete(ctx, c.ID()); err != nil {
			fail(c.ID(), err)
		}
	}

	if len(failures) > 0 {
		return &commonerr.RetractError{Layer: name, Failures: failures, Err: errs}
	}
	log.Info("layer retracted", zap.Int("service_resources", len(children)))
	return nil
}
