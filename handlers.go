package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ngds/geopub/catalog"
	"github.com/ngds/geopub/common/commonerr"
	"github.com/ngds/geopub/layer"
	"github.com/ngds/geopub/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	msgBadRequest     = "Bad request - JSON Error: No request body data"
	msgNotEnoughInfo  = "Not enough information to publish this resource."
	msgGenericFailure = "An error occured while processing your request, please contact your administrator."
	msgPartialFailure = "The layer was published but the catalog could not be updated, please contact your administrator."
	msgPublished      = "The resource was published as layer %s."
	msgRetracted      = "The layer of resource %s was unpublished."
	msgRetractFailure = "The layer %s could only be partially unpublished, please contact your administrator."
)

type publisher interface {
	Publish(ctx context.Context, req layer.PublishRequest) (*layer.Layer, error)
	Retract(ctx context.Context, req layer.RetractRequest) error
}

type contentModelInferrer interface {
	InferContentModel(ctx context.Context, packageID, resourceID string, models *catalog.ContentModels) (string, string, error)
}

// ogcHandler serves the publish and unpublish endpoints. Every answer is
// a JSON envelope with status 200; success says how it went.
type ogcHandler struct {
	publisher  publisher
	inferrer   contentModelInferrer
	models     *catalog.ContentModels
	userHeader string
	logger     *zap.Logger
}

type response struct {
	Success  bool        `json:"success"`
	Message  string      `json:"message"`
	Result   interface{} `json:"result,omitempty"`
	Failures []string    `json:"failures,omitempty"`
}

type layerResult struct {
	LayerName     string           `json:"layer_name"`
	Workspace     string           `json:"workspace"`
	WorkspaceName string           `json:"workspace_name"`
	Datastore     string           `json:"datastore,omitempty"`
	TableName     string           `json:"table_name,omitempty"`
	Reused        bool             `json:"reused"`
	Resource      catalog.Resource `json:"resource,omitempty"`
	WMS           catalog.Resource `json:"wms,omitempty"`
	WFS           catalog.Resource `json:"wfs,omitempty"`
}

type partialResult struct {
	LayerName string `json:"layer_name"`
	Step      string `json:"step"`
}

func isXHR(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest")
}

func formValue(r *http.Request, key string) string {
	return strings.TrimSpace(r.Form.Get(key))
}

func (h *ogcHandler) writeJSON(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate, max-age=0")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("writing response failed", zap.Error(err))
	}
}

// guard turns a panic in fn into the generic failure answer.
func (h *ogcHandler) guard(w http.ResponseWriter, fn func() response) {
	resp := response{Message: msgGenericFailure}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("handler panic", zap.Any("panic", rec), zap.Stack("stack"))
			}
		}()
		resp = fn()
	}()
	h.writeJSON(w, resp)
}

func (h *ogcHandler) publish(w http.ResponseWriter, r *http.Request) {
	h.guard(w, func() response { return h.doPublish(r) })
}

func (h *ogcHandler) doPublish(r *http.Request) response {
	if !isXHR(r) {
		return response{Message: msgBadRequest}
	}
	if err := r.ParseForm(); err != nil {
		h.logger.Info("malformed publish form", zap.Error(err))
		return response{Message: msgBadRequest}
	}
	notEnough := response{Message: msgNotEnoughInfo}

	ctx := r.Context()
	username := strings.TrimSpace(r.Header.Get(h.userHeader))
	resourceID := formValue(r, "resource_id")
	packageID := formValue(r, "package_id")
	state := formValue(r, "geoserver_state_field")
	log := h.logger.With(
		zap.String("resource_id", resourceID),
		zap.String("package_id", packageID),
		zap.String("user", username))

	if packageID == "" || resourceID == "" {
		return notEnough
	}
	layerName, version, err := h.inferrer.InferContentModel(ctx, packageID, resourceID, h.models)
	if err != nil {
		log.Info("content model unknown", zap.Error(err), zap.Bool("metadata_absent", errors.Is(err, commonerr.ErrMetadataAbsent)))
		return notEnough
	}
	if v := formValue(r, "layer_name"); v != "" {
		layerName = v
	}
	if username == "" || state == "" || layerName == "" || version == "" {
		return notEnough
	}

	req := layer.PublishRequest{
		PackageID:     packageID,
		ResourceID:    resourceID,
		WorkspaceName: layer.WorkspaceName(state, layerName),
		LayerName:     layerName,
		LayerVersion:  version,
		Username:      username,
		LatField:      formValue(r, "geoserver_lat_field"),
		LngField:      formValue(r, "geoserver_lng_field"),
	}
	info := &metrics.PublishInfo{
		ResourceID:    req.ResourceID,
		LayerName:     req.LayerName,
		WorkspaceName: req.WorkspaceName,
		User:          username,
	}
	if mc := metrics.FromContext(ctx); mc != nil {
		mc.Info.Publish = info
	}

	l, err := h.publisher.Publish(ctx, req)
	if err != nil {
		var partial *commonerr.PartialPublishError
		if errors.As(err, &partial) {
			log.Error("publish left the catalog out of sync", zap.String("step", partial.Step), zap.Error(err))
			return response{Message: msgPartialFailure, Result: partialResult{LayerName: partial.Layer, Step: partial.Step}}
		}
		if errors.Is(err, commonerr.ErrBadRequest) {
			log.Info("publish rejected", zap.Error(err))
			return notEnough
		}
		log.Error("publish failed", zap.Int("status", commonerr.HTTPStatus(err)), zap.Error(err))
		return response{Message: msgGenericFailure}
	}

	info.Ingestor = l.Ingestor
	info.LayerReused = l.Reused
	result := layerResult{
		LayerName:     l.Name,
		Workspace:     l.Workspace,
		WorkspaceName: l.WorkspaceName,
		TableName:     l.TableName,
		Reused:        l.Reused,
		Resource:      l.FileResource,
		WMS:           l.WMS,
		WFS:           l.WFS,
	}
	if l.Datastore != nil {
		result.Datastore = l.Datastore.Name
	}
	return response{Success: true, Message: fmt.Sprintf(msgPublished, l.Name), Result: result}
}

func (h *ogcHandler) unpublish(w http.ResponseWriter, r *http.Request) {
	h.guard(w, func() response { return h.doUnpublish(r) })
}

func (h *ogcHandler) doUnpublish(r *http.Request) response {
	if !isXHR(r) {
		return response{Message: msgBadRequest}
	}
	if err := r.ParseForm(); err != nil {
		return response{Message: msgBadRequest}
	}
	ctx := r.Context()
	req := layer.RetractRequest{
		ResourceID: formValue(r, "resource_id"),
		LayerName:  formValue(r, "layer_name"),
		Username:   strings.TrimSpace(r.Header.Get(h.userHeader)),
	}
	if req.ResourceID == "" || req.Username == "" {
		return response{Message: msgNotEnoughInfo}
	}
	if mc := metrics.FromContext(ctx); mc != nil {
		mc.Info.Publish = &metrics.PublishInfo{ResourceID: req.ResourceID, LayerName: req.LayerName, User: req.Username}
	}

	err := h.publisher.Retract(ctx, req)
	if err == nil {
		return response{Success: true, Message: fmt.Sprintf(msgRetracted, req.ResourceID)}
	}
	var rerr *commonerr.RetractError
	if errors.As(err, &rerr) {
		h.logger.Error("retract incomplete", zap.String("resource_id", req.ResourceID), zap.Error(err))
		failures := make([]string, 0, len(rerr.Failures))
		for _, f := range rerr.Failures {
			failures = append(failures, f.ID)
		}
		return response{Message: fmt.Sprintf(msgRetractFailure, rerr.Layer), Failures: failures}
	}
	h.logger.Error("retract failed", zap.String("resource_id", req.ResourceID), zap.Error(err))
	return response{Message: msgGenericFailure}
}
