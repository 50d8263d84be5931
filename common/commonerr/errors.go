// Package commonerr defines the errors shared by the publishing pipeline
// and the OGC proxy.
package commonerr

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrBadRequest occurs when a required input is missing or malformed.
	ErrBadRequest = errors.New("bad request")

	// ErrResourceNotFound occurs when the catalog has no record for an id.
	ErrResourceNotFound = errors.New("the resource cannot be found")

	// ErrUnsupportedFormat occurs when a file cannot be spatialized.
	ErrUnsupportedFormat = errors.New("only CSV and Shapefile data can be spatialized")

	// ErrIngestionFailed occurs when loading a file into the datastore fails.
	ErrIngestionFailed = errors.New("spatialization failed")

	// ErrLayerCreationFailed occurs when the map server refuses a feature type.
	ErrLayerCreationFailed = errors.New("geoserver layer creation failed")

	// ErrUpstreamUnavailable occurs when the map server or the catalog cannot be reached.
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")

	// ErrPartialPublishFailure occurs when a layer exists on the map server
	// but the catalog records pointing at it could not be written.
	ErrPartialPublishFailure = errors.New("layer published but catalog resources are out of sync")

	// ErrMetadataAbsent occurs when a package carries no content model information.
	ErrMetadataAbsent = errors.New("package has no content model metadata")

	// ErrMalformedMetadata occurs when the content model metadata cannot be decoded.
	ErrMalformedMetadata = errors.New("package content model metadata is malformed")
)

// NewBadRequestError returns an error matching ErrBadRequest with the given message.
func NewBadRequestError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrBadRequest, format, args...)
}

// LayerCreationError carries the map server's answer to a refused
// feature type creation.
type LayerCreationError struct {
	Layer  string
	Status int
	Body   string
}

func (e *LayerCreationError) Error() string {
	return fmt.Sprintf("%v: %d -- %s", ErrLayerCreationFailed, e.Status, e.Body)
}

func (e *LayerCreationError) Is(target error) bool {
	return target == ErrLayerCreationFailed
}

// PartialPublishError reports a publish that stopped after the layer was
// created on the map server. Step names the catalog operation that failed.
type PartialPublishError struct {
	Layer string
	Step  string
	Err   error
}

func (e *PartialPublishError) Error() string {
	return fmt.Sprintf("%v: layer %q, step %s: %v", ErrPartialPublishFailure, e.Layer, e.Step, e.Err)
}

func (e *PartialPublishError) Is(target error) bool {
	return target == ErrPartialPublishFailure
}

func (e *PartialPublishError) Unwrap() error {
	return e.Err
}

// ItemFailure is one resource that could not be removed during a retract.
type ItemFailure struct {
	ID  string
	Err error
}

// RetractError accumulates the per-item failures of a best-effort retract.
type RetractError struct {
	Layer    string
	Failures []ItemFailure
	Err      error
}

func (e *RetractError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.ID)
	}
	return fmt.Sprintf("retract of layer %q incomplete, failed items [%s]: %v", e.Layer, strings.Join(ids, ", "), e.Err)
}

func (e *RetractError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps an error onto the status code reported to HTTP clients.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrUnsupportedFormat),
		errors.Is(err, ErrMetadataAbsent),
		errors.Is(err, ErrMalformedMetadata):
		return http.StatusBadRequest
	case errors.Is(err, ErrResourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
