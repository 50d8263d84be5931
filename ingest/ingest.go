// Package ingest loads catalog files into the PostGIS tables that back
// published layers.
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/ngds/geopub/common/commonerr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Ingestor loads one source file into a datastore table.
type Ingestor interface {
	// Publish loads the file. Errors match commonerr.ErrIngestionFailed.
	Publish(ctx context.Context) error
	// TableName is the datastore table holding the data. For some
	// ingestors it is only known once Publish has succeeded.
	TableName() string
}

// Fetcher downloads source files.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// RowReader yields table rows; Read returns io.EOF after the last row.
type RowReader interface {
	Read() ([]string, error)
}

// Store replaces a table with the given rows and derives its geometry.
type Store interface {
	// LoadPoints builds Point geometries from the lat and lng columns.
	LoadPoints(ctx context.Context, table string, columns []string, rows RowReader, latField, lngField string) error
	// LoadGeometries expects each row to carry one WKT value after the
	// attribute columns.
	LoadGeometries(ctx context.Context, table string, columns []string, rows RowReader) error
}

type Options struct {
	Fetcher  Fetcher
	Store    Store
	LatField string
	LngField string
	// TempDir holds downloaded archives; empty means the system default.
	TempDir string
	Logger  *zap.Logger
}

// Select picks the ingestor for sourceURL from the extension of its path.
// Unknown extensions fail with commonerr.ErrUnsupportedFormat and a CSV
// without both coordinate columns fails with commonerr.ErrIngestionFailed,
// both without any network activity.
func Select(sourceURL, resourceID string, opts Options) (Ingestor, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	p := sourceURL
	if u, err := url.Parse(sourceURL); err == nil {
		p = u.Path
	}

	switch strings.ToLower(path.Ext(p)) {
	case ".zip":
		return &ShapefileIngestor{sourceURL: sourceURL, opts: opts}, nil
	case ".csv":
		if strings.TrimSpace(opts.LatField) == "" || strings.TrimSpace(opts.LngField) == "" {
			return nil, errors.Wrap(commonerr.ErrIngestionFailed, "a latitude and a longitude field are required for CSV data")
		}
		return &DatastoreCsvIngestor{sourceURL: sourceURL, resourceID: resourceID, opts: opts}, nil
	}
	return nil, errors.Wrapf(commonerr.ErrUnsupportedFormat, "%s", sourceURL)
}

func ingestionFailed(err error, format string, args ...interface{}) error {
	return errors.Wrapf(commonerr.ErrIngestionFailed, "%s: %v", fmt.Sprintf(format, args...), err)
}

// uniqueColumns returns usable column names for header: blanks are
// named column_<n>, and names that repeat (case-insensitively) or clash
// with reserved get a numeric suffix.
func uniqueColumns(header []string, reserved ...string) []string {
	seen := map[string]bool{}
	for _, r := range reserved {
		seen[strings.ToLower(r)] = true
	}
	out := make([]string, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		candidate := name
		for n := 1; seen[strings.ToLower(candidate)]; n++ {
			candidate = fmt.Sprintf("%s_%d", name, n)
		}
		seen[strings.ToLower(candidate)] = true
		out[i] = candidate
	}
	return out
}

// sanitizeIdentifier lower-cases name and keeps it to the characters
// GeoServer and PostgreSQL accept unquoted.
func sanitizeIdentifier(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" || (s[0] >= '0' && s[0] <= '9') {
		s = "t_" + s
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}
