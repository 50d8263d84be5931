package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const utf8BOM = "\ufeff"

// DatastoreCsvIngestor loads a CSV file with latitude and longitude
// columns into a point table named after the resource id.
type DatastoreCsvIngestor struct {
	sourceURL  string
	resourceID string
	opts       Options
}

func (d *DatastoreCsvIngestor) TableName() string {
	return d.resourceID
}

func (d *DatastoreCsvIngestor) Publish(ctx context.Context) error {
	body, err := d.opts.Fetcher.Fetch(ctx, d.sourceURL)
	if err != nil {
		return ingestionFailed(err, "download %s", d.sourceURL)
	}
	defer body.Close()

	r := csv.NewReader(body)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return ingestionFailed(err, "read CSV header of %s", d.sourceURL)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}

	columns := uniqueColumns(header, "fid", "the_geom")
	lat, ok := findColumn(header, columns, d.opts.LatField)
	if !ok {
		return ingestionFailed(errors.Errorf("no column %q", d.opts.LatField), "latitude field")
	}
	lng, ok := findColumn(header, columns, d.opts.LngField)
	if !ok {
		return ingestionFailed(errors.Errorf("no column %q", d.opts.LngField), "longitude field")
	}

	rows := &csvRows{r: r, width: len(columns)}
	if err := d.opts.Store.LoadPoints(ctx, d.resourceID, columns, rows, lat, lng); err != nil {
		return ingestionFailed(err, "load %s", d.resourceID)
	}
	d.opts.Logger.Info("loaded CSV",
		zap.String("table", d.resourceID),
		zap.Int("rows", rows.n),
		zap.String("lat", lat),
		zap.String("lng", lng))
	return nil
}

// findColumn maps a requested field onto the column created for it,
// matching the header exactly first and then ignoring case.
func findColumn(header, columns []string, field string) (string, bool) {
	field = strings.TrimSpace(field)
	for i, h := range header {
		if strings.TrimSpace(h) == field {
			return columns[i], true
		}
	}
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), field) {
			return columns[i], true
		}
	}
	return "", false
}

// csvRows pads or truncates records to the header width.
type csvRows struct {
	r     *csv.Reader
	width int
	n     int
}

func (c *csvRows) Read() ([]string, error) {
	for {
		rec, err := c.r.Read()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, errors.Wrapf(err, "CSV row %d", c.n+2)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		c.n++
		if len(rec) == c.width {
			return rec, nil
		}
		row := make([]string, c.width)
		copy(row, rec)
		return row, nil
	}
}
