package ingest

import (
	"archive/zip"
	"context"
	"io"
	"io/ioutil"
	"os"
	"path"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ShapefileIngestor loads a zipped shapefile into a table named after the
// .shp entry of the archive.
type ShapefileIngestor struct {
	sourceURL string
	opts      Options
	table     string
}

func (s *ShapefileIngestor) TableName() string {
	return s.table
}

func (s *ShapefileIngestor) Publish(ctx context.Context) error {
	archive, err := s.download(ctx)
	if err != nil {
		return ingestionFailed(err, "download %s", s.sourceURL)
	}
	defer os.Remove(archive)

	entry, err := shapeEntry(archive)
	if err != nil {
		return ingestionFailed(err, "inspect %s", s.sourceURL)
	}
	table := sanitizeIdentifier(strings.TrimSuffix(path.Base(entry), path.Ext(entry)))

	zr, err := shp.OpenShapeFromZip(archive, entry)
	if err != nil {
		return ingestionFailed(err, "open %s", entry)
	}
	defer zr.Close()

	fields := zr.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = sanitizeIdentifier(f.String())
	}
	columns := uniqueColumns(names, "fid", "the_geom", wktColumn)

	rows := &shapeRows{zr: zr, width: len(fields)}
	if err := s.opts.Store.LoadGeometries(ctx, table, columns, rows); err != nil {
		return ingestionFailed(err, "load %s", table)
	}
	s.table = table
	s.opts.Logger.Info("loaded shapefile",
		zap.String("entry", entry),
		zap.String("table", table),
		zap.Int("rows", rows.n))
	return nil
}

func (s *ShapefileIngestor) download(ctx context.Context) (string, error) {
	body, err := s.opts.Fetcher.Fetch(ctx, s.sourceURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	f, err := ioutil.TempFile(s.opts.TempDir, "geopub-*.zip")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// shapeEntry returns the only .shp entry of the archive. Its .dbf
// companion must be present too.
func shapeEntry(archive string) (string, error) {
	z, err := zip.OpenReader(archive)
	if err != nil {
		return "", err
	}
	defer z.Close()

	names := map[string]bool{}
	var shapes []string
	for _, f := range z.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") || strings.HasPrefix(path.Base(f.Name), ".") {
			continue
		}
		names[f.Name] = true
		if strings.HasSuffix(f.Name, ".shp") {
			shapes = append(shapes, f.Name)
		}
	}
	switch len(shapes) {
	case 0:
		return "", errors.New("archive does not contain a .shp file")
	case 1:
	default:
		return "", errors.Errorf("archive contains %d .shp files, expected one", len(shapes))
	}
	if !names[strings.TrimSuffix(shapes[0], ".shp")+".dbf"] {
		return "", errors.Errorf("%s has no .dbf attribute table", shapes[0])
	}
	return shapes[0], nil
}

type shapeRows struct {
	zr    *shp.ZipReader
	width int
	n     int
}

func (r *shapeRows) Read() ([]string, error) {
	if !r.zr.Next() {
		if err := r.zr.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	_, shape := r.zr.Shape()
	wkt, err := shapeWKT(shape)
	if err != nil {
		return nil, errors.Wrapf(err, "record %d", r.n+1)
	}
	row := make([]string, r.width+1)
	for i := 0; i < r.width; i++ {
		row[i] = r.zr.Attribute(i)
	}
	row[r.width] = wkt
	r.n++
	return row, nil
}
