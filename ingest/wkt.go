package ingest

import (
	"strings"

	"github.com/jonas-p/go-shp"
	geo "github.com/nci/geometry"
	"github.com/pkg/errors"
)

// shapeWKT renders a shapefile record as 2D WKT. Null shapes yield "".
// Polylines become MULTILINESTRING and polygons MULTIPOLYGON.
func shapeWKT(s shp.Shape) (string, error) {
	switch g := s.(type) {
	case nil, *shp.Null:
		return "", nil
	case *shp.Point:
		return toPoint(*g).MarshalWKT(), nil
	case *shp.PointZ:
		return toPoint(shp.Point{X: g.X, Y: g.Y}).MarshalWKT(), nil
	case *shp.PointM:
		return toPoint(shp.Point{X: g.X, Y: g.Y}).MarshalWKT(), nil
	case *shp.MultiPoint:
		return multiPoint(g.Points), nil
	case *shp.MultiPointZ:
		return multiPoint(g.Points), nil
	case *shp.MultiPointM:
		return multiPoint(g.Points), nil
	case *shp.PolyLine:
		return multiLine(g.Parts, g.Points), nil
	case *shp.PolyLineZ:
		return multiLine(g.Parts, g.Points), nil
	case *shp.PolyLineM:
		return multiLine(g.Parts, g.Points), nil
	case *shp.Polygon:
		return multiPolygon(g.Parts, g.Points), nil
	case *shp.PolygonZ:
		return multiPolygon(g.Parts, g.Points), nil
	case *shp.PolygonM:
		return multiPolygon(g.Parts, g.Points), nil
	}
	return "", errors.Errorf("unsupported shape type %T", s)
}

func toPoint(p shp.Point) *geo.Point {
	return &geo.Point{X: p.X, Y: p.Y}
}

func toLineString(points []shp.Point) geo.LineString {
	ls := make(geo.LineString, len(points))
	for i, p := range points {
		ls[i] = geo.Point{X: p.X, Y: p.Y}
	}
	return ls
}

// geometry has no multi point or multi line type; members are rendered
// with its Point and LineString encoders.
func multiPoint(points []shp.Point) string {
	if len(points) == 0 {
		return ""
	}
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = "(" + toPoint(p).WKT() + ")"
	}
	return "MULTIPOINT (" + strings.Join(parts, ",") + ")"
}

// split cuts points into the parts starting at the given offsets.
func split(offsets []int32, points []shp.Point) [][]shp.Point {
	var out [][]shp.Point
	for i, start := range offsets {
		end := int32(len(points))
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		if start < 0 || start > end || end > int32(len(points)) {
			continue
		}
		out = append(out, points[start:end])
	}
	return out
}

func multiLine(offsets []int32, points []shp.Point) string {
	var lines []string
	for _, part := range split(offsets, points) {
		if len(part) < 2 {
			continue
		}
		lines = append(lines, toLineString(part).WKT())
	}
	if len(lines) == 0 {
		return ""
	}
	return "MULTILINESTRING (" + strings.Join(lines, ",") + ")"
}

// signedArea is positive for counter-clockwise rings.
func signedArea(ring []shp.Point) float64 {
	var a float64
	for i := 0; i+1 < len(ring); i++ {
		a += ring[i].X*ring[i+1].Y - ring[i+1].X*ring[i].Y
	}
	return a / 2
}

// toRing drops the closing point; geo.LinearRing closes rings when encoding.
func toRing(closed []shp.Point) geo.LinearRing {
	return geo.LinearRing(toLineString(closed[:len(closed)-1]))
}

// multiPolygon groups rings into polygons: a clockwise ring starts a new
// polygon and the counter-clockwise rings after it are its holes.
func multiPolygon(offsets []int32, points []shp.Point) string {
	var mp geo.MultiPolygon
	for _, ring := range split(offsets, points) {
		if len(ring) < 3 {
			continue
		}
		if ring[0] != ring[len(ring)-1] {
			ring = append(append([]shp.Point{}, ring...), ring[0])
		}
		if signedArea(ring) <= 0 || len(mp) == 0 {
			mp = append(mp, geo.Polygon{toRing(ring)})
			continue
		}
		last := len(mp) - 1
		mp[last] = append(mp[last], toRing(ring))
	}
	if len(mp) == 0 {
		return ""
	}
	return mp.MarshalWKT()
}
