package ingest

import (
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeWKT(t *testing.T) {
	square := []shp.Point{{X: 0, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 0}}
	hole := []shp.Point{{X: 2, Y: 2}, {X: 4, Y: 2}, {X: 4, Y: 4}, {X: 2, Y: 4}}
	second := []shp.Point{{X: 20, Y: 20}, {X: 20, Y: 30}, {X: 30, Y: 30}, {X: 20, Y: 20}}

	tests := []struct {
		name  string
		shape shp.Shape
		want  string
	}{
		{"null", &shp.Null{}, ""},
		{"point", &shp.Point{X: -119.25, Y: 38.5}, "POINT (-119.25 38.5)"},
		{"pointz", &shp.PointZ{X: 1, Y: 2, Z: 3}, "POINT (1 2)"},
		{"projected point", &shp.Point{X: 500000.125, Y: 4200000}, "POINT (500000.125 4.2e+06)"},
		{"multipoint", &shp.MultiPoint{Points: []shp.Point{{X: 1, Y: 2}, {X: 3, Y: 4}}}, "MULTIPOINT ((1 2),(3 4))"},
		{"empty multipoint", &shp.MultiPoint{}, ""},
		{"polyline", &shp.PolyLine{
			Parts:  []int32{0, 2},
			Points: []shp.Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}},
		}, "MULTILINESTRING ((0 0,1 1),(2 2,3 3))"},
		{"polygon with hole", &shp.Polygon{
			Parts:  []int32{0, 5},
			Points: append(append([]shp.Point{}, square...), hole...),
		}, "MULTIPOLYGON (((0 0,0 10,10 10,10 0,0 0),(2 2,4 2,4 4,2 4,2 2)))"},
		{"two polygons", &shp.Polygon{
			Parts:  []int32{0, 5},
			Points: append(append([]shp.Point{}, square...), second...),
		}, "MULTIPOLYGON (((0 0,0 10,10 10,10 0,0 0)),((20 20,20 30,30 30,20 20)))"},
		{"short parts dropped", &shp.PolyLine{
			Parts:  []int32{0, 1},
			Points: []shp.Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}},
		}, "MULTILINESTRING ((1 1,2 2))"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := shapeWKT(tt.shape)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := shapeWKT(&shp.MultiPatch{})
	assert.Error(t, err)
}
