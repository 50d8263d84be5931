package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/ngds/geopub/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	geomColumn = "the_geom"
	wktColumn  = "wkt_geom"

	// numericPattern matches the text a double precision cast accepts,
	// leaving out NaN and Infinity.
	numericPattern = `^[-+]?([0-9]+\.?[0-9]*|\.[0-9]+)([eE][-+]?[0-9]+)?$`
)

// PostGIS is a Store backed by a PostgreSQL database with the PostGIS
// extension. Every load replaces the target table in one transaction.
type PostGIS struct {
	db     *sql.DB
	schema string
	srid   int
	logger *zap.Logger
}

func OpenPostGIS(cfg utils.DatastoreConfig, logger *zap.Logger) (*PostGIS, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN())
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPostGIS(db, cfg.Schema, cfg.SRID, logger), nil
}

func NewPostGIS(db *sql.DB, schema string, srid int, logger *zap.Logger) *PostGIS {
	return &PostGIS{db: db, schema: schema, srid: srid, logger: logger.Named("postgis")}
}

func (p *PostGIS) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostGIS) Close() error {
	return p.db.Close()
}

func (p *PostGIS) LoadPoints(ctx context.Context, table string, columns []string, rows RowReader, latField, lngField string) error {
	return p.load(ctx, table, columns, rows, pointStatements(p.schema, table, latField, lngField, p.srid))
}

func (p *PostGIS) LoadGeometries(ctx context.Context, table string, columns []string, rows RowReader) error {
	all := append(append([]string{}, columns...), wktColumn)
	return p.load(ctx, table, all, rows, geometryStatements(p.schema, table, p.srid))
}

func (p *PostGIS) load(ctx context.Context, table string, columns []string, rows RowReader, geometry []string) (err error) {
	t0 := time.Now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, stmt := range createStatements(p.schema, table, columns) {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "exec %q", stmt)
		}
	}

	copyStmt, err := tx.PrepareContext(ctx, pq.CopyInSchema(p.schema, table, columns...))
	if err != nil {
		return errors.Wrap(err, "prepare copy")
	}
	n := 0
	for {
		row, rerr := rows.Read()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			copyStmt.Close()
			return rerr
		}
		args := make([]interface{}, len(columns))
		for i := range args {
			if i < len(row) {
				args[i] = row[i]
			}
		}
		if _, err = copyStmt.ExecContext(ctx, args...); err != nil {
			copyStmt.Close()
			return errors.Wrapf(err, "copy row %d", n+1)
		}
		n++
	}
	if _, err = copyStmt.ExecContext(ctx); err != nil {
		copyStmt.Close()
		return errors.Wrap(err, "flush copy")
	}
	if err = copyStmt.Close(); err != nil {
		return errors.Wrap(err, "close copy")
	}

	for _, stmt := range geometry {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "exec %q", stmt)
		}
	}
	var skipped int
	if err = tx.QueryRowContext(ctx, nullGeometryCount(p.schema, table)).Scan(&skipped); err != nil {
		return errors.Wrap(err, "count rows without geometry")
	}
	if skipped > 0 {
		p.logger.Warn("rows without geometry",
			zap.String("table", table),
			zap.Int("rows", skipped))
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	p.logger.Info("table loaded",
		zap.String("schema", p.schema),
		zap.String("table", table),
		zap.Int("rows", n),
		zap.Duration("duration", time.Since(t0)))
	return nil
}

func qualified(schema, table string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

func createStatements(schema, table string, columns []string) []string {
	defs := []string{"fid serial PRIMARY KEY"}
	for _, c := range columns {
		defs = append(defs, pq.QuoteIdentifier(c)+" text")
	}
	t := qualified(schema, table)
	return []string{
		"DROP TABLE IF EXISTS " + t,
		fmt.Sprintf("CREATE TABLE %s (%s)", t, strings.Join(defs, ", ")),
	}
}

// toDouble casts a text column to double precision. Blank and non-numeric
// values become NULL, so the row is kept without a geometry.
func toDouble(column string) string {
	c := "trim(" + pq.QuoteIdentifier(column) + ")"
	return fmt.Sprintf("CASE WHEN %s ~ '%s' THEN %s::double precision END", c, numericPattern, c)
}

func nullGeometryCount(schema, table string) string {
	return fmt.Sprintf("SELECT count(*) FROM %s WHERE %s IS NULL", qualified(schema, table), geomColumn)
}

func pointStatements(schema, table, latField, lngField string, srid int) []string {
	t := qualified(schema, table)
	return []string{
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s geometry(Point, %d)", t, geomColumn, srid),
		fmt.Sprintf("UPDATE %s SET %s = ST_SetSRID(ST_MakePoint(%s, %s), %d)",
			t, geomColumn, toDouble(lngField), toDouble(latField), srid),
		spatialIndex(table, t),
	}
}

func geometryStatements(schema, table string, srid int) []string {
	t := qualified(schema, table)
	wkt := pq.QuoteIdentifier(wktColumn)
	return []string{
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s geometry(Geometry, %d)", t, geomColumn, srid),
		fmt.Sprintf("UPDATE %s SET %s = ST_GeomFromText(NULLIF(%s, ''), %d)", t, geomColumn, wkt, srid),
		fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", t, wkt),
		spatialIndex(table, t),
	}
}

func spatialIndex(table, qualifiedTable string) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s USING GIST (%s)",
		pq.QuoteIdentifier(sanitizeIdentifier(table+"_geom_idx")), qualifiedTable, geomColumn)
}
