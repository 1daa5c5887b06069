package opengeotiff

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	_ "modernc.org/sqlite"
)

const (
	gpkgApplicationID = 0x47504b47 // "GPKG".
	gpkgUserVersion   = 10200
	gpkgGeometryName  = "geom"
	gpkgWKTSRSID      = 100000
)

const wgs84WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AXIS["Latitude",NORTH],AXIS["Longitude",EAST],AUTHORITY["EPSG","4326"]]`

var (
	errInvalidGeometryBlob = errors.New("invalid GeoPackage geometry")
	errNoFeatureLayers     = errors.New("no feature layers")
)

const gpkgSchema = `
CREATE TABLE gpkg_spatial_ref_sys (
	srs_name                 TEXT NOT NULL,
	srs_id                   INTEGER NOT NULL PRIMARY KEY,
	organization             TEXT NOT NULL,
	organization_coordsys_id INTEGER NOT NULL,
	definition               TEXT NOT NULL,
	description              TEXT
);
CREATE TABLE gpkg_contents (
	table_name  TEXT NOT NULL PRIMARY KEY,
	data_type   TEXT NOT NULL,
	identifier  TEXT UNIQUE,
	description TEXT DEFAULT '',
	last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	min_x       DOUBLE,
	min_y       DOUBLE,
	max_x       DOUBLE,
	max_y       DOUBLE,
	srs_id      INTEGER,
	CONSTRAINT fk_gc_r_srs_id FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
);
CREATE TABLE gpkg_geometry_columns (
	table_name         TEXT NOT NULL,
	column_name        TEXT NOT NULL,
	geometry_type_name TEXT NOT NULL,
	srs_id             INTEGER NOT NULL,
	z                  TINYINT NOT NULL,
	m                  TINYINT NOT NULL,
	CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name),
	CONSTRAINT uk_gc_table_name UNIQUE (table_name),
	CONSTRAINT fk_gc_tn FOREIGN KEY (table_name) REFERENCES gpkg_contents(table_name),
	CONSTRAINT fk_gc_srs FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
);
INSERT INTO gpkg_spatial_ref_sys VALUES
	('Undefined cartesian SRS', -1, 'NONE', -1, 'undefined', 'undefined cartesian coordinate reference system'),
	('Undefined geographic SRS', 0, 'NONE', 0, 'undefined', 'undefined geographic coordinate reference system');
`

// WriteGeoPackage writes fc to a new GeoPackage at path as the single feature
// layer layer, replacing any existing file. Features have a value column.
func WriteGeoPackage(ctx context.Context, path, layer string, fc *FeatureCollection) (err error) {
	defer func() {
		if err != nil {
			err = &WriteError{Path: path, Err: err}
		}
	}()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); err == nil {
			err = closeErr
		}
	}()

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA application_id = %d; PRAGMA user_version = %d;", gpkgApplicationID, gpkgUserVersion)); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, gpkgSchema); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_spatial_ref_sys VALUES ('WGS 84 geodetic', 4326, 'EPSG', 4326, ?, 'longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid')`,
		wgs84WKT,
	); err != nil {
		return err
	}
	srsID, err := insertSRS(ctx, tx, fc.CRS)
	if err != nil {
		return err
	}

	geometryTypeName := "POLYGON"
	for _, feature := range fc.Features {
		if _, ok := feature.Geometry.(orb.MultiPolygon); ok {
			geometryTypeName = "MULTIPOLYGON"
			break
		}
	}

	var minX, minY, maxX, maxY sql.NullFloat64
	if len(fc.Features) > 0 {
		bound := fc.Bound()
		minX = sql.NullFloat64{Float64: bound.Min[0], Valid: true}
		minY = sql.NullFloat64{Float64: bound.Min[1], Valid: true}
		maxX = sql.NullFloat64{Float64: bound.Max[0], Valid: true}
		maxY = sql.NullFloat64{Float64: bound.Max[1], Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, min_x, min_y, max_x, max_y, srs_id) VALUES (?, 'features', ?, ?, ?, ?, ?, ?)`,
		layer, layer, minX, minY, maxX, maxY, srsID,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_geometry_columns VALUES (?, ?, ?, ?, 0, 0)`,
		layer, gpkgGeometryName, geometryTypeName, srsID,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE %s (fid INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL, %s %s, value INTEGER)`,
		quoteIdentifier(layer), gpkgGeometryName, geometryTypeName,
	)); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s, value) VALUES (?, ?)`, quoteIdentifier(layer), gpkgGeometryName))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, feature := range fc.Features {
		geometry := feature.Geometry
		if polygon, ok := geometry.(orb.Polygon); ok && geometryTypeName == "MULTIPOLYGON" {
			geometry = orb.MultiPolygon{polygon}
		}
		blob, err := encodeGeoPackageGeometry(geometry, srsID)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, blob, int64(feature.Value)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// insertSRS registers crs and returns its srs_id.
func insertSRS(ctx context.Context, tx *sql.Tx, crs CRS) (int32, error) {
	switch {
	case crs.EPSG == 4326:
		return 4326, nil
	case crs.EPSG != 0:
		definition, err := crs.WKT1()
		if err != nil {
			loggerFromContext(ctx).Warn("no definition for CRS", "crs", crs, "err", err)
			definition = "undefined"
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO gpkg_spatial_ref_sys VALUES (?, ?, 'EPSG', ?, ?, NULL)`,
			crs.String(), crs.EPSG, crs.EPSG, definition,
		)
		return int32(crs.EPSG), err
	case crs.WKT != "":
		_, err := tx.ExecContext(ctx,
			`INSERT INTO gpkg_spatial_ref_sys VALUES ('Unknown', ?, 'NONE', ?, ?, NULL)`,
			gpkgWKTSRSID, gpkgWKTSRSID, crs.WKT,
		)
		return gpkgWKTSRSID, err
	default:
		return -1, nil
	}
}

// ReadGeoPackage reads the first feature layer of the GeoPackage at path. A
// value column is read if present.
func ReadGeoPackage(ctx context.Context, path string) (_ *FeatureCollection, err error) {
	// Opening a missing file would create it.
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := db.Close(); err == nil {
			err = closeErr
		}
	}()

	var layer, column string
	var srsID int32
	switch err := db.QueryRowContext(ctx,
		`SELECT table_name, column_name, srs_id FROM gpkg_geometry_columns ORDER BY table_name LIMIT 1`,
	).Scan(&layer, &column, &srsID); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, errNoFeatureLayers
	case err != nil:
		return nil, err
	}

	fc := &FeatureCollection{
		Features: []Feature{},
	}
	var organization, definition string
	var organizationCoordsysID int
	if err := db.QueryRowContext(ctx,
		`SELECT organization, organization_coordsys_id, definition FROM gpkg_spatial_ref_sys WHERE srs_id = ?`, srsID,
	).Scan(&organization, &organizationCoordsysID, &definition); err != nil {
		return nil, err
	}
	switch {
	case strings.EqualFold(organization, "EPSG"):
		fc.CRS = CRS{EPSG: organizationCoordsysID}
	case definition != "undefined":
		fc.CRS = CRS{WKT: definition}
	}

	hasValue, err := hasColumn(ctx, db, layer, "value")
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY rowid`, quoteIdentifier(column), quoteIdentifier(layer))
	if hasValue {
		query = fmt.Sprintf(`SELECT %s, value FROM %s ORDER BY rowid`, quoteIdentifier(column), quoteIdentifier(layer))
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var blob []byte
		var value sql.NullInt64
		dest := []any{&blob}
		if hasValue {
			dest = append(dest, &value)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if blob == nil {
			continue
		}
		geometry, _, err := decodeGeoPackageGeometry(blob)
		if err != nil {
			return nil, err
		}
		fc.Features = append(fc.Features, Feature{
			Geometry: geometry,
			Value:    int(value.Int64),
		})
	}
	return fc, rows.Err()
}

func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdentifier(table)))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	found := false
	for rows.Next() {
		var cid, notNull, pk int
		var name, typ string
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			found = true
		}
	}
	return found, rows.Err()
}

func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// encodeGeoPackageGeometry returns g encoded as a GeoPackage geometry blob
// with an XY envelope.
func encodeGeoPackageGeometry(g orb.Geometry, srsID int32) ([]byte, error) {
	wkbData, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	const flags = 1<<1 | 1 // XY envelope, little endian.
	blob := make([]byte, 0, 8+32+len(wkbData))
	blob = append(blob, 'G', 'P', 0, flags)
	blob = binary.LittleEndian.AppendUint32(blob, uint32(srsID))
	bound := g.Bound()
	for _, v := range []float64{bound.Min[0], bound.Max[0], bound.Min[1], bound.Max[1]} {
		blob = binary.LittleEndian.AppendUint64(blob, math.Float64bits(v))
	}
	return append(blob, wkbData...), nil
}

// decodeGeoPackageGeometry decodes a GeoPackage geometry blob.
func decodeGeoPackageGeometry(blob []byte) (orb.Geometry, int32, error) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return nil, 0, errInvalidGeometryBlob
	}
	flags := blob[3]
	var byteOrder binary.ByteOrder = binary.BigEndian
	if flags&1 != 0 {
		byteOrder = binary.LittleEndian
	}
	srsID := int32(byteOrder.Uint32(blob[4:8]))
	var envelopeSize int
	switch envelope := (flags >> 1) & 0x7; envelope {
	case 0:
		envelopeSize = 0
	case 1:
		envelopeSize = 32
	case 2, 3:
		envelopeSize = 48
	case 4:
		envelopeSize = 64
	default:
		return nil, 0, fmt.Errorf("envelope %d: %w", envelope, errInvalidGeometryBlob)
	}
	if len(blob) < 8+envelopeSize {
		return nil, 0, errInvalidGeometryBlob
	}
	geometry, err := wkb.Unmarshal(blob[8+envelopeSize:])
	if err != nil {
		return nil, 0, err
	}
	return geometry, srsID, nil
}
