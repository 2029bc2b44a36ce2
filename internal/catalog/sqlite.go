package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"cuip/internal/registration"
)

// Schema is the layout LoadSQLite expects. Rows flagged anchor=1 form the
// anchor list in idx order.
const Schema = `CREATE TABLE IF NOT EXISTS catalog_points (
    idx INTEGER PRIMARY KEY,
    row REAL NOT NULL,
    col REAL NOT NULL,
    anchor INTEGER NOT NULL DEFAULT 0
);`

// LoadSQLite opens a catalog database read-only and reads its points.
func LoadSQLite(path string) (Set, error) {
	if _, err := os.Stat(path); err != nil {
		return Set{}, errors.Wrap(err, "catalog database")
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return Set{}, errors.Wrap(err, "open catalog database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return Set{}, errors.Wrap(err, "catalog database ping failed")
	}

	rows, err := db.Query(`SELECT idx, row, col, anchor FROM catalog_points ORDER BY idx`)
	if err != nil {
		return Set{}, errors.Wrap(err, "query catalog points")
	}
	defer rows.Close()

	s := Set{Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}
	for rows.Next() {
		var idx, anchor int
		var p registration.Point
		if err := rows.Scan(&idx, &p.Row, &p.Col, &anchor); err != nil {
			return Set{}, errors.Wrap(err, "scan catalog point")
		}
		if idx != len(s.Points) {
			return Set{}, errors.Wrapf(registration.ErrInvalidCatalog, "catalog index %d out of sequence", idx)
		}
		s.Points = append(s.Points, p)
		if anchor != 0 {
			s.Anchors = append(s.Anchors, idx)
		}
	}
	if err := rows.Err(); err != nil {
		return Set{}, errors.Wrap(err, "read catalog points")
	}
	return s, nil
}
