package storage

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// OrderArchive persists orders that reached a terminal status, for audit.
type OrderArchive interface {
	ArchiveOrder(o models.Order) error
}

type PostgresArchive struct {
	db *sql.DB
}

func NewPostgresArchive(dsn string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresArchive{db: db}, nil
}

func (p *PostgresArchive) ArchiveOrder(o models.Order) error {
	_, err := p.db.Exec(
		`INSERT INTO orders_archive(id, uid, lon, lat, pickup_time, status, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO UPDATE SET status=$6, updated_at=$8`,
		o.ID, o.UID, o.Loc.Lon, o.Loc.Lat, o.PickupTime, string(o.Status), o.Created, o.Updated)
	return err
}

func (p *PostgresArchive) Close() error { return p.db.Close() }
