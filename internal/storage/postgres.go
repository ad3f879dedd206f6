package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/nearby-dispatch/internal/models"
)

// PostgresStore implements RequestStore and ProviderStore on lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	services, err := json.Marshal(r.Services)
	if err != nil {
		return fmt.Errorf("marshal services: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO service_requests(id, requester_id, services, origin_lat, origin_lon, status, search_attempts, otp_verified, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.RequesterID, services, r.Origin.Lat, r.Origin.Lon, r.Status, r.SearchAttempts, r.OTPVerified, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) FindRequestByID(ctx context.Context, id string) (*models.ServiceRequest, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, requester_id, services, origin_lat, origin_lon, status, COALESCE(provider_id, ''),
		        provider_lat, provider_lon, search_attempts, otp_verified, created_at, updated_at
		 FROM service_requests WHERE id=$1`, id)
	var (
		r        models.ServiceRequest
		services []byte
		plat     sql.NullFloat64
		plon     sql.NullFloat64
	)
	err := row.Scan(&r.ID, &r.RequesterID, &services, &r.Origin.Lat, &r.Origin.Lon, &r.Status, &r.ProviderID,
		&plat, &plon, &r.SearchAttempts, &r.OTPVerified, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(services) > 0 {
		if err := json.Unmarshal(services, &r.Services); err != nil {
			return nil, fmt.Errorf("unmarshal services: %w", err)
		}
	}
	if plat.Valid && plon.Valid {
		r.ProviderLoc = &models.Coord{Lat: plat.Float64, Lon: plon.Float64}
	}
	return &r, nil
}

func (p *PostgresStore) SetCandidates(ctx context.Context, id string, cands []models.Candidate) error {
	b, err := json.Marshal(cands)
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`UPDATE service_requests SET available_providers=$1, status=$2, updated_at=$3 WHERE id=$4`,
		b, models.StatusSearching, time.Now(), id)
	return err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.Status, attempts int) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE service_requests SET status=$1, search_attempts=$2, updated_at=$3 WHERE id=$4`,
		status, attempts, time.Now(), id)
	return err
}

func (p *PostgresStore) BindProvider(ctx context.Context, id, providerID string, loc models.Coord, attempts int) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE service_requests SET status=$1, provider_id=$2, provider_lat=$3, provider_lon=$4, search_attempts=$5, updated_at=$6 WHERE id=$7`,
		models.StatusAccepted, providerID, loc.Lat, loc.Lon, attempts, time.Now(), id)
	return err
}

func (p *PostgresStore) SetVerified(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE service_requests SET otp_verified=TRUE, status=$1, updated_at=$2 WHERE id=$3`,
		models.StatusInProgress, time.Now(), id)
	return err
}

func (p *PostgresStore) BaseLocation(ctx context.Context, providerID string) (models.Coord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT base_lat, base_lon FROM providers WHERE id=$1`, providerID)
	var c models.Coord
	err := row.Scan(&c.Lat, &c.Lon)
	if err == sql.ErrNoRows {
		return models.Coord{}, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) UpsertRestingLocation(ctx context.Context, providerID string, pr models.Presence) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO provider_locations(provider_id, lat, lon, accuracy, source, last_updated, is_active)
		 VALUES($1,$2,$3,$4,$5,$6,FALSE)
		 ON CONFLICT (provider_id) DO UPDATE
		 SET lat=EXCLUDED.lat, lon=EXCLUDED.lon, accuracy=EXCLUDED.accuracy,
		     source=EXCLUDED.source, last_updated=EXCLUDED.last_updated, is_active=FALSE`,
		providerID, pr.Loc.Lat, pr.Loc.Lon, pr.Accuracy, pr.Source, pr.UpdatedAt)
	return err
}
