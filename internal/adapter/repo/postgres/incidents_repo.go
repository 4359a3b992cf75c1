package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/danieloza/backoffice/internal/domain"
)

// IncidentRepo persists guardrail incidents, unique on fingerprint.
type IncidentRepo struct{ store *Store }

// NewIncidentRepo constructs an IncidentRepo on the shared store.
func NewIncidentRepo(s *Store) *IncidentRepo { return &IncidentRepo{store: s} }

const incidentCols = `id, fingerprint, severity, incident_type, channel, title, details, status,
	created_at, updated_at, acknowledged_at, resolved_at`

func scanIncident(row pgx.Row) (domain.Incident, error) {
	var i domain.Incident
	err := row.Scan(&i.ID, &i.Fingerprint, &i.Severity, &i.IncidentType, &i.Channel, &i.Title,
		&i.Details, &i.Status, &i.CreatedAt, &i.UpdatedAt, &i.AcknowledgedAt, &i.ResolvedAt)
	return i, err
}

// Insert creates an incident. created=false means the fingerprint exists;
// callers then lock and update the existing row.
func (r *IncidentRepo) Insert(ctx domain.Context, inc domain.Incident) (domain.Incident, bool, error) {
	tracer := otel.Tracer("repo.incidents")
	ctx, span := tracer.Start(ctx, "incidents.Insert")
	defer span.End()
	details := inc.Details
	if len(details) == 0 {
		details = []byte(`{}`)
	}
	q := `INSERT INTO incidents (fingerprint, severity, incident_type, channel, title, details, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'open')
		ON CONFLICT (fingerprint) DO NOTHING
		RETURNING ` + incidentCols
	ins, err := scanIncident(r.store.q(ctx).QueryRow(ctx, q,
		inc.Fingerprint, inc.Severity, inc.IncidentType, inc.Channel, inc.Title, details))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Incident{}, false, nil
		}
		return domain.Incident{}, false, fmt.Errorf("op=incident.insert: %w", err)
	}
	return ins, true, nil
}

// LockByFingerprint loads an incident under FOR UPDATE for upsert.
func (r *IncidentRepo) LockByFingerprint(ctx domain.Context, fingerprint string) (domain.Incident, error) {
	tracer := otel.Tracer("repo.incidents")
	ctx, span := tracer.Start(ctx, "incidents.LockByFingerprint")
	defer span.End()
	q := `SELECT ` + incidentCols + ` FROM incidents WHERE fingerprint=$1 FOR UPDATE`
	i, err := scanIncident(r.store.q(ctx).QueryRow(ctx, q, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Incident{}, fmt.Errorf("op=incident.lock: %w", domain.ErrNotFound)
		}
		return domain.Incident{}, fmt.Errorf("op=incident.lock: %w", err)
	}
	return i, nil
}

// Update writes the mutable fields and bumps updated_at.
func (r *IncidentRepo) Update(ctx domain.Context, inc domain.Incident) (domain.Incident, error) {
	tracer := otel.Tracer("repo.incidents")
	ctx, span := tracer.Start(ctx, "incidents.Update")
	defer span.End()
	details := inc.Details
	if len(details) == 0 {
		details = []byte(`{}`)
	}
	q := `UPDATE incidents SET severity=$2, incident_type=$3, channel=$4, title=$5, details=$6,
			status=$7, acknowledged_at=$8, resolved_at=$9, updated_at=now()
		WHERE id=$1
		RETURNING ` + incidentCols
	u, err := scanIncident(r.store.q(ctx).QueryRow(ctx, q,
		inc.ID, inc.Severity, inc.IncidentType, inc.Channel, inc.Title, details,
		inc.Status, inc.AcknowledgedAt, inc.ResolvedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Incident{}, fmt.Errorf("op=incident.update: %w", domain.ErrNotFound)
		}
		return domain.Incident{}, fmt.Errorf("op=incident.update: %w", err)
	}
	return u, nil
}

// ByID loads one incident.
func (r *IncidentRepo) ByID(ctx domain.Context, id int64) (domain.Incident, error) {
	tracer := otel.Tracer("repo.incidents")
	ctx, span := tracer.Start(ctx, "incidents.ByID")
	defer span.End()
	i, err := scanIncident(r.store.q(ctx).QueryRow(ctx,
		`SELECT `+incidentCols+` FROM incidents WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Incident{}, fmt.Errorf("op=incident.by_id: %w", domain.ErrNotFound)
		}
		return domain.Incident{}, fmt.Errorf("op=incident.by_id: %w", err)
	}
	return i, nil
}

// List returns incidents, optionally filtered by status, newest first.
func (r *IncidentRepo) List(ctx domain.Context, status string, limit int) ([]domain.Incident, error) {
	tracer := otel.Tracer("repo.incidents")
	ctx, span := tracer.Start(ctx, "incidents.List")
	defer span.End()
	var (
		rows pgx.Rows
		err  error
	)
	if status != "" {
		rows, err = r.store.q(ctx).Query(ctx,
			`SELECT `+incidentCols+` FROM incidents WHERE status=$1 ORDER BY updated_at DESC LIMIT $2`, status, limit)
	} else {
		rows, err = r.store.q(ctx).Query(ctx,
			`SELECT `+incidentCols+` FROM incidents ORDER BY updated_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("op=incident.list: %w", err)
	}
	defer rows.Close()
	return collectIncidents(rows)
}

func collectIncidents(rows pgx.Rows) ([]domain.Incident, error) {
	var out []domain.Incident
	for rows.Next() {
		i, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("op=incident.scan: %w", err)
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=incident.scan: %w", err)
	}
	return out, nil
}
