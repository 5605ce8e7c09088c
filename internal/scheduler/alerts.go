package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/model"
)

// Alert is a saved search that is re-run periodically on its owner's behalf.
type Alert struct {
	ID            string
	UserID        string
	Jurisdictions []string
	Mode          model.Mode
	Sector        string
	Keywords      []string
	Exclusions    []string
	ValueMin      *float64
	ValueMax      *float64
	// KeepMissingValue keeps notices that publish no estimated value.
	KeepMissingValue bool
}

// AlertSource lists the alerts due for a run.
type AlertSource interface {
	ActiveAlerts(ctx context.Context) ([]Alert, error)
}

// Querier is the subset of *pgxpool.Pool the alert loader needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresAlerts loads alerts from the search_alerts table.
type PostgresAlerts struct {
	db Querier
}

func NewPostgresAlerts(db Querier) *PostgresAlerts {
	return &PostgresAlerts{db: db}
}

func (p *PostgresAlerts) ActiveAlerts(ctx context.Context) ([]Alert, error) {
	return LoadActiveAlerts(ctx, p.db)
}

const activeAlertsSQL = `
SELECT id, user_id, jurisdictions, mode, COALESCE(sector, ''),
       COALESCE(keywords, '{}'), COALESCE(exclusions, '{}'), value_min, value_max,
       COALESCE(keep_missing_value, false)
FROM search_alerts
WHERE is_active = true
ORDER BY created_at`

// LoadActiveAlerts fetches all is_active = true alerts from the DB. A row
// with an unknown mode is logged and skipped so the other alerts still run.
func LoadActiveAlerts(ctx context.Context, db Querier) ([]Alert, error) {
	rows, err := db.Query(ctx, activeAlertsSQL)
	if err != nil {
		return nil, fmt.Errorf("query search_alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		var mode string
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.Jurisdictions, &mode, &a.Sector,
			&a.Keywords, &a.Exclusions, &a.ValueMin, &a.ValueMax, &a.KeepMissingValue,
		); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if a.Mode, err = model.ParseMode(mode); err != nil {
			slog.Warn("skipping saved alert", "alertId", a.ID, "userId", a.UserID, "err", err)
			continue
		}
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}
