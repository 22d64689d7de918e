package scanaudit

import (
	"context"
	"fmt"
	"strings"

	"github.com/eclinic/qrid/internal/platform/db"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSink appends entries to the qr_scan_access_log table.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *PGSink) Append(ctx context.Context, e *Entry) error {
	var lat, lon, acc *float64
	if g := e.Geolocation; g != nil {
		lat, lon = &g.Latitude, &g.Longitude
		if g.AccuracyM > 0 {
			acc = &g.AccuracyM
		}
	}

	const query = `
		INSERT INTO qr_scan_access_log (
			id, qr_type, qr_id, scanned_by, scanned_by_role, scan_time,
			outcome, error_kind, geo_latitude, geo_longitude, geo_accuracy_m,
			device_info, session_id, subject_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10,$11,$12,NULLIF($13,''),NULLIF($14,''))`

	// device_info is NOT NULL with an empty default; bind it as-is.
	_, err := s.conn(ctx).Exec(ctx, query,
		e.ID, e.QRType, e.QRID, e.ScannedBy, string(e.ScannedByRole), e.ScanTime,
		string(e.Outcome), e.ErrorKind, lat, lon, acc,
		e.DeviceInfo, e.SessionID, e.SubjectID,
	)
	if err != nil {
		return fmt.Errorf("insert scan access log: %w", err)
	}
	return nil
}

// List returns entries matching q, newest first.
func (s *PGSink) List(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.QRID != "" {
		add("qr_id = $%d", q.QRID)
	}
	if q.Patient != "" {
		add("(qr_id = $%[1]d OR subject_id = $%[1]d)", q.Patient)
	}
	if q.ScannedBy != "" {
		add("scanned_by = $%d", q.ScannedBy)
	}
	if q.SessionID != "" {
		add("session_id = $%d", q.SessionID)
	}
	if q.Outcome != "" {
		add("outcome = $%d", string(q.Outcome))
	}
	if !q.Since.IsZero() {
		add("scan_time >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		add("scan_time < $%d", q.Until)
	}

	query := `
		SELECT id, qr_type, qr_id, scanned_by, scanned_by_role, scan_time,
		       outcome, COALESCE(error_kind, ''), geo_latitude, geo_longitude,
		       geo_accuracy_m, device_info, COALESCE(session_id, ''), COALESCE(subject_id, '')
		FROM qr_scan_access_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scan_time DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scan access log: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e             Entry
			role, outcome string
			lat, lon, acc *float64
		)
		if err := rows.Scan(&e.ID, &e.QRType, &e.QRID, &e.ScannedBy, &role, &e.ScanTime,
			&outcome, &e.ErrorKind, &lat, &lon, &acc, &e.DeviceInfo, &e.SessionID, &e.SubjectID); err != nil {
			return nil, fmt.Errorf("scan access log row: %w", err)
		}
		e.ScannedByRole, e.Outcome = Role(role), Outcome(outcome)
		if lat != nil && lon != nil {
			e.Geolocation = &Geolocation{Latitude: *lat, Longitude: *lon}
			if acc != nil {
				e.Geolocation.AccuracyM = *acc
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
