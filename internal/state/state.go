// Package state implements C9, the StateStore: transactional sqlx-backed
// CRUD for sensors, shelters, road graph rows, alerts, and notification
// jobs, plus the two compare-and-swap update paths the rest of the
// platform leans on. The repository shape — a single concrete Store
// wrapping *sqlx.DB that satisfies each consumer's own narrow
// Repository interface, NamedExecContext for
// writes, GetContext/SelectContext for reads — follows the teacher's
// documents repository.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/domainerr"
)

// ObservationRanger resolves a raw observation range; satisfied by
// internal/timeseries's Store. Kept as a narrow local interface rather
// than an import, since the timeseries store is itself constructed
// with this Store as its sensor lookup, so the dependency can only be
// wired after both exist — see SetObservationRanger.
type ObservationRanger interface {
	Range(ctx context.Context, sensorIDs []int64, kinds []domain.SensorKind, t0, t1 time.Time, limit int) ([]domain.Observation, error)
}

// fullRescanLimit bounds a recompute's full-bucket re-scan; no sensor
// configuration on this platform approaches this many points within a
// single hour.
const fullRescanLimit = 1_000_000

// Store is C9's explicit handle, wrapping a connection pool bounded to
// §5's min=2/max=10.
type Store struct {
	db  *sqlx.DB
	obs ObservationRanger
}

// Open connects to Postgres and applies the platform's pool bounds.
func Open(dsn string, maxOpen, maxIdle int, maxLifetime time.Duration) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to state store: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
	return &Store{db: db}, nil
}

// SetObservationRanger wires the timeseries store's range query in
// after both stores are constructed, closing the cycle C1 and C9 would
// otherwise have at construction time.
func (s *Store) SetObservationRanger(r ObservationRanger) {
	s.obs = r
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Sensors ---

func (s *Store) GetSensor(ctx context.Context, id int64) (*domain.Sensor, error) {
	var row sensorRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM sensors WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, domainerr.New("state.GetSensor", domainerr.UnknownSensor)
	}
	if err != nil {
		return nil, domainerr.Wrap("state.GetSensor", domainerr.BackendUnavailable, err)
	}
	sensor := row.toDomain()
	return &sensor, nil
}

func (s *Store) ListSensors(ctx context.Context, kind *domain.SensorKind) ([]domain.Sensor, error) {
	var rows []sensorRow
	query := `SELECT * FROM sensors`
	var args []interface{}
	if kind != nil {
		query += ` WHERE kind = $1`
		args = append(args, *kind)
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, domainerr.Wrap("state.ListSensors", domainerr.BackendUnavailable, err)
	}
	out := make([]domain.Sensor, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// sensorRow mirrors domain.Sensor with Location/ValidRange flattened
// to individual columns, the way the teacher flattens nested structs
// for sqlx struct scanning.
type sensorRow struct {
	ID            int64        `db:"id"`
	Name          string       `db:"name"`
	Kind          string       `db:"kind"`
	State         string       `db:"state"`
	Unit          string       `db:"unit"`
	Lon           float64      `db:"lon"`
	Lat           float64      `db:"lat"`
	Precision     float64      `db:"precision_value"`
	RangeMin      float64      `db:"range_min"`
	RangeMax      float64      `db:"range_max"`
	Strict        bool         `db:"strict"`
	SamplePeriodS int          `db:"sample_period_s"`
	Manufacturer  domain.JSONB `db:"manufacturer"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (r sensorRow) toDomain() domain.Sensor {
	return domain.Sensor{
		ID:            r.ID,
		Name:          r.Name,
		Kind:          domain.SensorKind(r.Kind),
		State:         domain.SensorState(r.State),
		Unit:          r.Unit,
		Location:      domain.Location{Lon: r.Lon, Lat: r.Lat},
		Precision:     r.Precision,
		ValidRange:    domain.Range{Min: r.RangeMin, Max: r.RangeMax},
		Strict:        r.Strict,
		SamplePeriodS: r.SamplePeriodS,
		Manufacturer:  r.Manufacturer,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// --- Shelters ---

type shelterRow struct {
	ID              int64     `db:"id"`
	Name            string    `db:"name"`
	Kind            string    `db:"kind"`
	State           string    `db:"state"`
	CapacityMax     int       `db:"capacity_max"`
	CapacityCurrent int       `db:"capacity_current"`
	Services        []byte    `db:"services"`
	Contact         string    `db:"contact"`
	Lon             float64   `db:"lon"`
	Lat             float64   `db:"lat"`
	Version         int64     `db:"version"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (row shelterRow) toDomain() domain.Shelter {
	services := domain.ServiceFlags{}
	_ = json.Unmarshal(row.Services, &services)
	return domain.Shelter{
		ID: row.ID, Name: row.Name, Kind: row.Kind, State: domain.ShelterState(row.State),
		CapacityMax: row.CapacityMax, CapacityCurrent: row.CapacityCurrent, Services: services,
		Contact: row.Contact, Location: domain.Location{Lon: row.Lon, Lat: row.Lat},
		Version: row.Version, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
}

func (s *Store) GetShelter(ctx context.Context, id int64) (*domain.Shelter, error) {
	var row shelterRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM shelters WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, domainerr.New("state.GetShelter", domainerr.UnknownShelter)
	}
	if err != nil {
		return nil, domainerr.Wrap("state.GetShelter", domainerr.BackendUnavailable, err)
	}
	shelter := row.toDomain()
	return &shelter, nil
}

func (s *Store) ListShelters(ctx context.Context) ([]domain.Shelter, error) {
	var rows []shelterRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM shelters`); err != nil {
		return nil, domainerr.Wrap("state.ListShelters", domainerr.BackendUnavailable, err)
	}
	out := make([]domain.Shelter, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// UpdateShelterCapacity applies the CAS capacity update from §4.9: it
// rejects a newValue above capacity_max, and fails with Conflict if
// the row's version has moved since the caller last read it.
func (s *Store) UpdateShelterCapacity(ctx context.Context, shelterID int64, newValue int, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shelters
		SET capacity_current = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND version = $3 AND $1 <= capacity_max`,
		newValue, shelterID, expectedVersion)
	if err != nil {
		return domainerr.Wrap("state.UpdateShelterCapacity", domainerr.BackendUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domainerr.Wrap("state.UpdateShelterCapacity", domainerr.BackendUnavailable, err)
	}
	if n == 0 {
		return domainerr.New("state.UpdateShelterCapacity", domainerr.Conflict)
	}
	return nil
}

// --- Alerts (satisfies internal/alerting.Repository) ---

type alertRow struct {
	ID                uuid.UUID  `db:"id"`
	SensorID          int64      `db:"sensor_id"`
	ShelterID         *int64     `db:"shelter_id"`
	Rule              string     `db:"rule"`
	Severity          string     `db:"severity"`
	CurrentValue      float64    `db:"current_value"`
	Threshold         float64    `db:"threshold"`
	DurationHeldMin   float64    `db:"duration_held_minutes"`
	State             string     `db:"state"`
	DetectedAt        time.Time  `db:"detected_at"`
	AcknowledgedAt    *time.Time `db:"acknowledged_at"`
	ResolvedAt        *time.Time `db:"resolved_at"`
	SMSSent           bool       `db:"sms_sent"`
	EmailSent         bool       `db:"email_sent"`
	ShelterNotified   bool       `db:"shelter_notified"`
	ShelterPending    bool       `db:"shelter_pending"`
	Message           string     `db:"message"`
	RecommendedAction string     `db:"recommended_action"`
	Version           int64      `db:"version"`
}

func (r alertRow) toDomain() domain.Alert {
	return domain.Alert{
		ID: r.ID, SensorID: r.SensorID, ShelterID: r.ShelterID, Rule: domain.RuleKind(r.Rule),
		Severity: domain.Severity(r.Severity), CurrentValue: r.CurrentValue, Threshold: r.Threshold,
		DurationHeldMin: r.DurationHeldMin, State: domain.AlertState(r.State), DetectedAt: r.DetectedAt,
		AcknowledgedAt: r.AcknowledgedAt, ResolvedAt: r.ResolvedAt, SMSSent: r.SMSSent, EmailSent: r.EmailSent,
		ShelterNotified: r.ShelterNotified, ShelterPending: r.ShelterPending, Message: r.Message,
		RecommendedAction: r.RecommendedAction, Version: r.Version,
	}
}

func alertFromDomain(a *domain.Alert) alertRow {
	return alertRow{
		ID: a.ID, SensorID: a.SensorID, ShelterID: a.ShelterID, Rule: string(a.Rule),
		Severity: string(a.Severity), CurrentValue: a.CurrentValue, Threshold: a.Threshold,
		DurationHeldMin: a.DurationHeldMin, State: string(a.State), DetectedAt: a.DetectedAt,
		AcknowledgedAt: a.AcknowledgedAt, ResolvedAt: a.ResolvedAt, SMSSent: a.SMSSent, EmailSent: a.EmailSent,
		ShelterNotified: a.ShelterNotified, ShelterPending: a.ShelterPending, Message: a.Message,
		RecommendedAction: a.RecommendedAction, Version: a.Version,
	}
}

func (s *Store) GetActiveAlert(ctx context.Context, sensorID int64, rule domain.RuleKind) (*domain.Alert, error) {
	var row alertRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM alerts WHERE sensor_id = $1 AND rule = $2 AND state != 'resolved'
		ORDER BY detected_at DESC LIMIT 1`, sensorID, rule)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domainerr.Wrap("state.GetActiveAlert", domainerr.BackendUnavailable, err)
	}
	alert := row.toDomain()
	return &alert, nil
}

func (s *Store) GetAlert(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	var row alertRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM alerts WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domainerr.Wrap("state.GetAlert", domainerr.BackendUnavailable, err)
	}
	alert := row.toDomain()
	return &alert, nil
}

func (s *Store) CreateAlert(ctx context.Context, alert *domain.Alert) error {
	alert.Version = 1
	row := alertFromDomain(alert)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO alerts (
			id, sensor_id, shelter_id, rule, severity, current_value, threshold, duration_held_minutes,
			state, detected_at, acknowledged_at, resolved_at, sms_sent, email_sent, shelter_notified,
			shelter_pending, message, recommended_action, version
		) VALUES (
			:id, :sensor_id, :shelter_id, :rule, :severity, :current_value, :threshold, :duration_held_minutes,
			:state, :detected_at, :acknowledged_at, :resolved_at, :sms_sent, :email_sent, :shelter_notified,
			:shelter_pending, :message, :recommended_action, :version
		)`, row)
	if err != nil {
		return domainerr.Wrap("state.CreateAlert", domainerr.BackendUnavailable, err)
	}
	return nil
}

// UpdateAlertCAS persists alert with a compare-and-swap on version,
// incrementing it on success; callers must hold the version read just
// before this call.
func (s *Store) UpdateAlertCAS(ctx context.Context, alert *domain.Alert) error {
	expected := alert.Version
	alert.Version++
	row := alertFromDomain(alert)
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE alerts SET
			shelter_id = :shelter_id, severity = :severity, current_value = :current_value,
			duration_held_minutes = :duration_held_minutes, state = :state,
			acknowledged_at = :acknowledged_at, resolved_at = :resolved_at,
			sms_sent = :sms_sent, email_sent = :email_sent, shelter_notified = :shelter_notified,
			shelter_pending = :shelter_pending, message = :message, recommended_action = :recommended_action,
			version = :version
		WHERE id = :id AND version = `+fmt.Sprintf("%d", expected), row)
	if err != nil {
		alert.Version = expected
		return domainerr.Wrap("state.UpdateAlertCAS", domainerr.BackendUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		alert.Version = expected
		return domainerr.Wrap("state.UpdateAlertCAS", domainerr.BackendUnavailable, err)
	}
	if n == 0 {
		alert.Version = expected
		return domainerr.New("state.UpdateAlertCAS", domainerr.Conflict)
	}
	return nil
}

func (s *Store) ListActiveAlerts(ctx context.Context, severity *domain.Severity, rule *domain.RuleKind, limit int) ([]domain.Alert, error) {
	query := `SELECT * FROM alerts WHERE state != 'resolved'`
	var args []interface{}
	argN := 1
	if severity != nil {
		query += fmt.Sprintf(" AND severity = $%d", argN)
		args = append(args, *severity)
		argN++
	}
	if rule != nil {
		query += fmt.Sprintf(" AND rule = $%d", argN)
		args = append(args, *rule)
		argN++
	}
	query += fmt.Sprintf(" ORDER BY detected_at DESC LIMIT $%d", argN)
	args = append(args, limit)

	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, domainerr.Wrap("state.ListActiveAlerts", domainerr.BackendUnavailable, err)
	}
	out := make([]domain.Alert, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// --- Road graph rows, for loading internal/roadgraph's snapshot ---

func (s *Store) ListRoadNodes(ctx context.Context) ([]domain.RoadNode, error) {
	var rows []struct {
		ID  int64   `db:"id"`
		Lon float64 `db:"lon"`
		Lat float64 `db:"lat"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM road_nodes`); err != nil {
		return nil, domainerr.Wrap("state.ListRoadNodes", domainerr.BackendUnavailable, err)
	}
	out := make([]domain.RoadNode, len(rows))
	for i, r := range rows {
		out[i] = domain.RoadNode{ID: r.ID, Location: domain.Location{Lon: r.Lon, Lat: r.Lat}}
	}
	return out, nil
}

func (s *Store) ListRoadSegments(ctx context.Context) ([]domain.RoadSegment, error) {
	var segments []domain.RoadSegment
	if err := s.db.SelectContext(ctx, &segments, `SELECT * FROM road_edges`); err != nil {
		return nil, domainerr.Wrap("state.ListRoadSegments", domainerr.BackendUnavailable, err)
	}
	return segments, nil
}

// ReplaceRoadNetwork atomically swaps the durable road graph for an
// admin-initiated reload: the graph is static per deployment per §4.3,
// so a reload replaces every node/edge row in one transaction rather
// than reconciling individual rows.
func (s *Store) ReplaceRoadNetwork(ctx context.Context, nodes []domain.RoadNode, segments []domain.RoadSegment) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domainerr.Wrap("state.ReplaceRoadNetwork", domainerr.BackendUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM road_edges`); err != nil {
		return domainerr.Wrap("state.ReplaceRoadNetwork", domainerr.BackendUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM road_nodes`); err != nil {
		return domainerr.Wrap("state.ReplaceRoadNetwork", domainerr.BackendUnavailable, err)
	}

	for _, n := range nodes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO road_nodes (id, lon, lat) VALUES ($1, $2, $3)`,
			n.ID, n.Location.Lon, n.Location.Lat); err != nil {
			return domainerr.Wrap("state.ReplaceRoadNetwork", domainerr.BackendUnavailable, err)
		}
	}
	for _, seg := range segments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO road_edges (edge_id, source_node, target_node, cost_minutes, reverse_cost_minutes, geometry, surface)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			seg.EdgeID, seg.Source, seg.Target, seg.CostMinutes, seg.ReverseCostMinutes, seg.Geometry, seg.Surface); err != nil {
			return domainerr.Wrap("state.ReplaceRoadNetwork", domainerr.BackendUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domainerr.Wrap("state.ReplaceRoadNetwork", domainerr.BackendUnavailable, err)
	}
	return nil
}

// --- Notification jobs (satisfies internal/notification.Repository) ---

type jobRow struct {
	ID            uuid.UUID  `db:"id"`
	AlertID       uuid.UUID  `db:"alert_id"`
	Channel       string     `db:"channel"`
	Recipient     string     `db:"recipient"`
	Body          string     `db:"body"`
	AttemptCount  int        `db:"attempt_count"`
	NextAttemptAt time.Time  `db:"next_attempt_at"`
	Status        string     `db:"status"`
	ProviderID    *string    `db:"provider_id"`
	CreatedAt     time.Time  `db:"created_at"`
}

func (r jobRow) toDomain() domain.NotificationJob {
	return domain.NotificationJob{
		ID: r.ID, AlertID: r.AlertID, Channel: domain.NotificationChannel(r.Channel), Recipient: r.Recipient,
		Body: r.Body, AttemptCount: r.AttemptCount, NextAttemptAt: r.NextAttemptAt,
		Status: domain.JobStatus(r.Status), ProviderID: r.ProviderID, CreatedAt: r.CreatedAt,
	}
}

func jobFromDomain(j domain.NotificationJob) jobRow {
	return jobRow{
		ID: j.ID, AlertID: j.AlertID, Channel: string(j.Channel), Recipient: j.Recipient, Body: j.Body,
		AttemptCount: j.AttemptCount, NextAttemptAt: j.NextAttemptAt, Status: string(j.Status),
		ProviderID: j.ProviderID, CreatedAt: j.CreatedAt,
	}
}

func (s *Store) EnqueueJob(ctx context.Context, job domain.NotificationJob) error {
	row := jobFromDomain(job)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO notification_jobs (
			id, alert_id, channel, recipient, body, attempt_count, next_attempt_at, status, provider_id, created_at
		) VALUES (
			:id, :alert_id, :channel, :recipient, :body, :attempt_count, :next_attempt_at, :status, :provider_id, :created_at
		)`, row)
	if err != nil {
		return domainerr.Wrap("state.EnqueueJob", domainerr.BackendUnavailable, err)
	}
	return nil
}

func (s *Store) ClaimDueJobs(ctx context.Context, limit int) ([]domain.NotificationJob, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM notification_jobs
		WHERE status = 'pending' AND next_attempt_at <= now()
		ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, domainerr.Wrap("state.ClaimDueJobs", domainerr.BackendUnavailable, err)
	}
	out := make([]domain.NotificationJob, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) UpdateJob(ctx context.Context, job domain.NotificationJob) error {
	row := jobFromDomain(job)
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE notification_jobs SET
			attempt_count = :attempt_count, next_attempt_at = :next_attempt_at,
			status = :status, provider_id = :provider_id
		WHERE id = :id`, row)
	if err != nil {
		return domainerr.Wrap("state.UpdateJob", domainerr.BackendUnavailable, err)
	}
	return nil
}

// MarkAlertDelivered flips the owning alert's sms_sent/email_sent flag
// once a job for that channel is delivered; it does not touch the
// CAS version column since delivery flags are fire-and-forget
// bookkeeping, not state-machine transitions.
func (s *Store) MarkAlertDelivered(ctx context.Context, alertID uuid.UUID, channel domain.NotificationChannel) error {
	var column string
	switch channel {
	case domain.ChannelSMS:
		column = "sms_sent"
	case domain.ChannelEmail:
		column = "email_sent"
	default:
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET `+column+` = true WHERE id = $1`, alertID)
	if err != nil {
		return domainerr.Wrap("state.MarkAlertDelivered", domainerr.BackendUnavailable, err)
	}
	return nil
}

func (s *Store) CancelJobsForAlert(ctx context.Context, alertID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_jobs SET status = 'cancelled' WHERE alert_id = $1 AND status = 'pending'`, alertID)
	if err != nil {
		return domainerr.Wrap("state.CancelJobsForAlert", domainerr.BackendUnavailable, err)
	}
	return nil
}

// --- Aggregates (satisfies internal/aggregation.Repository) ---

func (s *Store) UpsertHourly(ctx context.Context, agg domain.HourlyAggregate) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO hourly_aggregates (sensor_id, bucket_start, mean, min, max, count, pop_stddev)
		VALUES (:sensor_id, :bucket_start, :mean, :min, :max, :count, :pop_stddev)
		ON CONFLICT (sensor_id, bucket_start) DO UPDATE SET
			mean = EXCLUDED.mean, min = EXCLUDED.min, max = EXCLUDED.max,
			count = EXCLUDED.count, pop_stddev = EXCLUDED.pop_stddev`, agg)
	if err != nil {
		return domainerr.Wrap("state.UpsertHourly", domainerr.BackendUnavailable, err)
	}
	return nil
}

func (s *Store) UpsertDaily(ctx context.Context, agg domain.DailyAggregate) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO daily_aggregates (
			sensor_id, bucket_start, mean, min, max, count, pop_stddev, min_at, max_at, hours_over_threshold
		) VALUES (
			:sensor_id, :bucket_start, :mean, :min, :max, :count, :pop_stddev, :min_at, :max_at, :hours_over_threshold
		)
		ON CONFLICT (sensor_id, bucket_start) DO UPDATE SET
			mean = EXCLUDED.mean, min = EXCLUDED.min, max = EXCLUDED.max, count = EXCLUDED.count,
			pop_stddev = EXCLUDED.pop_stddev, min_at = EXCLUDED.min_at, max_at = EXCLUDED.max_at,
			hours_over_threshold = EXCLUDED.hours_over_threshold`, agg)
	if err != nil {
		return domainerr.Wrap("state.UpsertDaily", domainerr.BackendUnavailable, err)
	}
	return nil
}

func (s *Store) GetHourly(ctx context.Context, sensorID int64, t0, t1 time.Time) ([]domain.HourlyAggregate, error) {
	var out []domain.HourlyAggregate
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM hourly_aggregates WHERE sensor_id = $1 AND bucket_start BETWEEN $2 AND $3
		ORDER BY bucket_start DESC`, sensorID, t0, t1)
	if err != nil {
		return nil, domainerr.Wrap("state.GetHourly", domainerr.BackendUnavailable, err)
	}
	return out, nil
}

func (s *Store) GetDaily(ctx context.Context, sensorID int64, t0, t1 time.Time) ([]domain.DailyAggregate, error) {
	var out []domain.DailyAggregate
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM daily_aggregates WHERE sensor_id = $1 AND bucket_start BETWEEN $2 AND $3
		ORDER BY bucket_start DESC`, sensorID, t0, t1)
	if err != nil {
		return nil, domainerr.Wrap("state.GetDaily", domainerr.BackendUnavailable, err)
	}
	return out, nil
}

// RangeObservations delegates to the timeseries store so
// internal/aggregation's full-bucket recompute re-scans the same
// observation rows the ingest path wrote, through the same query path,
// rather than a second hand-rolled SQL statement against the table.
func (s *Store) RangeObservations(ctx context.Context, sensorID int64, t0, t1 time.Time) ([]domain.Observation, error) {
	if s.obs == nil {
		return nil, domainerr.New("state.RangeObservations", domainerr.BackendUnavailable)
	}
	return s.obs.Range(ctx, []int64{sensorID}, nil, t0, t1, fullRescanLimit)
}
