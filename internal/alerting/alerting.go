// Package alerting implements C5, the AlertEvaluator. It consumes
// every accepted observation synchronously from the ingest path,
// evaluates the canonical threshold/rapid-change rules, deduplicates
// against any existing active alert for the same (sensor, rule),
// selects a candidate shelter via C2, and enqueues notification jobs
// for C6. The rule dispatch follows the
// teacher's monitoring/alerts engine; state transitions follow a
// fixed table the way its workflow state machine does.
package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/domainerr"
	"github.com/carbonscribe/sentinel-core/internal/geoindex"
)

// transitions is the fixed state machine table: active may move to
// acknowledged or resolved; acknowledged may only resolve; resolved is
// terminal. Backward transitions are never valid.
var transitions = map[domain.AlertState][]domain.AlertState{
	domain.AlertActive:       {domain.AlertAcknowledged, domain.AlertResolved},
	domain.AlertAcknowledged: {domain.AlertResolved},
	domain.AlertResolved:     {},
}

func canTransition(from, to domain.AlertState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Repository is the persistence boundary for alerts; satisfied by
// internal/state's StateStore.
type Repository interface {
	GetActiveAlert(ctx context.Context, sensorID int64, rule domain.RuleKind) (*domain.Alert, error)
	GetAlert(ctx context.Context, id uuid.UUID) (*domain.Alert, error)
	CreateAlert(ctx context.Context, alert *domain.Alert) error
	// UpdateAlertCAS applies a compare-and-swap update keyed on
	// (id, version), returning domainerr.Conflict if the version has
	// moved since it was read.
	UpdateAlertCAS(ctx context.Context, alert *domain.Alert) error
}

// Notifier enqueues a NotificationJob for C6 and cancels any jobs still
// pending for an alert once it resolves; satisfied by
// internal/notification's Dispatcher.
type Notifier interface {
	Enqueue(ctx context.Context, job domain.NotificationJob) error
	Cancel(ctx context.Context, alertID uuid.UUID) error
}

// Feed broadcasts an alert lifecycle change to connected operator
// dashboards; satisfied by internal/notification/feed's Hub. Optional:
// a nil Feed disables broadcasting without affecting evaluation.
type Feed interface {
	Publish(eventType string, alert domain.Alert)
}

// Recipients resolves the notification recipients configured for an
// alert's (rule, severity) pair, one job per (channel, recipient).
type Recipients interface {
	For(rule domain.RuleKind, severity domain.Severity) []Recipient
}

// Recipient is a single channel/address pair.
type Recipient struct {
	Channel domain.NotificationChannel
	Address string
}

// Thresholds carries the per-sensor-kind threshold configuration from
// §6's enumerated configuration.
type Thresholds struct {
	Min, Max, Critical float64
}

// Config bundles the rule-evaluation tunables from §6.
type Config struct {
	Thresholds        map[domain.SensorKind]Thresholds
	RapidChangeK      float64
	RapidChangeCritK  float64
	SustainedFor      time.Duration
	HysteresisFor     time.Duration
	ShelterCandidates int
}

// RecentStats is the mean/stddev the rapid_change rule consults;
// supplied by the aggregation engine from the still-open hour bucket
// containing the observation, not from a rolling 60-minute window.
type RecentStats struct {
	Mean   float64
	StdDev float64
	Ready  bool // false until the bucket has at least 2 samples
}

// StatsSource resolves RecentStats for a sensor's current hour.
type StatsSource interface {
	HourStats(ctx context.Context, sensorID int64, at time.Time) RecentStats
}

// Evaluator is C5's explicit handle.
type Evaluator struct {
	repo       Repository
	geo        *geoindex.Index
	notifier   Notifier
	recipients Recipients
	stats      StatsSource
	feed       Feed
	cfg        Config
	logger     *zap.Logger

	// sustainedSince tracks, per (sensor, rule), the timestamp the
	// condition first became true without interruption, so the "sustained
	// >= D minutes" requirement can be enforced without a DB round trip
	// per observation.
	sustainedSince map[sensorRuleKey]time.Time
	belowSince     map[sensorRuleKey]time.Time
}

type sensorRuleKey struct {
	sensorID int64
	rule     domain.RuleKind
}

// New constructs the AlertEvaluator. feed may be nil, in which case
// alert lifecycle changes are not broadcast to operator dashboards.
func New(repo Repository, geo *geoindex.Index, notifier Notifier, recipients Recipients, stats StatsSource, feed Feed, cfg Config, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		repo:           repo,
		geo:            geo,
		notifier:       notifier,
		recipients:     recipients,
		stats:          stats,
		feed:           feed,
		cfg:            cfg,
		logger:         logger,
		sustainedSince: map[sensorRuleKey]time.Time{},
		belowSince:     map[sensorRuleKey]time.Time{},
	}
}

func (e *Evaluator) publish(eventType string, alert domain.Alert) {
	if e.feed != nil {
		e.feed.Publish(eventType, alert)
	}
}

// Evaluate is called synchronously from the ingest path after the
// observation is durably written. It evaluates every configured rule
// for the sensor's kind and emits at most one alert state transition
// per rule.
func (e *Evaluator) Evaluate(ctx context.Context, sensor domain.Sensor, obs domain.Observation) error {
	thresh, ok := e.cfg.Thresholds[sensor.Kind]
	if !ok {
		return nil
	}

	if err := e.evaluateHeatExtreme(ctx, sensor, obs, thresh); err != nil {
		return err
	}
	if err := e.evaluateColdExtreme(ctx, sensor, obs, thresh); err != nil {
		return err
	}
	if err := e.evaluateRapidChange(ctx, sensor, obs); err != nil {
		return err
	}
	return nil
}

func (e *Evaluator) evaluateHeatExtreme(ctx context.Context, sensor domain.Sensor, obs domain.Observation, thresh Thresholds) error {
	key := sensorRuleKey{sensorID: sensor.ID, rule: domain.RuleHeatExtreme}
	triggered := obs.Value > thresh.Max
	return e.evaluateSustainedRule(ctx, sensor, obs, key, domain.RuleHeatExtreme, triggered, thresh.Max, func() domain.Severity {
		if obs.Value > thresh.Critical {
			return domain.SeverityCritical
		}
		return domain.SeverityHigh
	}, thresh.Min)
}

func (e *Evaluator) evaluateColdExtreme(ctx context.Context, sensor domain.Sensor, obs domain.Observation, thresh Thresholds) error {
	key := sensorRuleKey{sensorID: sensor.ID, rule: domain.RuleColdExtreme}
	triggered := obs.Value < thresh.Min
	return e.evaluateSustainedRule(ctx, sensor, obs, key, domain.RuleColdExtreme, triggered, thresh.Min, func() domain.Severity {
		if obs.Value < thresh.Critical {
			return domain.SeverityCritical
		}
		return domain.SeverityHigh
	}, thresh.Max)
}

// evaluateSustainedRule implements the shared heat/cold logic: track
// how long the condition has been continuously true, open/upgrade an
// alert once sustained >= SustainedFor, and resolve it once the value
// has sat inside the hysteresis band for >= HysteresisFor.
func (e *Evaluator) evaluateSustainedRule(
	ctx context.Context,
	sensor domain.Sensor,
	obs domain.Observation,
	key sensorRuleKey,
	rule domain.RuleKind,
	triggered bool,
	thresholdValue float64,
	severityFn func() domain.Severity,
	hysteresisBoundary float64,
) error {
	if triggered {
		delete(e.belowSince, key)
		if _, ok := e.sustainedSince[key]; !ok {
			e.sustainedSince[key] = obs.Timestamp
		}
		held := obs.Timestamp.Sub(e.sustainedSince[key])
		if held < e.cfg.SustainedFor {
			return nil
		}
		return e.openOrUpgrade(ctx, sensor, rule, obs.Value, thresholdValue, held, severityFn())
	}

	delete(e.sustainedSince, key)

	// Track hysteresis: the value must remain within the hysteresis band
	// (i.e. not triggering) continuously for HysteresisFor before resolve.
	if _, ok := e.belowSince[key]; !ok {
		e.belowSince[key] = obs.Timestamp
	}
	held := obs.Timestamp.Sub(e.belowSince[key])
	if held < e.cfg.HysteresisFor {
		return nil
	}
	return e.resolveIfActive(ctx, sensor.ID, rule)
}

// evaluateRapidChange opens or upgrades an alert the instant the
// z-score crosses RapidChangeK — unlike the heat/cold rules, rapid
// change has no configured sustain duration, since a single outlier
// sample is itself the condition being alerted on. Resolving back out
// of the alert, though, follows the same general hysteresis rule as
// every other rule: the z-score must stay at or below RapidChangeK
// continuously for HysteresisFor before the alert resolves, tracked via
// the same belowSince dwell map evaluateSustainedRule uses, keyed by
// (sensor, RuleRapidChange) so it doesn't interfere with heat/cold's
// own dwell tracking for the same sensor.
func (e *Evaluator) evaluateRapidChange(ctx context.Context, sensor domain.Sensor, obs domain.Observation) error {
	stats := e.stats.HourStats(ctx, sensor.ID, obs.Timestamp)
	if !stats.Ready || stats.StdDev == 0 {
		return nil
	}

	deviation := obs.Value - stats.Mean
	if deviation < 0 {
		deviation = -deviation
	}
	z := deviation / stats.StdDev

	key := sensorRuleKey{sensorID: sensor.ID, rule: domain.RuleRapidChange}

	if z <= e.cfg.RapidChangeK {
		if _, ok := e.belowSince[key]; !ok {
			e.belowSince[key] = obs.Timestamp
		}
		held := obs.Timestamp.Sub(e.belowSince[key])
		if held < e.cfg.HysteresisFor {
			return nil
		}
		return e.resolveIfActive(ctx, sensor.ID, domain.RuleRapidChange)
	}

	delete(e.belowSince, key)

	severity := domain.SeverityMedium
	if z >= e.cfg.RapidChangeCritK {
		severity = domain.SeverityHigh
	}
	return e.openOrUpgrade(ctx, sensor, domain.RuleRapidChange, obs.Value, stats.Mean, 0, severity)
}

// openOrUpgrade creates a new alert, or if one is already active for
// this (sensor, rule), updates its current value and — when the new
// severity outranks the existing one — upgrades severity in place.
// Exactly one active alert per (sensor, rule) is preserved either way.
func (e *Evaluator) openOrUpgrade(ctx context.Context, sensor domain.Sensor, rule domain.RuleKind, value, threshold float64, held time.Duration, severity domain.Severity) error {
	existing, err := e.repo.GetActiveAlert(ctx, sensor.ID, rule)
	if err != nil {
		return fmt.Errorf("failed to check for active alert: %w", err)
	}

	if existing != nil {
		existing.CurrentValue = value
		existing.DurationHeldMin = held.Minutes()
		if severityRank(severity) > severityRank(existing.Severity) {
			existing.Severity = severity
			existing.Message = fmt.Sprintf("%s breach on sensor %d: value=%.2f threshold=%.2f severity=%s", rule, sensor.ID, value, threshold, severity)
			if err := e.enqueueNotifications(ctx, *existing); err != nil {
				e.logger.Warn("notification enqueue failed on severity upgrade", zap.Error(err))
			}
		}
		if err := e.repo.UpdateAlertCAS(ctx, existing); err != nil {
			return fmt.Errorf("failed to persist alert update: %w", err)
		}
		e.publish("alert_updated", *existing)
		return nil
	}

	alert := &domain.Alert{
		ID:              uuid.New(),
		SensorID:        sensor.ID,
		Rule:            rule,
		Severity:        severity,
		CurrentValue:    value,
		Threshold:       threshold,
		DurationHeldMin: held.Minutes(),
		State:           domain.AlertActive,
		DetectedAt:      time.Now().UTC(),
		Message:         fmt.Sprintf("%s breach on sensor %d: value=%.2f threshold=%.2f severity=%s", rule, sensor.ID, value, threshold, severity),
	}

	if err := e.selectShelter(ctx, sensor, alert); err != nil {
		e.logger.Warn("shelter selection failed, leaving shelter_pending", zap.Error(err))
		alert.ShelterPending = true
	}

	if err := e.repo.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	if err := e.enqueueNotifications(ctx, *alert); err != nil {
		e.logger.Warn("notification enqueue failed on alert creation", zap.Error(err))
	}
	e.publish("alert_created", *alert)
	return nil
}

func severityRank(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 3
	case domain.SeverityHigh:
		return 2
	case domain.SeverityMedium:
		return 1
	default:
		return 0
	}
}

// selectShelter queries C2 for the nearest available, capacity-having
// shelter and attaches it to the alert, leaving shelter_id null and
// shelter_pending=true when none qualify.
func (e *Evaluator) selectShelter(ctx context.Context, sensor domain.Sensor, alert *domain.Alert) error {
	candidates := e.geo.KNearest(sensor.Location, e.cfg.ShelterCandidates, geoindex.HasCapacity)
	if len(candidates) == 0 {
		alert.ShelterPending = true
		return domainerr.New("alerting.selectShelter", domainerr.UnknownShelter)
	}
	nearest := candidates[0]
	alert.ShelterID = &nearest.Shelter.ID
	return nil
}

// resolveIfActive transitions an active alert to resolved; acting on
// an alert that is not currently active is a no-op, matching the
// state machine's terminal/idempotent resolve semantics.
func (e *Evaluator) resolveIfActive(ctx context.Context, sensorID int64, rule domain.RuleKind) error {
	existing, err := e.repo.GetActiveAlert(ctx, sensorID, rule)
	if err != nil {
		return fmt.Errorf("failed to check for active alert: %w", err)
	}
	if existing == nil {
		return nil
	}
	return e.transition(ctx, existing, domain.AlertResolved, "")
}

// Acknowledge is the operator-initiated active -> acknowledged
// transition.
func (e *Evaluator) Acknowledge(ctx context.Context, alertID uuid.UUID) error {
	alert, err := e.repo.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}
	if alert == nil {
		return domainerr.New("alerting.Acknowledge", domainerr.UnknownAlert)
	}
	return e.transition(ctx, alert, domain.AlertAcknowledged, "")
}

// Resolve is the operator- or evaluator-initiated resolve transition.
// Resolving an already-resolved alert is a no-op, not an error, so a
// retrying caller never double-applies a side effect.
func (e *Evaluator) Resolve(ctx context.Context, alert *domain.Alert, reason string) error {
	if alert.State == domain.AlertResolved {
		return nil
	}
	return e.transition(ctx, alert, domain.AlertResolved, reason)
}

func (e *Evaluator) transition(ctx context.Context, alert *domain.Alert, to domain.AlertState, note string) error {
	if alert.State == to {
		return nil
	}
	if !canTransition(alert.State, to) {
		return domainerr.New("alerting.transition", domainerr.Conflict)
	}

	now := time.Now().UTC()
	switch to {
	case domain.AlertAcknowledged:
		alert.AcknowledgedAt = &now
	case domain.AlertResolved:
		alert.ResolvedAt = &now
	}
	alert.State = to
	if note != "" {
		alert.RecommendedAction = note
	}

	if err := e.repo.UpdateAlertCAS(ctx, alert); err != nil {
		return fmt.Errorf("failed to persist state transition: %w", err)
	}
	eventType := "alert_updated"
	if to == domain.AlertResolved {
		eventType = "alert_resolved"
		if err := e.notifier.Cancel(ctx, alert.ID); err != nil {
			e.logger.Warn("notification cancel failed on resolve", zap.Error(err))
		}
	}
	e.publish(eventType, *alert)
	return nil
}

// enqueueNotifications creates one NotificationJob per configured
// recipient for the alert's (rule, severity), the only place jobs are
// created — C6 owns retry/cancellation from here on.
func (e *Evaluator) enqueueNotifications(ctx context.Context, alert domain.Alert) error {
	for _, r := range e.recipients.For(alert.Rule, alert.Severity) {
		job := domain.NotificationJob{
			ID:            uuid.New(),
			AlertID:       alert.ID,
			Channel:       r.Channel,
			Recipient:     r.Address,
			Body:          alert.Message,
			Status:        domain.JobPending,
			NextAttemptAt: time.Now().UTC(),
			CreatedAt:     time.Now().UTC(),
		}
		if err := e.notifier.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("failed to enqueue notification job: %w", err)
		}
	}
	return nil
}
