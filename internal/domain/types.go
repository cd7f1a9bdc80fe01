// Package domain holds the tagged types shared across every subsystem:
// sensors, observations, shelters, road graph primitives, alerts, and
// notification jobs. No subsystem owns these; they are the nouns every
// verb in internal/* operates on.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a Postgres jsonb column, exactly as the teacher's monitoring
// packages define it, kept here as the one canonical copy.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// SensorKind enumerates the measurement kinds a sensor reports.
type SensorKind string

const (
	SensorTemperature SensorKind = "temperature"
	SensorHumidity    SensorKind = "humidity"
	SensorAirQuality  SensorKind = "air_quality"
	SensorNoise       SensorKind = "noise"
	SensorOccupancy   SensorKind = "occupancy"
)

// SensorState is a sensor's operational state.
type SensorState string

const (
	SensorActive      SensorState = "active"
	SensorInactive     SensorState = "inactive"
	SensorMaintenance SensorState = "maintenance"
)

// Location is a WGS84 point, longitude first per GeoJSON convention.
type Location struct {
	Lon float64 `json:"lon" db:"lon"`
	Lat float64 `json:"lat" db:"lat"`
}

// Range is an inclusive value range used for sensor validation bounds.
type Range struct {
	Min float64 `json:"min" db:"range_min"`
	Max float64 `json:"max" db:"range_max"`
}

func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Sensor is a registered measurement point.
type Sensor struct {
	ID             int64       `json:"id" db:"id"`
	Name           string      `json:"name" db:"name"`
	Kind           SensorKind  `json:"kind" db:"kind"`
	State          SensorState `json:"state" db:"state"`
	Unit           string      `json:"unit" db:"unit"`
	Location       Location    `json:"location" db:"-"`
	Precision      float64     `json:"precision" db:"precision_value"`
	ValidRange     Range       `json:"valid_range" db:"-"`
	Strict         bool        `json:"strict" db:"strict"`
	SamplePeriodS  int         `json:"sample_period_s" db:"sample_period_s"`
	Manufacturer   JSONB       `json:"manufacturer,omitempty" db:"manufacturer"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// Quality is the per-observation confidence tag.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
	QualitySuspect Quality = "suspect"
)

// Sidecar carries the optional telemetry a sensor may attach to a
// reading; a typed record rather than a loose map per the platform's
// move away from dynamic dictionaries for device metadata.
type Sidecar struct {
	AmbientTemp    *float64 `json:"ambient_temp,omitempty"`
	Humidity       *float64 `json:"humidity,omitempty"`
	BatteryLevel   *float64 `json:"battery_level,omitempty"`
	SignalStrength *int     `json:"signal_strength,omitempty"`
}

// Observation is a single, append-only sensor reading.
type Observation struct {
	SensorID  int64     `json:"sensor_id" db:"sensor_id"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
	Value     float64   `json:"value" db:"value"`
	Unit      string    `json:"unit" db:"unit"`
	Quality   Quality   `json:"quality" db:"quality"`
	Sidecar   *Sidecar  `json:"sidecar,omitempty" db:"-"`
	Late      bool      `json:"late" db:"late"`
	ArrivalSeq int64    `json:"-" db:"arrival_seq"`
}

// HourlyAggregate is a materialized rolling hour bucket.
type HourlyAggregate struct {
	SensorID    int64     `json:"sensor_id" db:"sensor_id"`
	BucketStart time.Time `json:"bucket_start" db:"bucket_start"`
	Mean        float64   `json:"mean" db:"mean"`
	Min         float64   `json:"min" db:"min"`
	Max         float64   `json:"max" db:"max"`
	Count       int64     `json:"count" db:"count"`
	PopStdDev   float64   `json:"pop_stddev" db:"pop_stddev"`
}

// DailyAggregate is a materialized rolling day bucket.
type DailyAggregate struct {
	SensorID           int64     `json:"sensor_id" db:"sensor_id"`
	BucketStart        time.Time `json:"bucket_start" db:"bucket_start"`
	Mean               float64   `json:"mean" db:"mean"`
	Min                float64   `json:"min" db:"min"`
	Max                float64   `json:"max" db:"max"`
	Count              int64     `json:"count" db:"count"`
	PopStdDev          float64   `json:"pop_stddev" db:"pop_stddev"`
	MinAt              time.Time `json:"min_at" db:"min_at"`
	MaxAt              time.Time `json:"max_at" db:"max_at"`
	HoursOverThreshold int       `json:"hours_over_threshold" db:"hours_over_threshold"`
}

// ShelterState is a shelter's operational state.
type ShelterState string

const (
	ShelterAvailable  ShelterState = "available"
	ShelterFull       ShelterState = "full"
	ShelterClosed     ShelterState = "closed"
	ShelterMaintenance ShelterState = "maintenance"
)

// ServiceFlag names a service a shelter may offer.
type ServiceFlag string

const (
	ServiceMedical        ServiceFlag = "medical"
	ServiceHVAC           ServiceFlag = "hvac"
	ServiceAccessible     ServiceFlag = "accessible"
	ServicePetFriendly    ServiceFlag = "pet_friendly"
	ServiceGenerator      ServiceFlag = "generator"
)

// ServiceFlags is a tagged set of ServiceFlag, canonicalizing the
// ad hoc boolean columns the source schema carried per-service.
type ServiceFlags map[ServiceFlag]bool

func (f ServiceFlags) Has(flag ServiceFlag) bool {
	return f != nil && f[flag]
}

// Shelter is a candidate evacuation destination.
type Shelter struct {
	ID              int64        `json:"id" db:"id"`
	Name            string       `json:"name" db:"name"`
	Kind            string       `json:"kind" db:"kind"`
	State           ShelterState `json:"state" db:"state"`
	CapacityMax     int          `json:"capacity_max" db:"capacity_max"`
	CapacityCurrent int          `json:"capacity_current" db:"capacity_current"`
	Services        ServiceFlags `json:"services" db:"-"`
	Contact         string       `json:"contact" db:"contact"`
	Location        Location     `json:"location" db:"-"`
	Version         int64        `json:"version" db:"version"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

func (s Shelter) HasCapacity() bool {
	return s.State == ShelterAvailable && s.CapacityCurrent < s.CapacityMax
}

// RoadNode is a graph vertex.
type RoadNode struct {
	ID       int64    `json:"id" db:"id"`
	Location Location `json:"location" db:"-"`
}

// RoadSegment is a directed graph edge with an optional reverse cost.
type RoadSegment struct {
	EdgeID      int64    `json:"edge_id" db:"edge_id"`
	Source      int64    `json:"source" db:"source_node"`
	Target      int64    `json:"target" db:"target_node"`
	CostMinutes float64  `json:"cost_minutes" db:"cost_minutes"`
	// ReverseCostMinutes < 0 means the segment is one-way.
	ReverseCostMinutes float64 `json:"reverse_cost_minutes" db:"reverse_cost_minutes"`
	Geometry           JSONB   `json:"geometry" db:"geometry"`
	Surface            string  `json:"surface" db:"surface"`
}

// RuleKind enumerates the canonical alert rules.
type RuleKind string

const (
	RuleHeatExtreme  RuleKind = "heat_extreme"
	RuleColdExtreme  RuleKind = "cold_extreme"
	RuleRapidChange  RuleKind = "rapid_change"
)

// Severity is the alert's urgency tag.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// AlertState is the alert lifecycle state.
type AlertState string

const (
	AlertActive       AlertState = "active"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
)

// Alert is a triggered, deduplicated threshold/anomaly condition.
type Alert struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	SensorID         int64      `json:"sensor_id" db:"sensor_id"`
	ShelterID        *int64     `json:"shelter_id,omitempty" db:"shelter_id"`
	Rule             RuleKind   `json:"rule" db:"rule"`
	Severity         Severity   `json:"severity" db:"severity"`
	CurrentValue     float64    `json:"current_value" db:"current_value"`
	Threshold        float64    `json:"threshold" db:"threshold"`
	DurationHeldMin  float64    `json:"duration_held_minutes" db:"duration_held_minutes"`
	State            AlertState `json:"state" db:"state"`
	DetectedAt       time.Time  `json:"detected_at" db:"detected_at"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	SMSSent          bool       `json:"sms_sent" db:"sms_sent"`
	EmailSent        bool       `json:"email_sent" db:"email_sent"`
	ShelterNotified  bool       `json:"shelter_notified" db:"shelter_notified"`
	ShelterPending   bool       `json:"shelter_pending" db:"shelter_pending"`
	Message          string     `json:"message" db:"message"`
	RecommendedAction string    `json:"recommended_action" db:"recommended_action"`
	Version          int64      `json:"version" db:"version"`
}

// NotificationChannel is a delivery channel for a NotificationJob.
type NotificationChannel string

const (
	ChannelSMS   NotificationChannel = "sms"
	ChannelEmail NotificationChannel = "email"
)

// JobStatus is a NotificationJob's terminal/non-terminal status.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobDelivered JobStatus = "delivered"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// AppendResult is C1's write outcome, shared between the TimeStore and
// the IngestGateway so both sides of that boundary agree on its shape.
type AppendResult struct {
	AssignedTimestamp time.Time
	Late              bool
}

// NotificationJob is a single channel/recipient delivery unit for an alert.
type NotificationJob struct {
	ID            uuid.UUID           `json:"id" db:"id"`
	AlertID       uuid.UUID           `json:"alert_id" db:"alert_id"`
	Channel       NotificationChannel `json:"channel" db:"channel"`
	Recipient     string              `json:"recipient" db:"recipient"`
	Body          string              `json:"body" db:"body"`
	AttemptCount  int                 `json:"attempt_count" db:"attempt_count"`
	NextAttemptAt time.Time           `json:"next_attempt_at" db:"next_attempt_at"`
	Status        JobStatus           `json:"status" db:"status"`
	ProviderID    *string             `json:"provider_id,omitempty" db:"provider_id"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
}
