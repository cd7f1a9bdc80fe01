// Package preferences is C6's gorm-backed recipient configuration: a
// per (rule, severity) table of channel/address pairs, replacing the
// teacher's UserPreference/NotificationRule gorm models with the
// narrower shape this platform needs. It satisfies
// internal/alerting.Recipients directly so the evaluator never knows
// the lookup is backed by Postgres via gorm rather than sqlx.
package preferences

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/carbonscribe/sentinel-core/internal/alerting"
	"github.com/carbonscribe/sentinel-core/internal/domain"
)

// Recipient is one configured channel/address row for a (rule,
// severity) pair.
type Recipient struct {
	ID        uint      `gorm:"primaryKey"`
	Rule      string    `gorm:"column:rule;index:idx_rule_severity"`
	Severity  string    `gorm:"column:severity;index:idx_rule_severity"`
	Channel   string    `gorm:"column:channel"`
	Address   string    `gorm:"column:address"`
	Enabled   bool      `gorm:"column:enabled;default:true"`
	// Metadata carries per-recipient delivery preferences the teacher's
	// UserPreference modeled as dedicated columns (quiet hours, message
	// template overrides), kept schemaless here. Nothing queries on its
	// contents, and For does not read it: it is never copied into a
	// Recipient or a notification job.
	Metadata  datatypes.JSON `gorm:"column:metadata"`
	CreatedAt time.Time      `gorm:"autoCreateTime"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime"`
}

func (Recipient) TableName() string { return "notification_recipients" }

// Store is a gorm-backed notification recipient table.
type Store struct {
	db *gorm.DB
}

// Open connects gorm to Postgres and auto-migrates the recipient table,
// the teacher's own pattern for its gorm-backed side-stores.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Recipient{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// New wraps an already-open gorm handle, letting callers share one
// gorm connection pool across every gorm-backed side-store.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// For implements internal/alerting.Recipients: every enabled
// channel/address row configured for the given (rule, severity).
func (s *Store) For(rule domain.RuleKind, severity domain.Severity) []alerting.Recipient {
	var rows []Recipient
	s.db.Where("rule = ? AND severity = ? AND enabled = ?", string(rule), string(severity), true).Find(&rows)

	out := make([]alerting.Recipient, 0, len(rows))
	for _, r := range rows {
		out = append(out, alerting.Recipient{
			Channel: domain.NotificationChannel(r.Channel),
			Address: r.Address,
		})
	}
	return out
}

// Seed inserts a default recipient row for (rule, severity) if one
// does not already exist, used by deployment bootstrap.
func (s *Store) Seed(rule domain.RuleKind, severity domain.Severity, channel domain.NotificationChannel, address string) error {
	row := Recipient{Rule: string(rule), Severity: string(severity), Channel: string(channel), Address: address, Enabled: true}
	return s.db.Where("rule = ? AND severity = ? AND channel = ? AND address = ?",
		row.Rule, row.Severity, row.Channel, row.Address).FirstOrCreate(&row).Error
}
