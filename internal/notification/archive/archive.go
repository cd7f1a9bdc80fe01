// Package archive persists a durable audit trail of notification
// deliveries to MongoDB (the dispatcher records each job's terminal
// attempt; intermediate retried attempts are not recorded), the document store the
// teacher's platform reaches for when a record needs to be cheap to
// write and is queried by time range rather than by relational joins.
package archive

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/carbonscribe/sentinel-core/internal/domain"
)

// DeliveryRecord is one archived attempt.
type DeliveryRecord struct {
	AlertID    string    `bson:"alert_id"`
	JobID      string    `bson:"job_id"`
	Channel    string    `bson:"channel"`
	Recipient  string    `bson:"recipient"`
	Attempt    int       `bson:"attempt"`
	Status     string    `bson:"status"`
	ProviderID string    `bson:"provider_id,omitempty"`
	Error      string    `bson:"error,omitempty"`
	RecordedAt time.Time `bson:"recorded_at"`
}

// Archive writes delivery records to a Mongo collection. Writes never
// fail the dispatch path, and block it for at most the insert's
// timeout: a write error is logged and
// dropped, since the archive is an audit convenience, not the source
// of truth for job state.
type Archive struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// New wraps a Mongo collection handle.
func New(db *mongo.Database, logger *zap.Logger) *Archive {
	return &Archive{collection: db.Collection("notification_deliveries"), logger: logger}
}

// RecordDelivery archives one terminal or retried delivery attempt.
func (a *Archive) RecordDelivery(ctx context.Context, job domain.NotificationJob, attempt int, deliveryErr error) {
	record := DeliveryRecord{
		AlertID:    job.AlertID.String(),
		JobID:      job.ID.String(),
		Channel:    string(job.Channel),
		Recipient:  job.Recipient,
		Attempt:    attempt,
		Status:     string(job.Status),
		RecordedAt: time.Now().UTC(),
	}
	if job.ProviderID != nil {
		record.ProviderID = *job.ProviderID
	}
	if deliveryErr != nil {
		record.Error = deliveryErr.Error()
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := a.collection.InsertOne(writeCtx, record); err != nil {
		a.logger.Warn("failed to archive notification delivery", zap.Error(err))
	}
}

// RecentForAlert returns the archived delivery history for an alert,
// most recent first, used by the operator dashboard's alert detail
// view.
func (a *Archive) RecentForAlert(ctx context.Context, alertID string, limit int64) ([]DeliveryRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "recorded_at", Value: -1}}).SetLimit(limit)
	cur, err := a.collection.Find(ctx, bson.M{"alert_id": alertID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []DeliveryRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
