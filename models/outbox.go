package models

import (
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RebuildOutboxRecord is a transactional-outbox row for snapshot rebuild
// requests. Written in the same DB transaction as the mutation that made
// the snapshot stale; a background dispatcher publishes it to Pub/Sub.
type RebuildOutboxRecord struct {
	ID            int    `gorm:"primary_key" json:"id"`
	MessageId     string `gorm:"size:64;not null;index:uniq_rebuild_msg,unique" json:"message_id"`
	BusinessId    string `gorm:"size:64;not null;index" json:"business_id"`
	Sku           string `gorm:"size:100;not null" json:"sku"`
	StartDate     *time.Time `json:"start_date"`
	EndDate       *time.Time `json:"end_date"`
	Reason        string     `gorm:"size:255" json:"reason"`
	RequestedBy   string     `gorm:"size:100" json:"requested_by"`
	CorrelationId string     `gorm:"size:64" json:"correlation_id"`

	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index:idx_rebuild_claim,priority:1" json:"publish_status"`
	Attempts         int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt    *time.Time `gorm:"index:idx_rebuild_claim,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	PubSubMessageId  *string    `gorm:"size:128" json:"pub_sub_message_id"`
	PublishedAt      *time.Time `json:"published_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewRebuildOutboxRecord builds a PENDING record ready for immediate
// claim. startDate/endDate bound the rebuild window; nil means the
// rebuild job decides (full history).
func NewRebuildOutboxRecord(businessId string, sku string, startDate *time.Time, endDate *time.Time, reason string, requestedBy string, correlationId string) *RebuildOutboxRecord {
	now := time.Now().UTC()
	return &RebuildOutboxRecord{
		MessageId:     uuid.NewString(),
		BusinessId:    businessId,
		Sku:           sku,
		StartDate:     startDate,
		EndDate:       endDate,
		Reason:        reason,
		RequestedBy:   requestedBy,
		CorrelationId: correlationId,
		PublishStatus: OutboxPublishStatusPending,
		NextAttemptAt: &now,
	}
}

// ConvertToRebuildMessage maps the outbox row to the wire payload.
func (r *RebuildOutboxRecord) ConvertToRebuildMessage() config.RebuildMessage {
	return config.RebuildMessage{
		ID:            r.MessageId,
		BusinessId:    r.BusinessId,
		Sku:           r.Sku,
		StartDate:     r.StartDate,
		EndDate:       r.EndDate,
		Reason:        r.Reason,
		RequestedBy:   r.RequestedBy,
		CorrelationId: r.CorrelationId,
	}
}

// GetDueRebuildRecords returns PENDING/FAILED rows whose next attempt is due.
// MySQL deployments pass skipLocked=true so concurrent dispatchers never
// fight over the same batch.
func GetDueRebuildRecords(tx *gorm.DB, limit int, skipLocked bool) ([]*RebuildOutboxRecord, error) {
	q := tx.
		Where("publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
			[]string{OutboxPublishStatusPending, OutboxPublishStatusFailed}, time.Now().UTC()).
		Order("id ASC").
		Limit(limit)
	if skipLocked {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var rows []*RebuildOutboxRecord
	err := q.Find(&rows).Error
	return rows, err
}
