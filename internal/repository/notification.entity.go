package repository

import (
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
)

type NotificationEntity struct {
	ID        string    `db:"id"         gorm:"primaryKey;column:id"`
	Recipient string    `db:"recipient"  gorm:"column:recipient;not null;index"`
	Kind      string    `db:"kind"       gorm:"column:kind;not null;index"`
	Subject   string    `db:"subject"    gorm:"column:subject;not null"`
	Body      string    `db:"body"       gorm:"column:body;type:text"`
	Channel   string    `db:"channel"    gorm:"column:channel;not null;default:inApp"`
	Priority  string    `db:"priority"   gorm:"column:priority;not null;default:normal"`
	CreatedAt time.Time `db:"created_at" gorm:"column:created_at;autoCreateTime;index"`
}

func (NotificationEntity) TableName() string { return "notifications" }

func toNotificationEntity(m *model.Notification) *NotificationEntity {
	if m == nil {
		return nil
	}
	return &NotificationEntity{
		ID:        m.ID,
		Recipient: m.Recipient,
		Kind:      string(m.Kind),
		Subject:   m.Subject,
		Body:      m.Body,
		Channel:   string(m.Channel),
		Priority:  string(m.Priority),
		CreatedAt: m.CreatedAt,
	}
}

func toNotificationModel(e *NotificationEntity) *model.Notification {
	if e == nil {
		return nil
	}
	return &model.Notification{
		ID:        e.ID,
		Recipient: e.Recipient,
		Kind:      model.NotificationKind(e.Kind),
		Subject:   e.Subject,
		Body:      e.Body,
		Channel:   model.NotificationChannel(e.Channel),
		Priority:  model.NotificationPriority(e.Priority),
		CreatedAt: e.CreatedAt,
	}
}

func toNotificationModels(entities []*NotificationEntity) []*model.Notification {
	if entities == nil {
		return nil
	}
	models := make([]*model.Notification, len(entities))
	for i, e := range entities {
		models[i] = toNotificationModel(e)
	}
	return models
}
