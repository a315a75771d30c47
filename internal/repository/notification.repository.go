package repository

import (
	"context"
	"errors"
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
)

type NotificationRepository struct {
	*pg.DB
}

func NewNotificationRepository(db *pg.DB) *NotificationRepository {
	return &NotificationRepository{
		db,
	}
}

func (r *NotificationRepository) Create(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	entity := toNotificationEntity(n)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toNotificationModel(entity), nil
}

func (r *NotificationRepository) Get(ctx context.Context, id string) (*model.Notification, error) {
	var entity NotificationEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", id).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}

	return toNotificationModel(&entity), nil
}

func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipient string, limit int) ([]*model.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var entities []*NotificationEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("recipient = ?", recipient).
		Order("created_at DESC").
		Limit(limit).
		Find(&entities).
		Error

	if err != nil {
		return nil, err
	}

	return toNotificationModels(entities), nil
}

// CountRecentByKind reports how many notifications of a kind went to the
// recipient since the cutoff. Sweeps use it for duplicate suppression.
func (r *NotificationRepository) CountRecentByKind(ctx context.Context, recipient string, kind model.NotificationKind, since time.Time) (int64, error) {
	var count int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&NotificationEntity{}).
		Where("recipient = ? AND kind = ? AND created_at >= ?", recipient, string(kind), since).
		Count(&count).
		Error

	if err != nil {
		return 0, err
	}

	return count, nil
}
