package repository

import (
	"context"
	"errors"
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/pkg/pg"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrReadingNotFound  = errors.New("reading not found")
	ErrDuplicateReading = errors.New("reading already exists for timestamp")
)

type ReadingRepository struct {
	*pg.DB
}

func NewReadingRepository(db *pg.DB) *ReadingRepository {
	return &ReadingRepository{
		db,
	}
}

func (r *ReadingRepository) Create(ctx context.Context, reading *model.MeterReading) (*model.MeterReading, error) {
	entity := toReadingEntity(reading)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateReading
		}
		return nil, err
	}

	return toReadingModel(entity), nil
}

func (r *ReadingRepository) Get(ctx context.Context, id int64) (*model.MeterReading, error) {
	var entity MeterReadingEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", id).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReadingNotFound
		}
		return nil, err
	}

	return toReadingModel(&entity), nil
}

// Latest returns the most recent reading for the meter by reading time.
func (r *ReadingRepository) Latest(ctx context.Context, meterID int64) (*model.MeterReading, error) {
	var entity MeterReadingEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("meter_id = ?", meterID).
		Order("reading_at DESC").
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReadingNotFound
		}
		return nil, err
	}

	return toReadingModel(&entity), nil
}

// LatestBefore returns the newest reading strictly earlier than the given
// time. Billing uses it to find the delta baseline.
func (r *ReadingRepository) LatestBefore(ctx context.Context, meterID int64, at time.Time) (*model.MeterReading, error) {
	var entity MeterReadingEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("meter_id = ? AND reading_at < ?", meterID, at).
		Order("reading_at DESC").
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReadingNotFound
		}
		return nil, err
	}

	return toReadingModel(&entity), nil
}

// ListUnbilled returns the meter's unbilled, unflagged readings oldest first
// so backfilled batches bill in order.
func (r *ReadingRepository) ListUnbilled(ctx context.Context, meterID int64) ([]*model.MeterReading, error) {
	var entities []*MeterReadingEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("meter_id = ? AND is_billed = ? AND flag = ''", meterID, false).
		Order("reading_at ASC").
		Find(&entities).
		Error

	if err != nil {
		return nil, err
	}

	return toReadingModels(entities), nil
}

// MarkBilled records the billing outcome for a reading. A nil transaction id
// is valid for zero-consumption readings that settle without a ledger entry.
func (r *ReadingRepository) MarkBilled(ctx context.Context, readingID int64, txnID *int64, consumption decimal.Decimal, at time.Time) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&MeterReadingEntity{}).
		Where("id = ? AND is_billed = ?", readingID, false).
		Updates(map[string]interface{}{
			"is_billed":      true,
			"billed_at":      at,
			"transaction_id": txnID,
			"consumption":    consumption,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrReadingNotFound
	}

	return nil
}

// SetFlag marks a reading as unbillable and excludes it from future billing
// passes.
func (r *ReadingRepository) SetFlag(ctx context.Context, readingID int64, flag string) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&MeterReadingEntity{}).
		Where("id = ?", readingID).
		Update("flag", flag)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrReadingNotFound
	}

	return nil
}

func (r *ReadingRepository) ListByMeter(ctx context.Context, meterID int64, from, to time.Time, limit int) ([]*model.MeterReading, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var entities []*MeterReadingEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("meter_id = ? AND reading_at >= ? AND reading_at < ?", meterID, from, to).
		Order("reading_at DESC").
		Limit(limit).
		Find(&entities).
		Error

	if err != nil {
		return nil, err
	}

	return toReadingModels(entities), nil
}
