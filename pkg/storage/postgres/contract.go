package postgres

import (
	"context"
	"time"

	"polyfeed/pkg/polygon"

	"gorm.io/gorm/clause"
)

// UpsertContracts writes a batch of contract records, refreshing the AsOf
// date for tickers that already exist.
func (p *PostgresClient) UpsertContracts(ctx context.Context, records []*ContractRecord) error {
	if len(records) == 0 {
		return nil
	}
	return p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "ticker"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"as_of"}),
	}).Create(&records).Error
}

// ContractsByUnderlying returns the cached contracts for an underlying that
// were fetched on or after the given reference date.
func (p *PostgresClient) ContractsByUnderlying(ctx context.Context, underlying string, asOf time.Time) ([]ContractRecord, error) {
	var records []ContractRecord
	err := p.DB.WithContext(ctx).
		Where("underlying = ? AND as_of >= ?", underlying, asOf).
		Order("expiry, strike").
		Find(&records).Error

	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteExpiredContracts removes contracts whose expiry is before the cutoff.
func (p *PostgresClient) DeleteExpiredContracts(ctx context.Context, before time.Time) error {
	return p.DB.WithContext(ctx).
		Where("expiry < ?", before).
		Delete(&ContractRecord{}).Error
}

// ToContractRecord converts a reference API contract into a record for DB
// insertion.
func ToContractRecord(c polygon.ContractResult, asOf time.Time) (*ContractRecord, error) {
	expiry, err := time.ParseInLocation("2006-01-02", c.ExpirationDate, time.UTC)
	if err != nil {
		return nil, err
	}

	return &ContractRecord{
		Ticker:        c.Ticker,
		Underlying:    c.UnderlyingTicker,
		ContractType:  c.ContractType,
		Strike:        c.StrikePrice,
		Expiry:        expiry,
		ExerciseStyle: c.ExerciseStyle,
		AsOf:          asOf,
	}, nil
}
