package postgres

import "time"

// ContractRecord is one option contract definition cached from the reference
// endpoint. The vendor ticker uniquely identifies a contract; AsOf records
// the reference date the listing was fetched for.
type ContractRecord struct {
	ID uint `gorm:"primaryKey"`

	// unique index
	Ticker string `gorm:"type:text;not null;index:idx_contract_ticker,unique"`

	Underlying   string    `gorm:"type:text;not null;index:idx_contract_underlying"`
	ContractType string    `gorm:"type:varchar(10);not null"`
	Strike       float64   `gorm:"type:numeric;not null"`
	Expiry       time.Time `gorm:"not null;index:idx_contract_expiry"`

	ExerciseStyle string    `gorm:"type:varchar(20)"`
	AsOf          time.Time `gorm:"not null"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (ContractRecord) TableName() string {
	return "contract_record"
}
