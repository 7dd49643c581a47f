package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ItemStatus is the per-application processing status.
// Values include ItemStatusPending, ItemStatusDone, and ItemStatusError.
type ItemStatus string

const (
	ItemStatusPending ItemStatus = "pending"
	ItemStatusDone    ItemStatus = "done"
	ItemStatusError   ItemStatus = "error"
)

// AppStatus tracks one Steam application across processing passes.
type AppStatus struct {
	AppID       int64      `gorm:"column:app_id;primaryKey;autoIncrement:false" json:"app_id"`
	Status      ItemStatus `gorm:"type:text;index:idx_app_status_status;default:pending" json:"status"`
	LastUpdated time.Time  `gorm:"column:last_updated" json:"last_updated"`
}

// TableName returns the database table name for AppStatus.
func (AppStatus) TableName() string {
	return "app_status"
}

// IDList is a custom type for storing app id lists as JSON in the database.
type IDList []int64

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the slice.
//   - error: non-nil if marshaling fails.
func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (l *IDList) Scan(value interface{}) error {
	if value == nil {
		*l = IDList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan IDList")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, l)
}

// BatchMapping attributes an externally produced result file back to its ids.
// Written once per (job, batch).
type BatchMapping struct {
	JobID       string    `gorm:"type:text;primaryKey" json:"job_id"`
	BatchNumber int       `gorm:"primaryKey;autoIncrement:false" json:"batch_number"`
	AppIDs      IDList    `gorm:"type:text" json:"app_ids"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName returns the database table name for BatchMapping.
func (BatchMapping) TableName() string {
	return "batch_mappings"
}
