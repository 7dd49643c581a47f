package domain

import (
	"strconv"
	"strings"
	"time"
)

// DateTimeLayout is the canonical datetime format written to history tables and exports.
const DateTimeLayout = "2006-01-02 15:04:05"

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	DateTimeLayout,
	"2006-01-02 15:04",
	"2006-01-02",
}

// NormalizeDateTime converts an upstream timestamp into DateTimeLayout.
// RFC3339 offsets are dropped, keeping the wall clock time as reported.
// Unix seconds and milliseconds are accepted and rendered in UTC.
func NormalizeDateTime(ts string) (string, bool) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return "", false
	}
	if n, err := strconv.ParseFloat(ts, 64); err == nil {
		if n > 1e10 {
			n /= 1000
		}
		return time.Unix(int64(n), 0).UTC().Format(DateTimeLayout), true
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.Format(DateTimeLayout), true
		}
	}
	return "", false
}

// Value types stored in ccu_history.value_type.
const (
	ValueTypeAvg      = "avg"
	ValueTypePeak     = "peak"
	ValueTypeMonthAvg = "month_avg"
)

// CCURecord is one concurrent-player sample.
type CCURecord struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	AppID     int64  `gorm:"column:app_id;not null;uniqueIndex:idx_ccu_point" json:"app_id"`
	DateTime  string `gorm:"column:datetime;type:text;not null;uniqueIndex:idx_ccu_point" json:"datetime"`
	Players   int64  `json:"players"`
	ValueType string `gorm:"column:value_type;type:text;uniqueIndex:idx_ccu_point" json:"value_type,omitempty"`
}

// TableName returns the database table name for CCURecord.
func (CCURecord) TableName() string {
	return "ccu_history"
}

// PriceRecord is one price change observed on the Steam store.
type PriceRecord struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	AppID          int64   `gorm:"column:app_id;not null;uniqueIndex:idx_price_point" json:"app_id"`
	DateTime       string  `gorm:"column:datetime;type:text;not null;uniqueIndex:idx_price_point" json:"datetime"`
	PriceFinal     float64 `gorm:"column:price_final" json:"price_final"`
	CurrencySymbol string  `gorm:"column:currency_symbol;type:text" json:"currency_symbol"`
	CurrencyName   string  `gorm:"column:currency_name;type:text;uniqueIndex:idx_price_point" json:"currency_name"`
}

// TableName returns the database table name for PriceRecord.
func (PriceRecord) TableName() string {
	return "price_history"
}

// PriceFetchStatus is the outcome of one (batch, currency) fan-out unit.
type PriceFetchStatus struct {
	JobID       string     `gorm:"type:text;primaryKey" json:"job_id"`
	BatchNumber int        `gorm:"primaryKey;autoIncrement:false" json:"batch_number"`
	Currency    string     `gorm:"type:text;primaryKey" json:"currency"`
	Status      ItemStatus `gorm:"type:text" json:"status"`
	Records     int        `json:"records"`
	File        string     `gorm:"type:text" json:"file,omitempty"`
	Error       string     `gorm:"type:text" json:"error,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for PriceFetchStatus.
func (PriceFetchStatus) TableName() string {
	return "price_fetch_status"
}

// ErrorRecord is an append-only diagnostic entry.
type ErrorRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AppID        int64     `gorm:"column:app_id;index" json:"app_id"`
	DataType     string    `gorm:"column:data_type;type:text" json:"data_type"`
	ErrorMessage string    `gorm:"column:error_message;type:text" json:"error_message"`
	URL          string    `gorm:"column:url;type:text" json:"url"`
	Timestamp    time.Time `gorm:"column:timestamp" json:"timestamp"`
}

// TableName returns the database table name for ErrorRecord.
func (ErrorRecord) TableName() string {
	return "errors"
}

// Data types used in ErrorRecord.DataType.
const (
	DataTypeCCU   = "ccu"
	DataTypePrice = "price"
)
