// Package entity defines the domain models for the streams feature.
package entity

import "time"

// Stream is one configured candle stream: a symbol and timeframe written into one table.
// Streams that are no longer configured stay in the registry as inactive so their
// tables remain discoverable.
type Stream struct {
	ID        uint      `gorm:"primaryKey"`
	Table     string    `gorm:"column:table_name;size:63;not null;uniqueIndex"`
	Symbol    string    `gorm:"size:32;not null"`
	Timeframe string    `gorm:"size:8;not null"`
	IsActive  bool      `gorm:"not null;default:true"`
	SortKey   int       `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
