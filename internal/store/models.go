package store

import "time"

// deviceRow is the devices table row. LocationLat/LocationLng hold the
// numeric columns; LocationText holds free-text locations. Both may be
// populated; when LocationLat and LocationLng are both set they take
// precedence over LocationText on read (see rowToDevice).
type deviceRow struct {
	ID           string `gorm:"primaryKey"`
	Name         string
	LocationLat  *float64
	LocationLng  *float64
	LocationText string
	CreatedAt    time.Time
}

func (deviceRow) TableName() string { return "devices" }

// pointRow is the points table row. ArrivalSeq is the pipeline's
// monotonic per-device sequence number, distinct from Ts.
type pointRow struct {
	ID           string `gorm:"primaryKey"`
	DeviceID     string `gorm:"index;not null"`
	Device       *deviceRow `gorm:"foreignKey:DeviceID;references:ID" json:"-"`
	ArrivalSeq   uint64
	Ts           time.Time `gorm:"index"`
	TemperatureC float64
	VibrationG   float64
	HumidityPct  float64
	VoltageV     float64
}

func (pointRow) TableName() string { return "points" }

// anomalyRow is the anomalies table row. PointID is nullable and set to
// NULL (not cascaded) if its Point is ever removed by a retention job,
// per the Open Question (a) decision recorded in DESIGN.md.
type anomalyRow struct {
	ID       string     `gorm:"primaryKey"`
	PointID  *string    `gorm:"index"`
	Point    *pointRow  `gorm:"foreignKey:PointID;references:ID;constraint:OnDelete:SET NULL" json:"-"`
	DeviceID string     `gorm:"index;not null"`
	Device   *deviceRow `gorm:"foreignKey:DeviceID;references:ID" json:"-"`
	Score    float64
	Detector string
	Flagged  bool
	Ts       time.Time `gorm:"index"`
}

func (anomalyRow) TableName() string { return "anomalies" }
