// Package store is the Persistence Gateway (spec §4.B): batched inserts
// for points and anomalies, device upsert, and the paged reads the API
// layer serves. Backed by gorm over the pure-Go glebarez/sqlite driver
// so the binary needs no cgo toolchain, matching the corpus's
// modernc.org/sqlite-family preference over mattn/go-sqlite3.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zaydabash/real-time-iot-edge-agent/internal/domain"
)

// Gateway is the Persistence Gateway.
type Gateway struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open opens (creating if absent) the sqlite database at path and
// migrates the schema.
func Open(path string, log *zap.Logger) (*Gateway, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA foreign_keys = ON")

	if err := db.AutoMigrate(&deviceRow{}, &pointRow{}, &anomalyRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Gateway{db: db, log: log}, nil
}

// Close releases the underlying database handle.
func (g *Gateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func deviceToRow(d domain.Device) deviceRow {
	return deviceRow{
		ID:           d.ID,
		Name:         d.Name,
		LocationLat:  d.Lat,
		LocationLng:  d.Lng,
		LocationText: d.Location,
		CreatedAt:    d.CreatedAt,
	}
}

func rowToDevice(r deviceRow) domain.Device {
	d := domain.Device{
		ID:        r.ID,
		Name:      r.Name,
		Lat:       r.LocationLat,
		Lng:       r.LocationLng,
		CreatedAt: r.CreatedAt,
	}
	if r.LocationLat != nil && r.LocationLng != nil {
		d.Location = fmt.Sprintf("lat:%g,lng:%g", *r.LocationLat, *r.LocationLng)
	} else {
		d.Location = r.LocationText
	}
	return d
}

// InsertDevice idempotently upserts a device (spec §4.B).
func (g *Gateway) InsertDevice(ctx context.Context, d domain.Device) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	row := deviceToRow(d)

	return retryWithBackoff(ctx, defaultRetryConfig(), func() error {
		err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "location_lat", "location_lng", "location_text"}),
		}).Create(&row).Error
		return classify(err)
	})
}

// InsertPoints inserts points transactionally, all-or-nothing, and
// returns their assigned IDs in the same order (spec §4.B).
func (g *Gateway) InsertPoints(ctx context.Context, points []domain.Point) ([]string, error) {
	if len(points) == 0 {
		return nil, nil
	}

	rows := make([]pointRow, len(points))
	ids := make([]string, len(points))
	for i, p := range points {
		id := p.ID
		if id == "" {
			id = uuid.NewString()
		}
		ids[i] = id
		rows[i] = pointRow{
			ID:           id,
			DeviceID:     p.DeviceID,
			ArrivalSeq:   p.ArrivalSeq,
			Ts:           p.Ts,
			TemperatureC: p.TemperatureC,
			VibrationG:   p.VibrationG,
			HumidityPct:  p.HumidityPct,
			VoltageV:     p.VoltageV,
		}
	}

	err := retryWithBackoff(ctx, defaultRetryConfig(), func() error {
		return classify(g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Create(&rows).Error
		}))
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// InsertAnomalies inserts anomalies best-effort: duplicate-key
// conflicts are skipped rather than failing the whole batch (spec
// §4.B). It returns the persisted IDs in the same order as the input,
// so callers can publish anomaly:new with the real ID rather than a
// placeholder (spec §9 design note).
func (g *Gateway) InsertAnomalies(ctx context.Context, anomalies []domain.Anomaly) ([]string, error) {
	if len(anomalies) == 0 {
		return nil, nil
	}

	rows := make([]anomalyRow, len(anomalies))
	ids := make([]string, len(anomalies))
	for i, a := range anomalies {
		id := a.ID
		if id == "" {
			id = uuid.NewString()
		}
		ids[i] = id
		rows[i] = anomalyRow{
			ID:       id,
			PointID:  a.PointID,
			DeviceID: a.DeviceID,
			Score:    a.Score,
			Detector: a.Detector,
			Flagged:  a.Flagged,
			Ts:       a.Ts,
		}
	}

	err := retryWithBackoff(ctx, defaultRetryConfig(), func() error {
		return classify(g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeviceSummary is a Device with the counts the devices list endpoint
// reports (spec §6, `_count`).
type DeviceSummary struct {
	domain.Device
	MetricCount   int64
	AnomalyCount  int64
}

// ListDevices returns every device with its point/anomaly counts.
func (g *Gateway) ListDevices(ctx context.Context) ([]DeviceSummary, error) {
	var rows []deviceRow
	if err := g.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	summaries := make([]DeviceSummary, len(rows))
	for i, r := range rows {
		var metricCount, anomalyCount int64
		g.db.WithContext(ctx).Model(&pointRow{}).Where("device_id = ?", r.ID).Count(&metricCount)
		g.db.WithContext(ctx).Model(&anomalyRow{}).Where("device_id = ?", r.ID).Count(&anomalyCount)
		summaries[i] = DeviceSummary{Device: rowToDevice(r), MetricCount: metricCount, AnomalyCount: anomalyCount}
	}
	return summaries, nil
}

// GetDevice returns a single device by ID, or gorm.ErrRecordNotFound.
func (g *Gateway) GetDevice(ctx context.Context, id string) (domain.Device, error) {
	var row deviceRow
	if err := g.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return domain.Device{}, err
	}
	return rowToDevice(row), nil
}

// PointFilter narrows ListPoints. Zero values are unfiltered.
type PointFilter struct {
	DeviceID     string
	From, To     time.Time
	Limit        int
	Offset       int
}

// ListPoints returns points ordered by ts desc within the filter, plus
// the total row count for pagination (spec §6 `/api/metrics`).
func (g *Gateway) ListPoints(ctx context.Context, f PointFilter) ([]domain.Point, int64, error) {
	q := g.db.WithContext(ctx).Model(&pointRow{})
	q = applyPointFilter(q, f)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count points: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}

	var rows []pointRow
	q = g.db.WithContext(ctx).Model(&pointRow{})
	q = applyPointFilter(q, f)
	if err := q.Order("ts desc").Limit(limit).Offset(f.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list points: %w", err)
	}

	points := make([]domain.Point, len(rows))
	for i, r := range rows {
		points[i] = domain.Point{
			ID:           r.ID,
			DeviceID:     r.DeviceID,
			ArrivalSeq:   r.ArrivalSeq,
			Ts:           r.Ts,
			TemperatureC: r.TemperatureC,
			VibrationG:   r.VibrationG,
			HumidityPct:  r.HumidityPct,
			VoltageV:     r.VoltageV,
		}
	}
	return points, total, nil
}

func applyPointFilter(q *gorm.DB, f PointFilter) *gorm.DB {
	if f.DeviceID != "" {
		q = q.Where("device_id = ?", f.DeviceID)
	}
	if !f.From.IsZero() {
		q = q.Where("ts >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("ts <= ?", f.To)
	}
	return q
}

// AnomalyFilter narrows ListAnomalies. Zero values are unfiltered.
type AnomalyFilter struct {
	DeviceID string
	From, To time.Time
	Detector string
	Flagged  *bool
	Limit    int
	Offset   int
}

// ListAnomalies returns anomalies ordered by ts desc within the filter,
// plus the total row count for pagination (spec §6 `/api/anomalies`).
func (g *Gateway) ListAnomalies(ctx context.Context, f AnomalyFilter) ([]domain.Anomaly, int64, error) {
	apply := func(q *gorm.DB) *gorm.DB {
		if f.DeviceID != "" {
			q = q.Where("device_id = ?", f.DeviceID)
		}
		if !f.From.IsZero() {
			q = q.Where("ts >= ?", f.From)
		}
		if !f.To.IsZero() {
			q = q.Where("ts <= ?", f.To)
		}
		if f.Detector != "" {
			q = q.Where("detector = ?", f.Detector)
		}
		if f.Flagged != nil {
			q = q.Where("flagged = ?", *f.Flagged)
		}
		return q
	}

	var total int64
	if err := apply(g.db.WithContext(ctx).Model(&anomalyRow{})).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count anomalies: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}

	var rows []anomalyRow
	q := apply(g.db.WithContext(ctx).Model(&anomalyRow{}))
	if err := q.Order("ts desc").Limit(limit).Offset(f.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list anomalies: %w", err)
	}

	anomalies := make([]domain.Anomaly, len(rows))
	for i, r := range rows {
		anomalies[i] = domain.Anomaly{
			ID:       r.ID,
			PointID:  r.PointID,
			DeviceID: r.DeviceID,
			Score:    r.Score,
			Detector: r.Detector,
			Flagged:  r.Flagged,
			Ts:       r.Ts,
		}
	}
	return anomalies, total, nil
}

// HealthStats summarises the store for /api/health.
type HealthStats struct {
	Connected    bool
	DeviceCount  int64
	PointCount   int64
	AnomalyCount int64
}

// Stats reports row counts and connectivity for the health endpoint.
func (g *Gateway) Stats(ctx context.Context) HealthStats {
	sqlDB, err := g.db.DB()
	if err != nil || sqlDB.PingContext(ctx) != nil {
		return HealthStats{Connected: false}
	}

	var stats HealthStats
	stats.Connected = true
	g.db.WithContext(ctx).Model(&deviceRow{}).Count(&stats.DeviceCount)
	g.db.WithContext(ctx).Model(&pointRow{}).Count(&stats.PointCount)
	g.db.WithContext(ctx).Model(&anomalyRow{}).Count(&stats.AnomalyCount)
	return stats
}

// classify marks constraint violations as non-retryable; everything
// else (locking, transient I/O) is left retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) {
		return nonRetryable(err)
	}
	return err
}
