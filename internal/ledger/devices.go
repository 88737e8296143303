package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrDeviceNotFound = errors.New("device not found")

// XP grants per task lifecycle stage.
const (
	XPOnTaskCreate   = 10
	XPOnTaskComplete = 20
)

// Device is a registered piece of infrastructure earning XP and uptime
// rewards for its owner.
type Device struct {
	DeviceID        string     `json:"device_id"`
	OwnerID         int64      `json:"owner_id"`
	DeviceType      string     `json:"device_type"` // llm_node | sensor_node | hub
	DisplayName     string     `json:"display_name"`
	TopicPrefix     string     `json:"topic_prefix"`
	XP              int64      `json:"xp"`
	IsActive        bool       `json:"is_active"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// RewardRate is the uptime payout schedule for one device type.
type RewardRate struct {
	DeviceType       string `json:"device_type"`
	RatePerHour      int64  `json:"rate_per_hour"`
	MinUptimeSeconds int64  `json:"min_uptime_seconds"`
}

const deviceColumns = `device_id, owner_id, device_type, display_name,
	topic_prefix, xp, is_active, last_heartbeat_at, created_at`

func scanDevice(row interface{ Scan(...interface{}) error }) (*Device, error) {
	var d Device
	err := row.Scan(&d.DeviceID, &d.OwnerID, &d.DeviceType, &d.DisplayName,
		&d.TopicPrefix, &d.XP, &d.IsActive, &d.LastHeartbeatAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// RegisterDevice inserts or refreshes a device registration.
func (l *Ledger) RegisterDevice(ctx context.Context, d *Device) (*Device, error) {
	if d.DeviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	now := l.now()

	existing, err := l.GetDevice(ctx, d.DeviceID)
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return nil, err
	}
	if existing != nil {
		_, err = l.db.ExecContext(ctx, l.db.Rebind(`UPDATE devices SET
			owner_id = ?, device_type = ?, display_name = ?, topic_prefix = ?, is_active = TRUE
			WHERE device_id = ?`),
			d.OwnerID, d.DeviceType, d.DisplayName, d.TopicPrefix, d.DeviceID)
	} else {
		_, err = l.db.ExecContext(ctx, l.db.Rebind(`INSERT INTO devices
			(device_id, owner_id, device_type, display_name, topic_prefix, xp, is_active, created_at)
			VALUES (?, ?, ?, ?, ?, 0, TRUE, ?)`),
			d.DeviceID, d.OwnerID, d.DeviceType, d.DisplayName, d.TopicPrefix, now)
	}
	if err != nil {
		return nil, err
	}
	return l.GetDevice(ctx, d.DeviceID)
}

// GetDevice reads one device.
func (l *Ledger) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	row := l.db.QueryRowContext(ctx, l.db.Rebind(
		"SELECT "+deviceColumns+" FROM devices WHERE device_id = ?"), deviceID)
	return scanDevice(row)
}

// ListDevices returns every registered device.
func (l *Ledger) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+deviceColumns+" FROM devices ORDER BY device_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// UpdateDevice patches display_name, topic_prefix and is_active.
func (l *Ledger) UpdateDevice(ctx context.Context, deviceID string, displayName, topicPrefix *string, isActive *bool) (*Device, error) {
	d, err := l.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if displayName != nil {
		d.DisplayName = *displayName
	}
	if topicPrefix != nil {
		d.TopicPrefix = *topicPrefix
	}
	if isActive != nil {
		d.IsActive = *isActive
	}
	_, err = l.db.ExecContext(ctx, l.db.Rebind(`UPDATE devices SET
		display_name = ?, topic_prefix = ?, is_active = ? WHERE device_id = ?`),
		d.DisplayName, d.TopicPrefix, d.IsActive, deviceID)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GrantZoneXP adds XP to every active device whose topic prefix covers the
// zone, and returns how many devices were credited.
func (l *Ledger) GrantZoneXP(ctx context.Context, zone string, xp int64) (int, error) {
	if zone == "" || xp <= 0 {
		return 0, nil
	}
	res, err := l.db.ExecContext(ctx, l.db.Rebind(
		"UPDATE devices SET xp = xp + ? WHERE is_active = TRUE AND topic_prefix LIKE ?"),
		xp, "office/"+zone+"/%")
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Printf("⭐ Granted %d XP to %d devices in %s", xp, n, zone)
	}
	return int(n), nil
}

// GetZoneMultiplier computes the bounty multiplier from the average XP of the
// zone's active devices. Zones without devices get 1.0.
func (l *Ledger) GetZoneMultiplier(ctx context.Context, zone string) (float64, error) {
	var avg sql.NullFloat64
	err := l.db.QueryRowContext(ctx, l.db.Rebind(
		"SELECT AVG(xp) FROM devices WHERE is_active = TRUE AND topic_prefix LIKE ?"),
		"office/"+zone+"/%").Scan(&avg)
	if err != nil {
		return 1.0, err
	}
	if !avg.Valid {
		return 1.0, nil
	}
	return ZoneMultiplier(avg.Float64), nil
}

// Heartbeat records a device check-in and pays the owner for verified uptime
// since the previous heartbeat. The reference id makes replays harmless.
func (l *Ledger) Heartbeat(ctx context.Context, deviceID string) (rewarded int64, err error) {
	d, err := l.GetDevice(ctx, deviceID)
	if err != nil {
		return 0, err
	}

	now := l.now()
	prev := d.LastHeartbeatAt
	if _, err := l.db.ExecContext(ctx, l.db.Rebind(
		"UPDATE devices SET last_heartbeat_at = ? WHERE device_id = ?"), now, deviceID); err != nil {
		return 0, err
	}
	if prev == nil {
		return 0, nil
	}

	rate, err := l.getRewardRate(ctx, d.DeviceType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}

	uptime := int64(now.Sub(*prev).Seconds())
	if uptime < rate.MinUptimeSeconds {
		return 0, nil
	}

	reward := rate.RatePerHour * uptime / 3600
	if reward <= 0 {
		return 0, nil
	}

	ref := fmt.Sprintf("infra:%s:%d", deviceID, now.Unix())
	_, err = l.Transfer(ctx, SystemWallet, d.OwnerID, reward, TxInfraReward,
		fmt.Sprintf("稼働報酬 %s (%ds)", deviceID, uptime), ref)
	if errors.Is(err, ErrDuplicateReference) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return reward, nil
}

func (l *Ledger) getRewardRate(ctx context.Context, deviceType string) (*RewardRate, error) {
	var r RewardRate
	err := l.db.QueryRowContext(ctx, l.db.Rebind(
		"SELECT device_type, rate_per_hour, min_uptime_seconds FROM reward_rates WHERE device_type = ?"),
		deviceType).Scan(&r.DeviceType, &r.RatePerHour, &r.MinUptimeSeconds)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRewardRates returns the payout schedule.
func (l *Ledger) ListRewardRates(ctx context.Context) ([]RewardRate, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT device_type, rate_per_hour, min_uptime_seconds FROM reward_rates ORDER BY device_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []RewardRate
	for rows.Next() {
		var r RewardRate
		if err := rows.Scan(&r.DeviceType, &r.RatePerHour, &r.MinUptimeSeconds); err != nil {
			return nil, err
		}
		rates = append(rates, r)
	}
	return rates, rows.Err()
}

// SetRewardRate upserts the rate for one device type.
func (l *Ledger) SetRewardRate(ctx context.Context, r RewardRate) error {
	res, err := l.db.ExecContext(ctx, l.db.Rebind(
		"UPDATE reward_rates SET rate_per_hour = ?, min_uptime_seconds = ? WHERE device_type = ?"),
		r.RatePerHour, r.MinUptimeSeconds, r.DeviceType)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = l.db.ExecContext(ctx, l.db.Rebind(
			"INSERT INTO reward_rates (device_type, rate_per_hour, min_uptime_seconds) VALUES (?, ?, ?)"),
			r.DeviceType, r.RatePerHour, r.MinUptimeSeconds)
	}
	return err
}
