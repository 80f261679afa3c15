package sqlite

import (
	"context"
	"fmt"
)

// DeviceClock issues strictly increasing logical clock values backed by a
// single-row table, so values survive restarts.
type DeviceClock struct {
	conn *Connection
}

// NewDeviceClock creates a device clock on an open connection.
func NewDeviceClock(conn *Connection) *DeviceClock {
	return &DeviceClock{conn: conn}
}

// Next atomically increments and returns the clock value.
func (c *DeviceClock) Next(ctx context.Context) (int64, error) {
	db, err := c.conn.DB()
	if err != nil {
		return 0, err
	}

	var tick int64
	err = db.QueryRowContext(ctx, `
		UPDATE device_clock SET tick = tick + 1 WHERE id = 1
		RETURNING tick`).Scan(&tick)
	if err != nil {
		return 0, fmt.Errorf("could not advance device clock: %w", err)
	}
	return tick, nil
}

// Current returns the last issued value without advancing.
func (c *DeviceClock) Current(ctx context.Context) (int64, error) {
	db, err := c.conn.DB()
	if err != nil {
		return 0, err
	}

	var tick int64
	err = db.QueryRowContext(ctx, `SELECT tick FROM device_clock WHERE id = 1`).Scan(&tick)
	if err != nil {
		return 0, fmt.Errorf("could not read device clock: %w", err)
	}
	return tick, nil
}

// Observe raises the clock to at least the given value, keeping local time
// ahead of any remote clock this device has seen.
func (c *DeviceClock) Observe(ctx context.Context, remote int64) error {
	db, err := c.conn.DB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`UPDATE device_clock SET tick = MAX(tick, ?) WHERE id = 1`, remote)
	if err != nil {
		return fmt.Errorf("could not observe remote clock: %w", err)
	}
	return nil
}
