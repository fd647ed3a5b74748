package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DeviceBinding is the ledger row for one user. A user "has a binding" when
// DeviceFingerprint is non-empty; the row itself sticks around after unbind
// because it also carries the admin lock state, which survives disconnects.
type DeviceBinding struct {
	UserId            string    `json:"user_id" gorm:"primaryKey"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	BoundAt           time.Time `json:"bound_at"`

	Locked     bool      `json:"locked"`
	LockedBy   string    `json:"locked_by"`
	LockReason string    `json:"lock_reason"`
	LockedAt   time.Time `json:"locked_at"`
}

// BindingForUser returns the user's ledger row, or nil if the user has never
// been bound or locked.
func (db *DB) BindingForUser(ctx context.Context, userId string) (*DeviceBinding, error) {
	var binding DeviceBinding
	tx := db.WithContext(ctx).Where("user_id = ?", userId).First(&binding)
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return &binding, nil
}

// SetBindingFingerprint records which device holds the user's slot. Callers
// hold the per-user lock, so create-vs-update isn't racy.
func (db *DB) SetBindingFingerprint(ctx context.Context, userId string, fingerprint string, now time.Time) error {
	return setBindingFingerprintTx(db.WithContext(ctx), userId, fingerprint, now)
}

func setBindingFingerprintTx(tx *gorm.DB, userId string, fingerprint string, now time.Time) error {
	r := tx.Model(&DeviceBinding{}).Where("user_id = ?", userId).Updates(map[string]any{
		"device_fingerprint": fingerprint,
		"bound_at":           now,
	})
	if r.Error != nil {
		return fmt.Errorf("r.Error: %w", r.Error)
	}
	if r.RowsAffected == 0 {
		if err := tx.Create(&DeviceBinding{UserId: userId, DeviceFingerprint: fingerprint, BoundAt: now}).Error; err != nil {
			return fmt.Errorf("create: %w", err)
		}
	}

	return nil
}

// ClearBindingFingerprint removes the device binding but keeps the row so the
// lock state is preserved.
func (db *DB) ClearBindingFingerprint(ctx context.Context, userId string) error {
	return clearBindingFingerprintTx(db.WithContext(ctx), userId)
}

func clearBindingFingerprintTx(tx *gorm.DB, userId string) error {
	r := tx.Model(&DeviceBinding{}).Where("user_id = ?", userId).Updates(map[string]any{
		"device_fingerprint": "",
		"bound_at":           time.Time{},
	})
	if r.Error != nil {
		return fmt.Errorf("r.Error: %w", r.Error)
	}

	return nil
}

// SetBindingLock sets or clears the admin lock. Locking does not touch the
// fingerprint and does not terminate a live session; that composition is up
// to the engine.
func (db *DB) SetBindingLock(ctx context.Context, userId string, locked bool, adminId string, reason string, now time.Time) error {
	existing, err := db.BindingForUser(ctx, userId)
	if err != nil {
		return err
	}
	if existing == nil {
		binding := &DeviceBinding{UserId: userId, Locked: locked}
		if locked {
			binding.LockedBy = adminId
			binding.LockReason = reason
			binding.LockedAt = now
		}
		tx := db.WithContext(ctx).Create(binding)
		if tx.Error != nil {
			return fmt.Errorf("tx.Error: %w", tx.Error)
		}
		return nil
	}

	updates := map[string]any{"locked": locked}
	if locked {
		updates["locked_by"] = adminId
		updates["lock_reason"] = reason
		updates["locked_at"] = now
	} else {
		updates["locked_by"] = ""
		updates["lock_reason"] = ""
		updates["locked_at"] = time.Time{}
	}
	tx := db.WithContext(ctx).Model(&DeviceBinding{}).Where("user_id = ?", userId).Updates(updates)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return nil
}
