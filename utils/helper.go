package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"github.com/bsm/redislock"
)

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func NewString(s string) *string {
	return &s
}

func NewTime(t time.Time) *time.Time {
	return &t
}

// AllocationLock serializes allocation per (business, sku) across instances.
//
// Best-effort only: the FIFO depletion itself is protected by conditional
// updates, and idempotency by unique indexes. The lock just avoids needless
// optimistic-update retries when two shipments for the same SKU land at once.
// Returns a release func; callers must defer it.
func AllocationLock(ctx context.Context, businessId string, sku string, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Redis not ready: proceed without the lock, the DB stays authoritative.
		config.LogWarn(logger, moduleName, functionName, "AllocationLock", "redis lock not initialized; proceeding without lock")
		return func() {}, nil
	}
	lockKey := fmt.Sprintf("allocLock:%s:%s", businessId, sku)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain allocation lock", lockKey, err)
		return nil, errors.New("could not obtain allocation lock for sku")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining allocation lock", lockKey, err)
		return nil, err
	}
	release := func() {
		if releaseErr := lock.Release(ctx); releaseErr != nil && releaseErr != redislock.ErrLockNotHeld {
			config.LogError(logger, moduleName, functionName, "Error releasing allocation lock", lockKey, releaseErr)
		}
	}
	return release, nil
}
