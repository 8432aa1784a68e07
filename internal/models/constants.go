package models

import "time"

const (
	// DefaultInFlightTTL bounds how long an id stays marked as being written.
	DefaultInFlightTTL = 8 * time.Second

	// DefaultReadTimeout is applied to remote fetches.
	DefaultReadTimeout = 7 * time.Second

	// DefaultWriteTimeout is applied to remote mutations.
	DefaultWriteTimeout = 10 * time.Second

	// Retry queue defaults.
	DefaultQueueMaxRetries        = 3
	DefaultQueueBaseDelay         = time.Second
	DefaultQueueMaxDelay          = 30 * time.Second
	DefaultQueueBackoffMultiplier = 2.0
	DefaultQueueMaxAge            = 24 * time.Hour
	DefaultQueuePace              = 500 * time.Millisecond

	// DefaultHousekeepingInterval is how often stale queue items are purged.
	DefaultHousekeepingInterval = time.Hour

	// DefaultSyncInterval drives the periodic reconcile tick.
	DefaultSyncInterval = 5 * time.Minute

	// DefaultProbeInterval is how often connectivity is re-checked.
	DefaultProbeInterval = 15 * time.Second
)

// Setting keys kept in the local settings table.
const (
	SettingLastSyncAt          = "last_sync_at"
	SettingUserHasCreatedTasks = "user_has_created_tasks"
	SettingDeviceID            = "device_id"
	SettingOwnerID             = "owner_id"
)
