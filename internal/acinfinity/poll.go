package acinfinity

import "time"

// MinPollInterval is how stale the last successful poll may get before a
// connection-based poll is warranted again.
const MinPollInterval = 30 * time.Second

// NeverPolled is passed to NeedsPoll when no poll has succeeded yet.
const NeverPolled time.Duration = -1

// NeedsPoll reports whether a connection-based poll is warranted. The result
// is advisory; callers also check that the device is currently connectable.
func NeedsPoll(sinceLastPoll time.Duration, configDirty bool) bool {
	return configDirty || sinceLastPoll < 0 || sinceLastPoll > MinPollInterval
}
