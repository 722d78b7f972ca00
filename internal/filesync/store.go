package filesync

import (
	"fmt"
	"math"
	"time"
)

// Config store sections and keys read and written by the sync core.
const (
	SectionTime  = "time"
	KeySyncTime  = "synctime"
	SectionDir   = "folder"
	KeyLocalDir  = "local"
	KeyRemoteDir = "remote"
	SectionHost  = "host"
	KeyServer    = "server"
	KeyClient    = "client"
	KeyPort      = "port"

	SectionStatus = "status"
	KeyNeedSync   = "needsync"
)

// syncTimeLayout is how the last sync time is persisted, in local time.
const syncTimeLayout = time.DateTime

//go:generate mockgen -source=store.go -destination=mock_store_test.go -package=filesync

// ConfigStore is the persisted settings collaborator. Get returns an
// empty string for unset keys.
type ConfigStore interface {
	Get(section, key string) string
	Set(section, key, value string) error
}

// LastSyncTime reads the stored last sync time as unix seconds. An
// empty value means the trees were never synced and yields zero.
func LastSyncTime(store ConfigStore) (uint32, error) {
	raw := store.Get(SectionTime, KeySyncTime)
	if raw == "" {
		return 0, nil
	}

	t, err := time.ParseInLocation(syncTimeLayout, raw, time.Local)
	if err != nil {
		return 0, fmt.Errorf("parsing last sync time %q: %w", raw, err)
	}

	unix := t.Unix()
	if unix < 0 || unix > math.MaxUint32 {
		return 0, fmt.Errorf("last sync time %q outside 32-bit range", raw)
	}

	return uint32(unix), nil
}

// SaveSyncTime persists now as the last sync time.
func SaveSyncTime(store ConfigStore, now time.Time) error {
	if err := store.Set(SectionTime, KeySyncTime, now.In(time.Local).Format(syncTimeLayout)); err != nil {
		return fmt.Errorf("saving sync time: %w", err)
	}

	return nil
}

// NeedsSync reports whether the needs-sync flag is set.
func NeedsSync(store ConfigStore) bool {
	return store.Get(SectionStatus, KeyNeedSync) == "true"
}

// SetNeedsSync writes the needs-sync flag.
func SetNeedsSync(store ConfigStore, v bool) error {
	value := "false"
	if v {
		value = "true"
	}

	return store.Set(SectionStatus, KeyNeedSync, value)
}
