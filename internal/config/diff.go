package config

import (
	"cmp"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked in detail; changes
// to anything else are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	NavigationChanged bool
	AnimationChanged  bool
	LipSyncChanged    bool

	AvatarsChanged bool         // true if any avatar was added, removed, or modified
	AvatarChanges  []AvatarDiff // per-avatar diffs, sorted by ID

	// RestartRequired names the top-level keys whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// AvatarDiff describes what changed for a single avatar between two configs.
// A modified avatar is respawned from its new definition.
type AvatarDiff struct {
	ID       string
	Added    bool
	Removed  bool
	Modified bool
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.NavigationChanged && !d.AnimationChanged &&
		!d.LipSyncChanged && !d.AvatarsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.NavigationChanged = old.Navigation != new.Navigation
	d.AnimationChanged = old.Animation != new.Animation
	d.LipSyncChanged = old.LipSync != new.LipSync

	oldAvatars := make(map[string]int, len(old.Avatars))
	for i := range old.Avatars {
		oldAvatars[old.Avatars[i].ID] = i
	}
	newAvatars := make(map[string]int, len(new.Avatars))
	for i := range new.Avatars {
		newAvatars[new.Avatars[i].ID] = i
	}

	for id, oi := range oldAvatars {
		ni, exists := newAvatars[id]
		if !exists {
			d.AvatarChanges = append(d.AvatarChanges, AvatarDiff{ID: id, Removed: true})
			continue
		}
		if !reflect.DeepEqual(old.Avatars[oi], new.Avatars[ni]) {
			d.AvatarChanges = append(d.AvatarChanges, AvatarDiff{ID: id, Modified: true})
		}
	}
	for id := range newAvatars {
		if _, exists := oldAvatars[id]; !exists {
			d.AvatarChanges = append(d.AvatarChanges, AvatarDiff{ID: id, Added: true})
		}
	}
	slices.SortFunc(d.AvatarChanges, func(a, b AvatarDiff) int {
		return cmp.Compare(a.ID, b.ID)
	})
	d.AvatarsChanged = len(d.AvatarChanges) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		old.Server.ShutdownTimeout != new.Server.ShutdownTimeout {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Scene, new.Scene) {
		d.RestartRequired = append(d.RestartRequired, "scene")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if !reflect.DeepEqual(old.Feed, new.Feed) {
		d.RestartRequired = append(d.RestartRequired, "feed")
	}
	if !reflect.DeepEqual(old.Telemetry, new.Telemetry) {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
