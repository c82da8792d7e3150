package settings

import (
	"practice-portal/notification-service/internal/catalog"
)

// prioritySettings maps a dominant priority to the category default it
// produces. Off is used by the setup wizard only.
var prioritySettings = map[catalog.Priority]DeliverySettings{
	catalog.PriorityUrgent: {
		Channels:        catalog.NewChannelSet(catalog.ChannelPopup, catalog.ChannelEmail, catalog.ChannelSMS),
		PopupSound:      true,
		DigestFrequency: FrequencyBeginningOfDay,
	},
	catalog.PriorityImportant: {
		Channels:        catalog.NewChannelSet(catalog.ChannelPopup, catalog.ChannelEmail),
		DigestFrequency: FrequencyBeginningOfDay,
	},
	catalog.PriorityNormal: {
		Channels:        catalog.NewChannelSet(catalog.ChannelEmail),
		DigestEnabled:   true,
		DigestFrequency: FrequencyEvery4h,
	},
	catalog.PriorityLow: {
		Channels:        catalog.NewChannelSet(catalog.ChannelEmail),
		DigestEnabled:   true,
		DigestFrequency: FrequencyBeginningOfDay,
	},
	catalog.PriorityOff: {
		DigestFrequency: FrequencyBeginningOfDay,
	},
}

// SettingsForPriority returns the settings row for a priority. Unknown
// priorities map to the normal row.
func SettingsForPriority(p catalog.Priority) DeliverySettings {
	if s, ok := prioritySettings[p]; ok {
		return s
	}
	return prioritySettings[catalog.PriorityNormal]
}

// SecurityDefaults is the immutable security policy
func SecurityDefaults() DeliverySettings {
	return DeliverySettings{
		Channels:        catalog.AllChannelSet,
		PopupSound:      true,
		DigestEnabled:   false,
		DigestFrequency: FrequencyHourly,
	}
}

// DefaultQuietHours is disabled 22:00-08:00 with urgent bypass
func DefaultQuietHours() QuietHours {
	return QuietHours{
		Enabled:     false,
		Start:       22 * 60,
		End:         8 * 60,
		AllowUrgent: true,
	}
}

// PriorityCounts tallies types per priority, ignoring types switched off
func PriorityCounts(types []catalog.NotificationType) map[catalog.Priority]int {
	counts := make(map[catalog.Priority]int, len(catalog.UrgencyOrder))
	for _, t := range types {
		if t.Priority == catalog.PriorityOff {
			continue
		}
		counts[t.Priority]++
	}
	return counts
}

// DominantPriority picks the most frequent priority. Ties go to the more
// urgent priority; an empty tally yields normal.
func DominantPriority(types []catalog.NotificationType) catalog.Priority {
	counts := PriorityCounts(types)
	best, bestCount := catalog.PriorityNormal, 0
	for _, p := range catalog.UrgencyOrder {
		if counts[p] > bestCount {
			best, bestCount = p, counts[p]
		}
	}
	return best
}

// GenerateDefaults derives one CategoryDefault per category from the
// priorities of the types it contains. Security is fixed.
func GenerateDefaults(categories []catalog.Category, types []catalog.NotificationType) []CategoryDefault {
	byCategory := make(map[catalog.Category][]catalog.NotificationType, len(categories))
	for _, t := range types {
		byCategory[t.Category] = append(byCategory[t.Category], t)
	}

	out := make([]CategoryDefault, 0, len(categories))
	for _, c := range categories {
		if c.IsSecurity() {
			out = append(out, CategoryDefault{Category: c, DeliverySettings: SecurityDefaults()})
			continue
		}
		out = append(out, CategoryDefault{
			Category:         c,
			DeliverySettings: SettingsForPriority(DominantPriority(byCategory[c])),
		})
	}
	return out
}

// DefaultsFor runs GenerateDefaults over a catalog
func DefaultsFor(cat *catalog.Catalog) []CategoryDefault {
	return GenerateDefaults(cat.CategoryIDs(), cat.Types())
}

// NewDefaultSettings builds the first-run aggregate for a user
func NewDefaultSettings(userID string, cat *catalog.Catalog) *UserNotificationSettings {
	return &UserNotificationSettings{
		UserID:           userID,
		Role:             RoleManager,
		CategoryDefaults: DefaultsFor(cat),
		Preferences:      []NotificationPreference{},
		QuietHours:       DefaultQuietHours(),
	}
}
