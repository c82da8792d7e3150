package settings

import (
	"fmt"
	"time"

	"practice-portal/notification-service/internal/catalog"
)

// Source tells where resolved settings came from
type Source string

const (
	SourceDefault  Source = "default"
	SourceOverride Source = "override"
	SourceLocked   Source = "locked"
	SourceFallback Source = "fallback"
)

// Resolved is the effective delivery policy for one notification type
type Resolved struct {
	TypeID   string           `json:"notificationId"`
	Category catalog.Category `json:"category"`
	Source   Source           `json:"source"`
	DeliverySettings
}

// FallbackSettings is used when reference data does not know the type or
// category, so a stale id never blocks resolution.
func FallbackSettings() DeliverySettings {
	return DeliverySettings{
		Channels:        catalog.NewChannelSet(catalog.ChannelPopup),
		DigestFrequency: FrequencyBeginningOfDay,
	}
}

// Resolver computes effective settings and applies copy-on-write mutations
// to a settings snapshot. A nil catalog skips reference-data checks.
type Resolver struct {
	catalog *catalog.Catalog
}

func NewResolver(cat *catalog.Catalog) *Resolver {
	return &Resolver{catalog: cat}
}

// Effective resolves type override > category default, with security types
// pinned to the security policy.
func (r *Resolver) Effective(s *UserNotificationSettings, typeID string, category catalog.Category) Resolved {
	res := Resolved{TypeID: typeID, Category: category}

	if category.IsSecurity() || r.isLockedType(typeID) {
		res.Source = SourceLocked
		res.DeliverySettings = SecurityDefaults()
		return res
	}

	if r.catalog != nil {
		if _, ok := r.catalog.Type(typeID); !ok || !r.catalog.HasCategory(category) {
			res.Source = SourceFallback
			res.DeliverySettings = FallbackSettings()
			return res
		}
	}

	def, ok := s.CategoryDefault(category)
	if !ok {
		res.Source = SourceFallback
		res.DeliverySettings = FallbackSettings()
		return res
	}

	if pref, ok := s.Preference(typeID); ok {
		res.Source = SourceOverride
		res.DeliverySettings = pref.DeliverySettings
		return res
	}

	res.Source = SourceDefault
	res.DeliverySettings = def.DeliverySettings
	return res
}

func (r *Resolver) isLockedType(typeID string) bool {
	if r.catalog == nil {
		return false
	}
	t, ok := r.catalog.Type(typeID)
	return ok && t.Locked
}

// checkType validates a type-level mutation target
func (r *Resolver) checkType(s *UserNotificationSettings, typeID string, category catalog.Category) (CategoryDefault, error) {
	if category.IsSecurity() || r.isLockedType(typeID) {
		return CategoryDefault{}, ErrLockedCategory
	}
	if r.catalog != nil {
		t, ok := r.catalog.Type(typeID)
		if !ok {
			return CategoryDefault{}, fmt.Errorf("%w: %s", ErrUnknownNotificationType, typeID)
		}
		if t.Category != category {
			return CategoryDefault{}, fmt.Errorf("%w: %s is not in category %s", ErrUnknownNotificationType, typeID, category)
		}
	}
	def, ok := s.CategoryDefault(category)
	if !ok {
		return CategoryDefault{}, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	return def, nil
}

// checkCategory validates a category-level mutation target
func (r *Resolver) checkCategory(s *UserNotificationSettings, category catalog.Category) (CategoryDefault, error) {
	if category.IsSecurity() {
		return CategoryDefault{}, ErrLockedCategory
	}
	def, ok := s.CategoryDefault(category)
	if !ok {
		return CategoryDefault{}, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	return def, nil
}

// updateType applies fn to the type's current effective settings and writes
// the result as an override, or drops the override when the result is not
// distinguishable from the category default.
func (r *Resolver) updateType(s *UserNotificationSettings, typeID string, category catalog.Category,
	fn func(DeliverySettings) (DeliverySettings, error)) (*UserNotificationSettings, error) {
	def, err := r.checkType(s, typeID, category)
	if err != nil {
		return nil, err
	}

	current := def.DeliverySettings
	if pref, ok := s.Preference(typeID); ok {
		current = pref.DeliverySettings
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	out := s.Clone()
	if next.Equivalent(def.DeliverySettings) {
		out.deletePreference(typeID)
		return out, nil
	}
	out.setPreference(NotificationPreference{NotificationTypeID: typeID, DeliverySettings: next})
	return out, nil
}

// ToggleTypeChannel flips one channel on a type's effective settings
func (r *Resolver) ToggleTypeChannel(s *UserNotificationSettings, typeID string, category catalog.Category, ch catalog.Channel) (*UserNotificationSettings, error) {
	return r.updateType(s, typeID, category, func(d DeliverySettings) (DeliverySettings, error) {
		d.Channels = d.Channels.Toggle(ch)
		return d, nil
	})
}

// ToggleTypeDigest flips digest batching on a type
func (r *Resolver) ToggleTypeDigest(s *UserNotificationSettings, typeID string, category catalog.Category) (*UserNotificationSettings, error) {
	return r.updateType(s, typeID, category, func(d DeliverySettings) (DeliverySettings, error) {
		d.DigestEnabled = !d.DigestEnabled
		return d, nil
	})
}

// SetTypeDigestFrequency sets the cadence used when the type's digest is on
func (r *Resolver) SetTypeDigestFrequency(s *UserNotificationSettings, typeID string, category catalog.Category, freq Frequency, weekday time.Weekday) (*UserNotificationSettings, error) {
	return r.updateType(s, typeID, category, func(d DeliverySettings) (DeliverySettings, error) {
		f, err := validateDigest(freq, weekday)
		if err != nil {
			return d, err
		}
		d.DigestFrequency = f
		d.DigestWeekday = weekday
		return d, nil
	})
}

// ToggleTypePopupSound flips the popup sound on a type
func (r *Resolver) ToggleTypePopupSound(s *UserNotificationSettings, typeID string, category catalog.Category) (*UserNotificationSettings, error) {
	return r.updateType(s, typeID, category, func(d DeliverySettings) (DeliverySettings, error) {
		d.PopupSound = !d.PopupSound
		return d, nil
	})
}

// ResetType removes a type's override
func (r *Resolver) ResetType(s *UserNotificationSettings, typeID string) (*UserNotificationSettings, error) {
	if r.isLockedType(typeID) {
		return nil, ErrLockedCategory
	}
	out := s.Clone()
	out.deletePreference(typeID)
	return out, nil
}

// ToggleCategoryChannel flips a channel on the category default. Existing
// overrides in the category are left as they are.
func (r *Resolver) ToggleCategoryChannel(s *UserNotificationSettings, category catalog.Category, ch catalog.Channel) (*UserNotificationSettings, error) {
	def, err := r.checkCategory(s, category)
	if err != nil {
		return nil, err
	}
	def.Channels = def.Channels.Toggle(ch)
	out := s.Clone()
	out.setCategoryDefault(def)
	return out, nil
}

// ToggleCategoryPopupSound flips the popup sound on the category default
func (r *Resolver) ToggleCategoryPopupSound(s *UserNotificationSettings, category catalog.Category) (*UserNotificationSettings, error) {
	def, err := r.checkCategory(s, category)
	if err != nil {
		return nil, err
	}
	def.PopupSound = !def.PopupSound
	out := s.Clone()
	out.setCategoryDefault(def)
	return out, nil
}

// UpdateCategoryDigest replaces the digest fields of a category default
func (r *Resolver) UpdateCategoryDigest(s *UserNotificationSettings, category catalog.Category, enabled bool, freq Frequency, weekday time.Weekday) (*UserNotificationSettings, error) {
	def, err := r.checkCategory(s, category)
	if err != nil {
		return nil, err
	}
	f, err := validateDigest(freq, weekday)
	if err != nil {
		return nil, err
	}
	def.DigestEnabled = enabled
	def.DigestFrequency = f
	def.DigestWeekday = weekday
	out := s.Clone()
	out.setCategoryDefault(def)
	return out, nil
}

// UpdateQuietHours replaces the quiet hours configuration
func (r *Resolver) UpdateQuietHours(s *UserNotificationSettings, q QuietHours) (*UserNotificationSettings, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	out := s.Clone()
	out.QuietHours = q
	return out, nil
}

func validateDigest(freq Frequency, weekday time.Weekday) (Frequency, error) {
	f, err := ParseFrequency(string(freq))
	if err != nil {
		return "", err
	}
	if weekday < time.Sunday || weekday > time.Saturday {
		return "", fmt.Errorf("%w: weekday %d out of range", ErrInvalidDigest, weekday)
	}
	return f, nil
}
