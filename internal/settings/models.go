package settings

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"practice-portal/notification-service/internal/catalog"
)

// Frequency is a digest cadence
type Frequency string

const (
	FrequencyHourly         Frequency = "hourly"
	FrequencyEvery2h        Frequency = "every-2h"
	FrequencyEvery4h        Frequency = "every-4h"
	FrequencyBeginningOfDay Frequency = "beginning-of-day"
	FrequencyEndOfDay       Frequency = "end-of-day"
	FrequencyWeekly         Frequency = "weekly"
)

// ParseFrequency validates a frequency, accepting the legacy "2-hours" and
// "4-hours" spellings.
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(s))); f {
	case FrequencyHourly, FrequencyEvery2h, FrequencyEvery4h,
		FrequencyBeginningOfDay, FrequencyEndOfDay, FrequencyWeekly:
		return f, nil
	case "2-hours":
		return FrequencyEvery2h, nil
	case "4-hours":
		return FrequencyEvery4h, nil
	default:
		return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalidDigest, s)
	}
}

// Role of the user owning the settings
type Role string

const (
	RoleAdmin   Role = "admin"
	RolePartner Role = "partner"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
)

// DeliverySettings is the channel/sound/digest tuple shared by category
// defaults and per-type overrides.
type DeliverySettings struct {
	Channels        catalog.ChannelSet `json:"channels"`
	PopupSound      bool               `json:"popupSound"`
	DigestEnabled   bool               `json:"digestEnabled"`
	DigestFrequency Frequency          `json:"digestFrequency"`
	DigestWeekday   time.Weekday       `json:"digestWeekDay"`
}

// Equivalent compares the fields that make a type "custom". Frequency only
// counts while the digest is enabled, and the weekday only for weekly digests.
func (d DeliverySettings) Equivalent(o DeliverySettings) bool {
	if d.Channels != o.Channels || d.PopupSound != o.PopupSound || d.DigestEnabled != o.DigestEnabled {
		return false
	}
	if !d.DigestEnabled {
		return true
	}
	if d.DigestFrequency != o.DigestFrequency {
		return false
	}
	return d.DigestFrequency != FrequencyWeekly || d.DigestWeekday == o.DigestWeekday
}

// CategoryDefault is the delivery policy applied to every type in a category
// that has no override.
type CategoryDefault struct {
	Category catalog.Category `json:"category"`
	DeliverySettings
}

// NotificationPreference is a per-type override. Its presence means the type
// was customized when last written; whether it still differs from the
// category default is computed by IsCustom.
type NotificationPreference struct {
	NotificationTypeID string `json:"notificationId"`
	DeliverySettings
}

// ClockTime is a minute of the day in [0, 1440)
type ClockTime int

const minutesPerDay = 24 * 60

// ParseClockTime parses "HH:MM" in 24h format
func ParseClockTime(s string) (ClockTime, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q is not HH:MM", ErrInvalidQuietHours, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: bad hour in %q", ErrInvalidQuietHours, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: bad minute in %q", ErrInvalidQuietHours, s)
	}
	return ClockTime(h*60 + m), nil
}

// ClockOf returns the minute of day of t in t's location
func ClockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

func (c ClockTime) Valid() bool { return c >= 0 && c < minutesPerDay }

func (c ClockTime) Hour() int { return int(c) / 60 }

func (c ClockTime) Minute() int { return int(c) % 60 }

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts "HH:MM" or a bare minute-of-day number
func (c *ClockTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseClockTime(s)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: clock time must be \"HH:MM\" or minutes", ErrInvalidQuietHours)
	}
	if !ClockTime(n).Valid() {
		return fmt.Errorf("%w: minute %d out of range", ErrInvalidQuietHours, n)
	}
	*c = ClockTime(n)
	return nil
}

// QuietHours is the do-not-disturb window. The window is [Start, End) and may
// wrap past midnight; Start == End is an empty window.
type QuietHours struct {
	Enabled     bool      `json:"enabled"`
	Start       ClockTime `json:"startTime"`
	End         ClockTime `json:"endTime"`
	AllowUrgent bool      `json:"allowUrgent"`
}

// Contains reports whether the minute of day falls inside the window,
// regardless of Enabled.
func (q QuietHours) Contains(m ClockTime) bool {
	switch {
	case q.Start == q.End:
		return false
	case q.Start < q.End:
		return m >= q.Start && m < q.End
	default:
		return m >= q.Start || m < q.End
	}
}

// Validate checks both bounds are valid minutes of day
func (q QuietHours) Validate() error {
	if !q.Start.Valid() || !q.End.Valid() {
		return fmt.Errorf("%w: times must be within 00:00-23:59", ErrInvalidQuietHours)
	}
	return nil
}

// UserNotificationSettings is the per-user aggregate. Values are treated as
// immutable once published; mutations return a modified Clone.
type UserNotificationSettings struct {
	UserID           string                   `json:"userId"`
	Role             Role                     `json:"role,omitempty"`
	CategoryDefaults []CategoryDefault        `json:"categoryDefaults"`
	Preferences      []NotificationPreference `json:"preferences"`
	QuietHours       QuietHours               `json:"quietHours"`

	// Revision is the storage version the snapshot was read at
	Revision int64 `json:"-"`
}

// CategoryDefault looks up the default for a category
func (s *UserNotificationSettings) CategoryDefault(category catalog.Category) (CategoryDefault, bool) {
	for _, cd := range s.CategoryDefaults {
		if cd.Category == category {
			return cd, true
		}
	}
	return CategoryDefault{}, false
}

// Preference looks up the override for a notification type
func (s *UserNotificationSettings) Preference(typeID string) (NotificationPreference, bool) {
	for _, p := range s.Preferences {
		if p.NotificationTypeID == typeID {
			return p, true
		}
	}
	return NotificationPreference{}, false
}

// Clone returns a deep copy
func (s *UserNotificationSettings) Clone() *UserNotificationSettings {
	out := *s
	out.CategoryDefaults = make([]CategoryDefault, len(s.CategoryDefaults))
	copy(out.CategoryDefaults, s.CategoryDefaults)
	out.Preferences = make([]NotificationPreference, len(s.Preferences))
	copy(out.Preferences, s.Preferences)
	return &out
}

func (s *UserNotificationSettings) setCategoryDefault(cd CategoryDefault) {
	for i := range s.CategoryDefaults {
		if s.CategoryDefaults[i].Category == cd.Category {
			s.CategoryDefaults[i] = cd
			return
		}
	}
	s.CategoryDefaults = append(s.CategoryDefaults, cd)
}

func (s *UserNotificationSettings) setPreference(p NotificationPreference) {
	for i := range s.Preferences {
		if s.Preferences[i].NotificationTypeID == p.NotificationTypeID {
			s.Preferences[i] = p
			return
		}
	}
	s.Preferences = append(s.Preferences, p)
}

func (s *UserNotificationSettings) deletePreference(typeID string) bool {
	for i := range s.Preferences {
		if s.Preferences[i].NotificationTypeID == typeID {
			s.Preferences = append(s.Preferences[:i:i], s.Preferences[i+1:]...)
			return true
		}
	}
	return false
}
