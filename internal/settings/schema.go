package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"practice-portal/notification-service/internal/catalog"
)

// SchemaVersion is written into every encoded document. Documents without a
// version are legacy and go through the same normalization.
const SchemaVersion = 1

type document struct {
	Version          int                      `json:"version"`
	UserID           string                   `json:"userId"`
	Role             Role                     `json:"role,omitempty"`
	CategoryDefaults []CategoryDefault        `json:"categoryDefaults"`
	Preferences      []NotificationPreference `json:"preferences"`
	QuietHours       QuietHours               `json:"quietHours"`
}

type rawDocument struct {
	Version          *int              `json:"version"`
	UserID           string            `json:"userId"`
	Role             json.RawMessage   `json:"role"`
	CategoryDefaults []json.RawMessage `json:"categoryDefaults"`
	Preferences      []json.RawMessage `json:"preferences"`
	QuietHours       json.RawMessage   `json:"quietHours"`
}

// Encode writes settings in canonical form: categories in catalog order,
// preferences sorted by id, channels in popup/email/sms order.
func Encode(s *UserNotificationSettings, cat *catalog.Catalog) ([]byte, error) {
	doc := document{
		Version:     SchemaVersion,
		UserID:      s.UserID,
		Role:        s.Role,
		QuietHours:  s.QuietHours,
		Preferences: append([]NotificationPreference{}, s.Preferences...),
	}

	order := cat.CategoryIDs()
	doc.CategoryDefaults = make([]CategoryDefault, 0, len(s.CategoryDefaults))
	seen := make(map[catalog.Category]bool, len(order))
	for _, c := range order {
		if cd, ok := s.CategoryDefault(c); ok {
			doc.CategoryDefaults = append(doc.CategoryDefaults, cd)
			seen[c] = true
		}
	}
	for _, cd := range s.CategoryDefaults {
		if !seen[cd.Category] {
			doc.CategoryDefaults = append(doc.CategoryDefaults, cd)
		}
	}

	sort.SliceStable(doc.Preferences, func(i, j int) bool {
		return doc.Preferences[i].NotificationTypeID < doc.Preferences[j].NotificationTypeID
	})

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification settings: %w", err)
	}
	return data, nil
}

// Decode reads a persisted document and normalizes it against the catalog.
// Individual entries and fields that cannot be read fall back to generated
// values; only a document that is not a JSON object yields a *ParseError.
func Decode(userID string, data []byte, cat *catalog.Catalog) (*UserNotificationSettings, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{UserID: userID, Err: err}
	}
	if raw.Version != nil && *raw.Version > SchemaVersion {
		return nil, &ParseError{UserID: userID, Err: fmt.Errorf("unsupported schema version %d", *raw.Version)}
	}

	generated := DefaultsFor(cat)
	out := &UserNotificationSettings{
		UserID:           userID,
		Role:             decodeRole(raw.Role),
		CategoryDefaults: decodeCategoryDefaults(raw.CategoryDefaults, generated),
		QuietHours:       decodeQuietHours(raw.QuietHours),
	}
	out.Preferences = decodePreferences(raw.Preferences, out, cat)
	return out, nil
}

func decodeRole(data json.RawMessage) Role {
	var r Role
	if err := json.Unmarshal(data, &r); err != nil {
		return RoleManager
	}
	switch r {
	case RoleAdmin, RolePartner, RoleManager, RoleStaff:
		return r
	default:
		return RoleManager
	}
}

func decodeCategoryDefaults(entries []json.RawMessage, generated []CategoryDefault) []CategoryDefault {
	stored := make(map[catalog.Category]map[string]json.RawMessage, len(entries))
	for _, entry := range entries {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(entry, &fields); err != nil {
			continue
		}
		var c catalog.Category
		if err := json.Unmarshal(fields["category"], &c); err != nil {
			continue
		}
		if _, dup := stored[c]; !dup {
			stored[c] = fields
		}
	}

	out := make([]CategoryDefault, 0, len(generated))
	for _, g := range generated {
		if g.Category.IsSecurity() {
			out = append(out, CategoryDefault{Category: g.Category, DeliverySettings: SecurityDefaults()})
			continue
		}
		cd := g
		if fields, ok := stored[g.Category]; ok {
			cd.DeliverySettings = decodeDelivery(fields, g.DeliverySettings)
		}
		out = append(out, cd)
	}
	return out
}

func decodePreferences(entries []json.RawMessage, s *UserNotificationSettings, cat *catalog.Catalog) []NotificationPreference {
	byID := make(map[string]NotificationPreference, len(entries))
	for _, entry := range entries {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(entry, &fields); err != nil {
			continue
		}
		var id string
		if err := json.Unmarshal(fields["notificationId"], &id); err != nil || id == "" {
			continue
		}
		if _, dup := byID[id]; dup {
			continue
		}

		base := FallbackSettings()
		hasDefault := false
		if t, ok := cat.Type(id); ok {
			if t.Locked {
				continue
			}
			if def, ok := s.CategoryDefault(t.Category); ok {
				base = def.DeliverySettings
				hasDefault = true
			}
		}
		d := decodeDelivery(fields, base)
		// an override matching its category default is not custom
		if hasDefault && d.Equivalent(base) {
			continue
		}
		byID[id] = NotificationPreference{NotificationTypeID: id, DeliverySettings: d}
	}

	out := make([]NotificationPreference, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotificationTypeID < out[j].NotificationTypeID })
	return out
}

// decodeDelivery reads each delivery field on its own, keeping base for any
// field that is missing or malformed.
func decodeDelivery(fields map[string]json.RawMessage, base DeliverySettings) DeliverySettings {
	d := base
	if v, ok := fields["channels"]; ok {
		var ch catalog.ChannelSet
		if err := json.Unmarshal(v, &ch); err == nil {
			d.Channels = ch
		}
	}
	if v, ok := fields["popupSound"]; ok {
		_ = unmarshalInto(v, &d.PopupSound)
	}
	if v, ok := fields["digestEnabled"]; ok {
		_ = unmarshalInto(v, &d.DigestEnabled)
	}
	if v, ok := fields["digestFrequency"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if f, err := ParseFrequency(s); err == nil {
				d.DigestFrequency = f
			}
		}
	}
	if v, ok := fields["digestWeekDay"]; ok {
		var n int
		if err := json.Unmarshal(v, &n); err == nil && n >= int(time.Sunday) && n <= int(time.Saturday) {
			d.DigestWeekday = time.Weekday(n)
		}
	}
	return d
}

func decodeQuietHours(data json.RawMessage) QuietHours {
	q := DefaultQuietHours()
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return q
	}
	if v, ok := fields["enabled"]; ok {
		_ = unmarshalInto(v, &q.Enabled)
	}
	if v, ok := fields["allowUrgent"]; ok {
		_ = unmarshalInto(v, &q.AllowUrgent)
	}
	if v, ok := fields["startTime"]; ok {
		_ = unmarshalInto(v, &q.Start)
	}
	if v, ok := fields["endTime"]; ok {
		_ = unmarshalInto(v, &q.End)
	}
	return q
}

// unmarshalInto leaves dst untouched when v does not decode
func unmarshalInto[T any](v json.RawMessage, dst *T) error {
	var tmp T
	if err := json.Unmarshal(v, &tmp); err != nil {
		return err
	}
	if string(v) == "null" {
		return errors.New("null value")
	}
	*dst = tmp
	return nil
}
