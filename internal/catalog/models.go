package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Channel is a delivery medium for a notification
type Channel string

const (
	ChannelPopup Channel = "popup"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// AllChannels lists channels in canonical order
var AllChannels = []Channel{ChannelPopup, ChannelEmail, ChannelSMS}

// ParseChannel validates a channel name
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case ChannelPopup, ChannelEmail, ChannelSMS:
		return c, nil
	default:
		return "", fmt.Errorf("unknown channel %q", s)
	}
}

func (c Channel) bit() ChannelSet {
	switch c {
	case ChannelPopup:
		return 1 << 0
	case ChannelEmail:
		return 1 << 1
	case ChannelSMS:
		return 1 << 2
	}
	return 0
}

// ChannelSet is an unordered set of channels. The zero value is the empty set
// and two sets are equal iff they hold the same channels.
type ChannelSet uint8

// NewChannelSet builds a set from the given channels
func NewChannelSet(channels ...Channel) ChannelSet {
	var s ChannelSet
	for _, c := range channels {
		s |= c.bit()
	}
	return s
}

// AllChannelSet is the set of every channel
var AllChannelSet = NewChannelSet(AllChannels...)

func (s ChannelSet) Has(c Channel) bool { return s&c.bit() != 0 }

func (s ChannelSet) With(c Channel) ChannelSet { return s | c.bit() }

func (s ChannelSet) Without(c Channel) ChannelSet { return s &^ c.bit() }

// Toggle flips membership of c
func (s ChannelSet) Toggle(c Channel) ChannelSet { return s ^ c.bit() }

func (s ChannelSet) IsEmpty() bool { return s&AllChannelSet == 0 }

// Channels returns the members in canonical order
func (s ChannelSet) Channels() []Channel {
	out := make([]Channel, 0, len(AllChannels))
	for _, c := range AllChannels {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s ChannelSet) String() string {
	parts := make([]string, 0, len(AllChannels))
	for _, c := range s.Channels() {
		parts = append(parts, string(c))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (s ChannelSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Channels())
}

func (s *ChannelSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var out ChannelSet
	for _, name := range names {
		c, err := ParseChannel(name)
		if err != nil {
			return err
		}
		out = out.With(c)
	}
	*s = out
	return nil
}

// Priority is the urgency level attached to a notification type
type Priority string

const (
	PriorityUrgent    Priority = "urgent"
	PriorityImportant Priority = "important"
	PriorityNormal    Priority = "normal"
	PriorityLow       Priority = "low"
	PriorityOff       Priority = "off"
)

// UrgencyOrder ranks priorities from most to least urgent. Off is not ranked.
var UrgencyOrder = []Priority{PriorityUrgent, PriorityImportant, PriorityNormal, PriorityLow}

// ParsePriority validates a priority name
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityUrgent, PriorityImportant, PriorityNormal, PriorityLow, PriorityOff:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Category groups notification types sharing a default delivery policy
type Category string

const (
	CategoryClient            Category = "client"
	CategoryProject           Category = "project"
	CategoryTask              Category = "task"
	CategoryOrganizer         Category = "organizer"
	CategoryInvoice           Category = "invoice"
	CategorySubscription      Category = "subscription"
	CategorySignature         Category = "signature"
	CategoryIncomingDocuments Category = "incoming-documents"
	CategoryTeam              Category = "team"
	CategoryHR                Category = "hr"
	CategorySystem            Category = "system"
	CategorySecurity          Category = "security"
)

// IsSecurity reports whether the category is the locked security category
func (c Category) IsSecurity() bool { return c == CategorySecurity }

// NotificationType is read-only reference data describing one kind of notification
type NotificationType struct {
	ID              string     `json:"id"`
	Category        Category   `json:"category"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Priority        Priority   `json:"priority"`
	DefaultChannels ChannelSet `json:"defaultChannels"`
	Locked          bool       `json:"locked,omitempty"`
	IsUrgent        bool       `json:"isUrgent,omitempty"`
}

// CategoryInfo is display metadata for a category
type CategoryInfo struct {
	Category Category `json:"category"`
	Label    string   `json:"label"`
	Icon     string   `json:"icon"`
	Color    string   `json:"color"`
}
