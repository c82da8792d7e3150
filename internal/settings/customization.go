package settings

import (
	"practice-portal/notification-service/internal/catalog"
)

// IsCustom reports whether a type's override still differs from the current
// category default. It is recomputed on every call because category defaults
// move independently of overrides.
func IsCustom(s *UserNotificationSettings, typeID string, category catalog.Category) bool {
	if category.IsSecurity() {
		return false
	}
	pref, ok := s.Preference(typeID)
	if !ok {
		return false
	}
	def, ok := s.CategoryDefault(category)
	if !ok {
		return true
	}
	return !pref.DeliverySettings.Equivalent(def.DeliverySettings)
}

// CustomizedTypes returns the ids of types in a category whose overrides
// differ from the category default, in catalog order. These are the types a
// category-level change will not affect.
func CustomizedTypes(s *UserNotificationSettings, cat *catalog.Catalog, category catalog.Category) []string {
	var out []string
	for _, t := range cat.TypesIn(category) {
		if IsCustom(s, t.ID, category) {
			out = append(out, t.ID)
		}
	}
	return out
}

// CategorySummary is the per-category overview shown next to the category list
type CategorySummary struct {
	Category         catalog.Category         `json:"category"`
	Label            string                   `json:"label"`
	Icon             string                   `json:"icon"`
	Color            string                   `json:"color"`
	Locked           bool                     `json:"locked"`
	Total            int                      `json:"total"`
	Enabled          int                      `json:"enabled"`
	Customized       int                      `json:"customized"`
	PriorityCounts   map[catalog.Priority]int `json:"priorityCounts"`
	DominantPriority catalog.Priority         `json:"dominantPriority"`
	Default          DeliverySettings         `json:"default"`
}

// Summarize builds one CategorySummary per catalog category
func (r *Resolver) Summarize(s *UserNotificationSettings, cat *catalog.Catalog) []CategorySummary {
	out := make([]CategorySummary, 0, len(cat.Categories()))
	for _, info := range cat.Categories() {
		types := cat.TypesIn(info.Category)
		sum := CategorySummary{
			Category:         info.Category,
			Label:            info.Label,
			Icon:             info.Icon,
			Color:            info.Color,
			Locked:           info.Category.IsSecurity(),
			Total:            len(types),
			PriorityCounts:   PriorityCounts(types),
			DominantPriority: DominantPriority(types),
		}
		if info.Category.IsSecurity() {
			sum.DominantPriority = catalog.PriorityUrgent
		}
		if def, ok := s.CategoryDefault(info.Category); ok {
			sum.Default = def.DeliverySettings
		}
		for _, t := range types {
			if !r.Effective(s, t.ID, info.Category).Channels.IsEmpty() {
				sum.Enabled++
			}
			if IsCustom(s, t.ID, info.Category) {
				sum.Customized++
			}
		}
		out = append(out, sum)
	}
	return out
}

// TypeView is one notification type as shown in the settings screen
type TypeView struct {
	Type      catalog.NotificationType `json:"type"`
	Effective Resolved                 `json:"effective"`
	IsCustom  bool                     `json:"isCustom"`
}

// TypeViews resolves every catalog type against the settings
func (r *Resolver) TypeViews(s *UserNotificationSettings, cat *catalog.Catalog) []TypeView {
	types := cat.Types()
	out := make([]TypeView, 0, len(types))
	for _, t := range types {
		out = append(out, TypeView{
			Type:      t,
			Effective: r.Effective(s, t.ID, t.Category),
			IsCustom:  IsCustom(s, t.ID, t.Category),
		})
	}
	return out
}
