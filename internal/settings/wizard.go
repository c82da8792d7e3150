package settings

import (
	"fmt"

	"practice-portal/notification-service/internal/catalog"
)

// WizardGroup is one question of the first-run setup wizard
type WizardGroup string

const (
	GroupMoneyInvoices          WizardGroup = "money-invoices"
	GroupClientsSignatures      WizardGroup = "clients-signatures"
	GroupDocumentsFiles         WizardGroup = "documents-files"
	GroupTasksProjectsOrganizer WizardGroup = "tasks-projects-organizer"
	GroupTeamHR                 WizardGroup = "team-hr"
	GroupSystemSecurity         WizardGroup = "system-security"
)

// wizardGroups lists the categories each question configures. Security is
// listed for completeness and always skipped.
var wizardGroups = map[WizardGroup][]catalog.Category{
	GroupMoneyInvoices:          {catalog.CategoryInvoice, catalog.CategorySubscription},
	GroupClientsSignatures:      {catalog.CategoryClient, catalog.CategorySignature},
	GroupDocumentsFiles:         {catalog.CategoryIncomingDocuments},
	GroupTasksProjectsOrganizer: {catalog.CategoryTask, catalog.CategoryProject, catalog.CategoryOrganizer},
	GroupTeamHR:                 {catalog.CategoryTeam, catalog.CategoryHR},
	GroupSystemSecurity:         {catalog.CategorySystem, catalog.CategorySecurity},
}

// WizardAnswers maps each answered question to the chosen priority
type WizardAnswers map[WizardGroup]catalog.Priority

// ApplyWizard rewrites category defaults from the wizard answers, clears all
// overrides and, when quiet is non-nil, replaces quiet hours.
func (r *Resolver) ApplyWizard(s *UserNotificationSettings, answers WizardAnswers, quiet *QuietHours) (*UserNotificationSettings, error) {
	parsed := make(map[WizardGroup]catalog.Priority, len(answers))
	for group, raw := range answers {
		if _, ok := wizardGroups[group]; !ok {
			return nil, fmt.Errorf("%w: unknown question %q", ErrInvalidWizardAnswer, group)
		}
		p, err := catalog.ParsePriority(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWizardAnswer, err)
		}
		parsed[group] = p
	}
	if quiet != nil {
		if err := quiet.Validate(); err != nil {
			return nil, err
		}
	}

	out := s.Clone()
	for group, p := range parsed {
		row := SettingsForPriority(p)
		for _, c := range wizardGroups[group] {
			if c.IsSecurity() {
				continue
			}
			def, ok := out.CategoryDefault(c)
			if !ok {
				continue
			}
			def.Channels = row.Channels
			def.PopupSound = row.PopupSound
			def.DigestEnabled = row.DigestEnabled
			if row.DigestEnabled {
				def.DigestFrequency = row.DigestFrequency
			}
			out.setCategoryDefault(def)
		}
	}
	out.Preferences = []NotificationPreference{}
	if quiet != nil {
		out.QuietHours = *quiet
	}
	return out, nil
}
