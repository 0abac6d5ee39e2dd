package workstate

import (
	"encoding/json"
	"fmt"
)

// legacyDocument carries fields older persisted documents used before the
// current shape: top-level "reports" predates "weeklyReports", and user
// records carried "username" before "uid".
type legacyDocument struct {
	Reports []WeeklyReport `json:"reports"`
	Users   []struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"users"`
}

// DecodeDocument deserializes a raw persisted payload and normalizes it to
// the current shape. A payload that is not a JSON object at all is reported
// as ErrCorruptDocument; the caller substitutes the bootstrap default.
func DecodeDocument(raw []byte) (*AppState, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	if probe == nil {
		return nil, fmt.Errorf("%w: document is null", ErrCorruptDocument)
	}
	var doc AppState
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	var legacy legacyDocument
	if err := json.Unmarshal(raw, &legacy); err == nil {
		applyLegacyAliases(&doc, legacy)
	}
	return Migrate(&doc), nil
}

func applyLegacyAliases(doc *AppState, legacy legacyDocument) {
	if len(doc.WeeklyReports) == 0 && len(legacy.Reports) > 0 {
		doc.WeeklyReports = append([]WeeklyReport(nil), legacy.Reports...)
	}
	if len(legacy.Users) != len(doc.Users) {
		return
	}
	for i := range doc.Users {
		if doc.Users[i].UID == "" && legacy.Users[i].Username != "" {
			doc.Users[i].UID = legacy.Users[i].Username
		}
	}
}

// Migrate normalizes a decoded document to the current shape. It is pure and
// strictly additive: missing collections become empty sequences, missing
// configuration gets defaults, and the historical administrative account is
// re-tagged deterministically. It never drops or truncates existing data.
func Migrate(doc *AppState) *AppState {
	if doc == nil {
		return Bootstrap()
	}
	if doc.Users == nil {
		doc.Users = []User{}
	}
	if doc.Teams == nil {
		doc.Teams = []Team{}
	}
	if doc.Meetings == nil {
		doc.Meetings = []Meeting{}
	}
	if doc.WeeklyReports == nil {
		doc.WeeklyReports = []WeeklyReport{}
	}
	if doc.Notes == nil {
		doc.Notes = []Note{}
	}
	if doc.Prompts == nil {
		doc.Prompts = map[string]string{}
	}
	if doc.Theme == "" {
		doc.Theme = ThemeLight
	}
	if (doc.LLMConfig == LLMConfig{}) {
		doc.LLMConfig = DefaultLLMConfig()
	}
	for i := range doc.Teams {
		if doc.Teams[i].MemberIDs == nil {
			doc.Teams[i].MemberIDs = []string{}
		}
		if doc.Teams[i].Projects == nil {
			doc.Teams[i].Projects = []Project{}
		}
		for j := range doc.Teams[i].Projects {
			if doc.Teams[i].Projects[j].Tasks == nil {
				doc.Teams[i].Projects[j].Tasks = []Task{}
			}
		}
	}
	for i := range doc.Meetings {
		if doc.Meetings[i].AttendeeIDs == nil {
			doc.Meetings[i].AttendeeIDs = []string{}
		}
	}
	for i := range doc.Users {
		if doc.Users[i].UID != bootstrapAdminUID {
			continue
		}
		doc.Users[i].Role = RoleAdmin
		if doc.Users[i].Password == "" {
			doc.Users[i].Password = bootstrapAdminPassword
		}
	}
	return doc
}
