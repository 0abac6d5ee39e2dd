package workstate

import (
	"encoding/json"

	"github.com/google/uuid"
)

// AppState is the single root aggregate persisted and synchronized by this
// package. Every field serializes into the shared document; LastUpdated is
// the sole precedence signal under the last-writer-wins policy.
type AppState struct {
	Users         []User            `json:"users"`
	Teams         []Team            `json:"teams"`
	Meetings      []Meeting         `json:"meetings"`
	WeeklyReports []WeeklyReport    `json:"weeklyReports"`
	Notes         []Note            `json:"notes"`
	CurrentUser   *User             `json:"currentUser"`
	Theme         string            `json:"theme"`
	LLMConfig     LLMConfig         `json:"llmConfig"`
	Prompts       map[string]string `json:"prompts"`
	LastUpdated   int64             `json:"lastUpdated"`
}

// User records ManagerID as a weak reference: it stores an identifier
// resolved by lookup against Users and may dangle after a removal.
type User struct {
	ID        string `json:"id"`
	UID       string `json:"uid"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	Password  string `json:"password,omitempty"`
	ManagerID string `json:"managerId,omitempty"`
}

type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MemberIDs []string  `json:"memberIds"`
	Projects  []Project `json:"projects"`
}

type Project struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"ownerId,omitempty"`
	Tasks   []Task `json:"tasks"`
}

// Task.Order is a free-form user-assigned sort key, not a uniqueness-enforced
// sequence.
type Task struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Done       bool   `json:"done"`
	AssigneeID string `json:"assigneeId,omitempty"`
	Order      int    `json:"order"`
}

type Meeting struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Date        string   `json:"date"`
	AttendeeIDs []string `json:"attendeeIds"`
	Minutes     string   `json:"minutes,omitempty"`
}

type WeeklyReport struct {
	ID       string `json:"id"`
	AuthorID string `json:"authorId,omitempty"`
	Week     string `json:"week"`
	Content  string `json:"content"`
}

// Note.Content may embed large inline data (images); it is the primary
// capacity risk for the persisted document.
type Note struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	OwnerID string `json:"ownerId,omitempty"`
}

type LLMConfig struct {
	BaseURL     string  `json:"baseUrl"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

const (
	ThemeLight = "light"
	ThemeDark  = "dark"

	RoleAdmin  = "admin"
	RoleMember = "member"

	bootstrapAdminID       = "u_admin"
	bootstrapAdminUID      = "admin"
	bootstrapAdminPassword = "admin123"
)

// Bootstrap returns the initial document materialized when no persisted
// document exists: a single administrative user and empty collections.
// LastUpdated is zero so any synchronized copy takes precedence.
func Bootstrap() *AppState {
	return &AppState{
		Users: []User{
			{
				ID:        bootstrapAdminID,
				UID:       bootstrapAdminUID,
				FirstName: "Admin",
				Email:     "admin@workstate.local",
				Role:      RoleAdmin,
				Password:  bootstrapAdminPassword,
			},
		},
		Teams:         []Team{},
		Meetings:      []Meeting{},
		WeeklyReports: []WeeklyReport{},
		Notes:         []Note{},
		CurrentUser:   nil,
		Theme:         ThemeLight,
		LLMConfig:     DefaultLLMConfig(),
		Prompts:       map[string]string{},
		LastUpdated:   0,
	}
}

func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		BaseURL:     "http://127.0.0.1:11434",
		Model:       "llama3",
		Temperature: 0.7,
		MaxTokens:   2048,
	}
}

// Clone deep-copies the document through a JSON round trip. Mutators that
// need to keep the current value untouched should work on a clone.
func (s *AppState) Clone() *AppState {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var clone AppState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil
	}
	return &clone
}

// UserByID resolves a weak user reference. The boolean is false when the
// identifier dangles; callers treat that as "unknown/unassigned".
func (s *AppState) UserByID(id string) (User, bool) {
	if s == nil || id == "" {
		return User{}, false
	}
	for _, user := range s.Users {
		if user.ID == id {
			return user, true
		}
	}
	return User{}, false
}

// NewEntityID mints a process-unique identifier for a new entity. Identifiers
// are never reused within a store lifetime.
func NewEntityID(kind string) string {
	if kind == "" {
		return uuid.NewString()
	}
	return kind + "_" + uuid.NewString()
}
