package models

import (
	"time"
)

// Difficulty represents task difficulty
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// BaseXP returns the XP a task of this difficulty awards on completion
func (d Difficulty) BaseXP() int {
	switch d {
	case DifficultyEasy:
		return 10
	case DifficultyHard:
		return 50
	default:
		return 25
	}
}

// IsValidDifficulty checks if a difficulty string is valid
func IsValidDifficulty(d Difficulty) bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// Task is a single planner task. Tasks are synced as whole arrays per
// collection and merged by ID.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Memo        string     `json:"memo,omitempty"`
	Difficulty  Difficulty `json:"difficulty,omitempty"`
	BaseXP      int        `json:"baseXP,omitempty"`
	TimeBlock   *string    `json:"timeBlock,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// Revision returns the timestamp used to pick a winner between two copies
// of the same task: UpdatedAt when set, CreatedAt otherwise.
func (t Task) Revision() time.Time {
	if t.UpdatedAt != nil {
		return *t.UpdatedAt
	}
	return t.CreatedAt
}

// DailyQuest tracks progress toward a per-day goal
type DailyQuest struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Progress  int    `json:"progress"`
	Target    int    `json:"target"`
	Completed bool   `json:"completed"`
}

// XPHistoryEntry is the XP earned on one day
type XPHistoryEntry struct {
	Date   string `json:"date"`
	XP     int    `json:"xp"`
	Blocks int    `json:"blocks,omitempty"`
}

// TimeBlockXPEntry is the XP earned per time block on one day
type TimeBlockXPEntry struct {
	Date   string         `json:"date"`
	Blocks map[string]int `json:"blocks"`
}

// Retention windows for the bounded game state histories.
const (
	XPHistoryRetention          = 7
	TimeBlockXPHistoryRetention = 5
)

// GameState is the gamification aggregate. Counters only grow under merge.
type GameState struct {
	Level              int                `json:"level"`
	TotalXP            int                `json:"totalXP"`
	DailyXP            int                `json:"dailyXP"`
	AvailableXP        int                `json:"availableXP"`
	Streak             int                `json:"streak"`
	DailyQuests        []DailyQuest       `json:"dailyQuests"`
	XPHistory          []XPHistoryEntry   `json:"xpHistory"`
	TimeBlockXPHistory []TimeBlockXPEntry `json:"timeBlockXPHistory"`
	Inventory          map[string]int     `json:"inventory"`
	LastResetDate      string             `json:"lastResetDate,omitempty"`
}

// BlockState is the state of a single time block on a given day
type BlockState struct {
	IsLocked  bool `json:"isLocked"`
	IsPerfect bool `json:"isPerfect"`
	IsFailed  bool `json:"isFailed"`
}

// DailyData is the per-day record stored under a YYYY-MM-DD key
type DailyData struct {
	Date            string                `json:"date"`
	Tasks           []Task                `json:"tasks"`
	TimeBlockStates map[string]BlockState `json:"timeBlockStates,omitempty"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

// TokenUsage records AI token consumption for one day
type TokenUsage struct {
	Date         string  `json:"date"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalTokens  int64   `json:"totalTokens"`
	TotalCost    float64 `json:"totalCost"`
	MessageCount int     `json:"messageCount"`
}

// Template is a reusable task template
type Template struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Memo       string     `json:"memo,omitempty"`
	Difficulty Difficulty `json:"difficulty,omitempty"`
	AutoGen    bool       `json:"autoGenerate,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// ShopItem is a reward purchasable with available XP
type ShopItem struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Price     int       `json:"price"`
	CreatedAt time.Time `json:"createdAt"`
}

// Settings holds small per-user preferences synced as a single node
type Settings struct {
	LookbackDays     int    `json:"lookbackDays,omitempty"`
	TimeZone         string `json:"timeZone,omitempty"`
	DayStartHour     int    `json:"dayStartHour,omitempty"`
	AutoMessageOn    bool   `json:"autoMessageEnabled,omitempty"`
	CompanionEnabled bool   `json:"companionEnabled,omitempty"`
}
