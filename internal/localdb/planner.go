package localdb

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/marcus/blocksync/internal/datekey"
	"github.com/marcus/blocksync/internal/models"
	"github.com/marcus/blocksync/internal/sync"
)

// getJSON decodes a record into v. Missing records leave v untouched and
// return false.
func (db *DB) getJSON(collection, key string, v any) (bool, error) {
	r, err := db.Get(collection, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return true, nil
}

// GameState returns the cached game state, or a zero state
func (db *DB) GameState() (models.GameState, error) {
	var gs models.GameState
	_, err := db.getJSON(sync.GameState.Collection, "", &gs)
	return gs, err
}

// SaveGameState stores a local game state change
func (db *DB) SaveGameState(gs models.GameState) error {
	_, err := db.Put(sync.GameState.Collection, "", gs)
	return err
}

// DailyData returns the day record for date, or an empty one
func (db *DB) DailyData(date string) (models.DailyData, error) {
	dd := models.DailyData{Date: date}
	_, err := db.getJSON(sync.DailyData.Collection, date, &dd)
	return dd, err
}

// SaveDailyData stores a local day record change
func (db *DB) SaveDailyData(dd models.DailyData) error {
	if !datekey.IsKey(dd.Date) {
		return fmt.Errorf("invalid date %q", dd.Date)
	}
	dd.UpdatedAt = db.now().UTC()
	_, err := db.Put(sync.DailyData.Collection, dd.Date, dd)
	return err
}

// AddTask appends a task to the day record for date
func (db *DB) AddTask(date string, task models.Task) (models.Task, error) {
	dd, err := db.DailyData(date)
	if err != nil {
		return task, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Difficulty == "" {
		task.Difficulty = models.DifficultyMedium
	}
	if task.BaseXP == 0 {
		task.BaseXP = task.Difficulty.BaseXP()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = db.now().UTC()
	}
	dd.Tasks = append(dd.Tasks, task)
	if err := db.SaveDailyData(dd); err != nil {
		return task, err
	}
	return task, nil
}

// CompleteTask marks a task done, files it in the completed inbox for the
// day, and awards its XP.
func (db *DB) CompleteTask(date, id string) (models.Task, error) {
	dd, err := db.DailyData(date)
	if err != nil {
		return models.Task{}, err
	}
	idx := -1
	for i := range dd.Tasks {
		if dd.Tasks[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.Task{}, fmt.Errorf("task %s on %s: %w", id, date, ErrNotFound)
	}
	task := dd.Tasks[idx]
	if task.Completed {
		return task, nil
	}
	now := db.now().UTC()
	task.Completed = true
	task.CompletedAt = &now
	task.UpdatedAt = &now
	dd.Tasks[idx] = task
	if err := db.SaveDailyData(dd); err != nil {
		return task, err
	}

	var done []models.Task
	if _, err := db.getJSON(sync.CompletedInbox.Collection, date, &done); err != nil {
		return task, err
	}
	done = append(done, task)
	if _, err := db.Put(sync.CompletedInbox.Collection, date, done); err != nil {
		return task, err
	}

	block := ""
	if task.TimeBlock != nil {
		block = *task.TimeBlock
	}
	if _, err := db.AddXP(date, task.BaseXP, block); err != nil {
		return task, err
	}
	return task, nil
}

// AddXP credits XP to the game state for date, optionally attributed to a
// time block, and returns the new state.
func (db *DB) AddXP(date string, amount int, block string) (models.GameState, error) {
	gs, err := db.GameState()
	if err != nil {
		return gs, err
	}
	if gs.LastResetDate < date {
		gs.DailyXP = 0
		gs.LastResetDate = date
	}
	gs.TotalXP += amount
	gs.DailyXP += amount
	gs.AvailableXP += amount
	gs.Level = 1 + gs.TotalXP/100

	found := false
	for i := range gs.XPHistory {
		if gs.XPHistory[i].Date == date {
			gs.XPHistory[i].XP += amount
			found = true
		}
	}
	if !found {
		gs.XPHistory = append(gs.XPHistory, models.XPHistoryEntry{Date: date, XP: amount})
	}
	if n := len(gs.XPHistory); n > models.XPHistoryRetention {
		gs.XPHistory = gs.XPHistory[n-models.XPHistoryRetention:]
	}

	if block != "" {
		found = false
		for i := range gs.TimeBlockXPHistory {
			if gs.TimeBlockXPHistory[i].Date == date {
				if gs.TimeBlockXPHistory[i].Blocks == nil {
					gs.TimeBlockXPHistory[i].Blocks = map[string]int{}
				}
				gs.TimeBlockXPHistory[i].Blocks[block] += amount
				found = true
			}
		}
		if !found {
			gs.TimeBlockXPHistory = append(gs.TimeBlockXPHistory, models.TimeBlockXPEntry{Date: date, Blocks: map[string]int{block: amount}})
		}
		if n := len(gs.TimeBlockXPHistory); n > models.TimeBlockXPHistoryRetention {
			gs.TimeBlockXPHistory = gs.TimeBlockXPHistory[n-models.TimeBlockXPHistoryRetention:]
		}
	}

	if err := db.SaveGameState(gs); err != nil {
		return gs, err
	}
	return gs, nil
}

// PutTemplate stores a task template
func (db *DB) PutTemplate(tpl models.Template) (models.Template, error) {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = db.now().UTC()
	}
	_, err := db.Put(sync.Templates.Collection, tpl.ID, tpl)
	return tpl, err
}

// Templates returns every cached template ordered by id
func (db *DB) Templates() ([]models.Template, error) {
	recs, err := db.List(sync.Templates.Collection, "")
	if err != nil {
		return nil, err
	}
	out := make([]models.Template, 0, len(recs))
	for _, r := range recs {
		var tpl models.Template
		if err := json.Unmarshal(r.Data, &tpl); err != nil {
			return nil, fmt.Errorf("decode template %s: %w", r.Key, err)
		}
		out = append(out, tpl)
	}
	return out, nil
}

// Today returns today's date key in local time
func (db *DB) Today() string {
	return datekey.Format(db.now())
}

// RecentDays returns the cached day records from lookback days ago onward
func (db *DB) RecentDays(lookback int) ([]models.DailyData, error) {
	recs, err := db.List(sync.DailyData.Collection, datekey.Lookback(db.now(), lookback))
	if err != nil {
		return nil, err
	}
	out := make([]models.DailyData, 0, len(recs))
	for _, r := range recs {
		var dd models.DailyData
		if err := json.Unmarshal(r.Data, &dd); err != nil {
			return nil, fmt.Errorf("decode day %s: %w", r.Key, err)
		}
		out = append(out, dd)
	}
	return out, nil
}
