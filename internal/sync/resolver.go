package sync

import (
	"fmt"
	"sort"

	"github.com/marcus/blocksync/internal/models"
)

// ResolveLWW returns local when local.UpdatedAt >= remote.UpdatedAt, else
// remote. Equal timestamps resolve to local.
func ResolveLWW[T any](local, remote Envelope[T]) Envelope[T] {
	if local.UpdatedAt >= remote.UpdatedAt {
		return local
	}
	return remote
}

// newerMeta returns the envelope metadata of whichever side has the larger
// UpdatedAt, preferring local on a tie.
func newerMeta(lAt int64, lDev string, rAt int64, rDev string) (int64, string) {
	if lAt >= rAt {
		return lAt, lDev
	}
	return rAt, rDev
}

// MergeGameState max-merges two game states. Counters take the maximum,
// quests union by id, and histories union by date and keep the most recent
// retention window.
func MergeGameState(local, remote Envelope[models.GameState]) Envelope[models.GameState] {
	l, r := local.Data, remote.Data
	merged := models.GameState{
		Level:              max(l.Level, r.Level),
		TotalXP:            max(l.TotalXP, r.TotalXP),
		DailyXP:            max(l.DailyXP, r.DailyXP),
		AvailableXP:        max(l.AvailableXP, r.AvailableXP),
		Streak:             max(l.Streak, r.Streak),
		DailyQuests:        mergeQuests(l.DailyQuests, r.DailyQuests),
		XPHistory:          mergeXPHistory(l.XPHistory, r.XPHistory, models.XPHistoryRetention),
		TimeBlockXPHistory: mergeBlockHistory(l.TimeBlockXPHistory, r.TimeBlockXPHistory, models.TimeBlockXPHistoryRetention),
		Inventory:          mergeCounts(l.Inventory, r.Inventory),
		LastResetDate:      max(l.LastResetDate, r.LastResetDate),
	}
	at, dev := newerMeta(local.UpdatedAt, local.DeviceID, remote.UpdatedAt, remote.DeviceID)
	return Envelope[models.GameState]{Data: merged, UpdatedAt: at, DeviceID: dev}
}

func mergeQuests(local, remote []models.DailyQuest) []models.DailyQuest {
	if len(local) == 0 && len(remote) == 0 {
		return nil
	}
	byID := make(map[string]models.DailyQuest, len(local)+len(remote))
	for _, q := range local {
		byID[q.ID] = q
	}
	for _, rq := range remote {
		lq, ok := byID[rq.ID]
		if !ok {
			byID[rq.ID] = rq
			continue
		}
		base := lq
		if rq.Progress > lq.Progress {
			base = rq
		}
		base.Progress = max(lq.Progress, rq.Progress)
		base.Target = max(lq.Target, rq.Target)
		base.Completed = lq.Completed || rq.Completed
		byID[rq.ID] = base
	}
	out := make([]models.DailyQuest, 0, len(byID))
	for _, q := range byID {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func mergeXPHistory(local, remote []models.XPHistoryEntry, keep int) []models.XPHistoryEntry {
	if len(local) == 0 && len(remote) == 0 {
		return nil
	}
	byDate := make(map[string]models.XPHistoryEntry, len(local)+len(remote))
	for _, side := range [][]models.XPHistoryEntry{local, remote} {
		for _, e := range side {
			cur, ok := byDate[e.Date]
			if !ok {
				byDate[e.Date] = e
				continue
			}
			cur.XP = max(cur.XP, e.XP)
			cur.Blocks = max(cur.Blocks, e.Blocks)
			byDate[e.Date] = cur
		}
	}
	out := make([]models.XPHistoryEntry, 0, len(byDate))
	for _, e := range byDate {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	if len(out) > keep {
		out = out[len(out)-keep:]
	}
	return out
}

func mergeBlockHistory(local, remote []models.TimeBlockXPEntry, keep int) []models.TimeBlockXPEntry {
	if len(local) == 0 && len(remote) == 0 {
		return nil
	}
	byDate := make(map[string]models.TimeBlockXPEntry, len(local)+len(remote))
	for _, side := range [][]models.TimeBlockXPEntry{local, remote} {
		for _, e := range side {
			cur, ok := byDate[e.Date]
			if !ok {
				byDate[e.Date] = models.TimeBlockXPEntry{Date: e.Date, Blocks: mergeCounts(nil, e.Blocks)}
				continue
			}
			cur.Blocks = mergeCounts(cur.Blocks, e.Blocks)
			byDate[e.Date] = cur
		}
	}
	out := make([]models.TimeBlockXPEntry, 0, len(byDate))
	for _, e := range byDate {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	if len(out) > keep {
		out = out[len(out)-keep:]
	}
	return out
}

// mergeCounts unions two count maps taking the max per key. It never
// mutates its inputs.
func mergeCounts(a, b map[string]int) map[string]int {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]int, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if cur, ok := out[k]; !ok || v > cur {
			out[k] = v
		}
	}
	return out
}

// MergeTaskArray unions two task lists by id. The copy with the later
// revision wins (local on a tie). The result is ordered newest first by
// CreatedAt, then by id.
func MergeTaskArray(local, remote Envelope[[]models.Task]) Envelope[[]models.Task] {
	byID := make(map[string]models.Task, len(local.Data)+len(remote.Data))
	for _, t := range local.Data {
		byID[t.ID] = t
	}
	for _, rt := range remote.Data {
		lt, ok := byID[rt.ID]
		if !ok || rt.Revision().After(lt.Revision()) {
			byID[rt.ID] = rt
		}
	}
	tasks := make([]models.Task, 0, len(byID))
	for _, t := range byID {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	at, dev := newerMeta(local.UpdatedAt, local.DeviceID, remote.UpdatedAt, remote.DeviceID)
	return Envelope[[]models.Task]{Data: tasks, UpdatedAt: at, DeviceID: dev}
}

// Resolve applies the strategy's merge kind to two raw envelopes.
func (s Strategy) Resolve(local, remote RawEnvelope) (RawEnvelope, error) {
	switch s.Kind {
	case KindLWW:
		return ResolveLWW(local, remote), nil
	case KindGameState:
		return resolveTyped(local, remote, MergeGameState)
	case KindTaskArray:
		return resolveTyped(local, remote, MergeTaskArray)
	default:
		return RawEnvelope{}, fmt.Errorf("%w: %s has merge kind %s", ErrInvalidStrategy, s.Collection, s.Kind)
	}
}

func resolveTyped[T any](local, remote RawEnvelope, merge func(Envelope[T], Envelope[T]) Envelope[T]) (RawEnvelope, error) {
	l, err := decodeTyped[T](local)
	if err != nil {
		return RawEnvelope{}, fmt.Errorf("local: %w", err)
	}
	r, err := decodeTyped[T](remote)
	if err != nil {
		return RawEnvelope{}, fmt.Errorf("remote: %w", err)
	}
	return encodeTyped(merge(l, r))
}
