package merge

import (
	"log"
	"slices"
	"strings"
	"time"

	"github.com/habitloop/internal/bitlog"
	"github.com/habitloop/internal/state"
)

// Merge 对两个独立演化的完整状态快照做语义合并
// 纯函数：不做任何 I/O，输入不被修改
// 结果满足交换律与幂等性，多副本按任意两两顺序同步最终收敛
func Merge(local, incoming *state.AppState) *state.AppState {
	a := local.Clone()
	b := incoming.Clone()
	out := state.NewAppState()

	mergeHabits(out, a, b)
	dedupeByName(out, a, b)
	mergeBitLogs(out, a, b)
	mergeDays(out, a, b)
	mergeArchives(out, a, b)

	out.ShownNotifications = unionStrings(a.ShownNotifications, b.ShownNotifications)
	out.PendingMilestones = unionStrings(a.PendingMilestones, b.PendingMilestones)

	out.Version = max(a.Version, b.Version)
	// 逻辑时间单调前进：即使两侧墙钟不一致，重复合并也严格推进
	out.UpdatedAt = max(a.UpdatedAt, b.UpdatedAt) + 1

	return out
}

// ---- 习惯 ----

func mergeHabits(out, a, b *state.AppState) {
	for id, h := range a.Habits {
		if other, ok := b.Habits[id]; ok {
			out.Habits[id] = mergeHabit(h, other)
		} else {
			out.Habits[id] = h
		}
	}
	for id, h := range b.Habits {
		if _, ok := out.Habits[id]; !ok {
			out.Habits[id] = h
		}
	}

	for _, h := range out.Habits {
		for i := range h.Schedules {
			h.Schedules[i].Times = dedupeTimes(h.Schedules[i].Times)
		}
	}
}

func mergeHabit(a, b *state.Habit) *state.Habit {
	out := &state.Habit{ID: a.ID}
	out.CreatedAt = earliestDate(a.CreatedAt, b.CreatedAt)
	out.GraduatedAt = earliestDate(a.GraduatedAt, b.GraduatedAt)
	// 任一侧标记删除则结果保持删除
	out.DeletedAt = earliestDate(a.DeletedAt, b.DeletedAt)
	out.Schedules = mergeSchedules(a.Schedules, b.Schedules)
	return out
}

// earliestDate 取非空的较早日期，仅一侧非空时取该侧
func earliestDate(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if a <= b {
		return a
	}
	return b
}

// mergeSchedules 按窗口起点合并排期历史
// 起点相同时选窗口更长的版本：开放区间 > 较晚截止，平局比展示名
func mergeSchedules(a, b []state.Schedule) []state.Schedule {
	byStart := make(map[string]state.Schedule)
	for _, s := range a {
		byStart[s.Start] = s
	}
	for _, s := range b {
		if cur, ok := byStart[s.Start]; ok {
			byStart[s.Start] = preferSchedule(cur, s)
		} else {
			byStart[s.Start] = s
		}
	}

	out := make([]state.Schedule, 0, len(byStart))
	for _, s := range byStart {
		out = append(out, s)
	}
	slices.SortFunc(out, func(x, y state.Schedule) int {
		return strings.Compare(x.Start, y.Start)
	})

	// 合并后消除窗口重叠：前一版本截断到后一版本起点前一天
	for i := 0; i < len(out)-1; i++ {
		next := out[i+1].Start
		if out[i].End == "" || out[i].End >= next {
			if t, err := time.Parse(state.DateFormat, next); err == nil {
				out[i].End = t.AddDate(0, 0, -1).Format(state.DateFormat)
			}
		}
	}
	return out
}

func preferSchedule(a, b state.Schedule) state.Schedule {
	if a.End == "" && b.End != "" {
		return a
	}
	if b.End == "" && a.End != "" {
		return b
	}
	if a.End != b.End {
		if a.End > b.End {
			return a
		}
		return b
	}
	if a.Name >= b.Name {
		return a
	}
	return b
}

func dedupeTimes(times []bitlog.TimeOfDay) []bitlog.TimeOfDay {
	out := make([]bitlog.TimeOfDay, 0, len(times))
	for _, t := range times {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// ---- 同名去重 ----

// NormalizeName 规整展示名用于逻辑同名判定：小写、去首尾空白、压缩内部空白
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// dedupeByName 把规整后同名的不同 ID 视为同一逻辑习惯
// 两台设备离线各建"同一个"习惯后合并不应出现重复项
// 已知风险：恰好同名的两个不同习惯会被误并，维持源语义不做收紧
func dedupeByName(out, a, b *state.AppState) {
	groups := make(map[string][]string)
	for id, h := range out.Habits {
		name := NormalizeName(h.DisplayName())
		if name == "" {
			continue
		}
		groups[name] = append(groups[name], id)
	}

	for _, ids := range groups {
		if len(ids) < 2 {
			continue
		}
		slices.Sort(ids)

		survivor := pickSurvivor(out, ids)
		for _, id := range ids {
			if id == survivor {
				continue
			}
			loser := out.Habits[id]
			out.Habits[survivor].Schedules = mergeSchedules(
				out.Habits[survivor].Schedules, loser.Schedules)
			if !loser.Deleted() {
				// 幸存者取保留侧的删除语义：并入未删除者时清除删除标记
				out.Habits[survivor].DeletedAt = ""
			}
			delete(out.Habits, id)
			rewriteHabitID(a, id, survivor)
			rewriteHabitID(b, id, survivor)
		}
	}
}

// pickSurvivor 优先保留未被逻辑删除的习惯，平局取最小 ID 保证确定性
func pickSurvivor(out *state.AppState, ids []string) string {
	for _, id := range ids {
		if !out.Habits[id].Deleted() {
			return id
		}
	}
	return ids[0]
}

// rewriteHabitID 把被弃用 ID 的日记录、冷层存档与位图引用改写到幸存 ID 上
func rewriteHabitID(s *state.AppState, from, to string) {
	for _, rec := range s.Days {
		rewriteDayHabit(rec, from, to)
	}

	for year, blob := range s.Archives {
		days, err := state.DecodeArchive(blob)
		if err != nil {
			log.Printf("merge: 年份 %d 存档无法解码，跳过引用改写: %v", year, err)
			continue
		}

		changed := false
		for _, rec := range days {
			if rewriteDayHabit(rec, from, to) {
				changed = true
			}
		}
		if !changed {
			continue
		}

		encoded, err := state.EncodeArchive(days)
		if err != nil {
			log.Printf("merge: 年份 %d 存档重编码失败，保留原引用: %v", year, err)
			continue
		}
		s.Archives[year] = encoded
	}

	for key, ml := range s.BitLogs {
		habitID, year, month, err := bitlog.SplitKey(key)
		if err != nil || habitID != from {
			continue
		}
		newKey := bitlog.Key(to, year, month)
		s.BitLogs[newKey] = bitlog.Merge(s.BitLogs[newKey], ml)
		delete(s.BitLogs, key)
	}
}

// rewriteDayHabit 把单日记录里的被弃用 ID 改写到幸存 ID，冲突时合并
func rewriteDayHabit(rec *state.DayRecord, from, to string) bool {
	dh, ok := rec.Habits[from]
	if !ok {
		return false
	}
	if existing, had := rec.Habits[to]; had {
		rec.Habits[to] = mergeDayHabit(existing, dh, 0)
	} else {
		rec.Habits[to] = dh
	}
	delete(rec.Habits, from)
	return true
}

// ---- 位图 ----

func mergeBitLogs(out, a, b *state.AppState) {
	for key, ml := range a.BitLogs {
		out.BitLogs[key] = bitlog.Merge(ml, b.BitLogs[key])
	}
	for key, ml := range b.BitLogs {
		if _, ok := out.BitLogs[key]; !ok {
			c := *ml
			out.BitLogs[key] = &c
		}
	}
}

// statusSide 判定 (习惯, 日期, 时段) 的状态比较胜方
// 返回 <0 表示 a 胜、>0 表示 b 胜、0 表示平局
func statusSide(a, b *state.AppState, habitID, date string, tod bitlog.TimeOfDay) int {
	t, err := time.Parse(state.DateFormat, date)
	if err != nil {
		return 0
	}
	key := bitlog.KeyForDate(habitID, t)

	sa, ta := slotOf(a.BitLogs[key], t.Day(), tod)
	sb, tb := slotOf(b.BitLogs[key], t.Day(), tod)

	if ta != tb {
		if ta {
			return -1
		}
		return 1
	}
	return bitlog.Weight(sb) - bitlog.Weight(sa)
}

func slotOf(ml *bitlog.MonthLog, day int, tod bitlog.TimeOfDay) (bitlog.Status, bool) {
	if ml == nil {
		return bitlog.Unset, false
	}
	return ml.Get(day, tod)
}

// ---- 日记录 ----

func mergeDays(out, a, b *state.AppState) {
	for date, rec := range a.Days {
		if other, ok := b.Days[date]; ok {
			out.Days[date] = mergeDayRecord(rec, other, a, b, date)
		} else {
			out.Days[date] = rec
		}
	}
	for date, rec := range b.Days {
		if _, ok := out.Days[date]; !ok {
			out.Days[date] = rec
		}
	}
}

func mergeDayRecord(a, b *state.DayRecord, sa, sb *state.AppState, date string) *state.DayRecord {
	out := &state.DayRecord{Habits: make(map[string]*state.DayHabit)}

	for habitID, dh := range a.Habits {
		if other, ok := b.Habits[habitID]; ok {
			out.Habits[habitID] = mergeDayHabitKeyed(dh, other, sa, sb, habitID, date)
		} else {
			out.Habits[habitID] = dh
		}
	}
	for habitID, dh := range b.Habits {
		if _, ok := out.Habits[habitID]; !ok {
			out.Habits[habitID] = dh
		}
	}
	return out
}

func mergeDayHabitKeyed(a, b *state.DayHabit, sa, sb *state.AppState, habitID, date string) *state.DayHabit {
	out := &state.DayHabit{}
	out.TimesOverride = mergeOverrides(a.TimesOverride, b.TimesOverride)

	tods := make(map[bitlog.TimeOfDay]bool)
	for tod := range a.Times {
		tods[tod] = true
	}
	for tod := range b.Times {
		tods[tod] = true
	}

	for tod := range tods {
		side := 0
		if sa != nil && sb != nil {
			side = statusSide(sa, sb, habitID, date, tod)
		}
		entry := mergeEntry(a.Times[tod], b.Times[tod], side)
		if entry != nil {
			if out.Times == nil {
				out.Times = make(map[bitlog.TimeOfDay]*state.TimeEntry)
			}
			out.Times[tod] = entry
		}
	}
	return out
}

// mergeDayHabit 在没有状态上下文时合并（同名去重的引用改写路径）
func mergeDayHabit(a, b *state.DayHabit, side int) *state.DayHabit {
	out := &state.DayHabit{}
	out.TimesOverride = mergeOverrides(a.TimesOverride, b.TimesOverride)

	tods := make(map[bitlog.TimeOfDay]bool)
	for tod := range a.Times {
		tods[tod] = true
	}
	for tod := range b.Times {
		tods[tod] = true
	}
	for tod := range tods {
		entry := mergeEntry(a.Times[tod], b.Times[tod], side)
		if entry != nil {
			if out.Times == nil {
				out.Times = make(map[bitlog.TimeOfDay]*state.TimeEntry)
			}
			out.Times[tod] = entry
		}
	}
	return out
}

// mergeEntry 合并单时段元数据
// 备注取更长者（离线录入的细节即使状态落败也不丢失）
// 目标覆盖值优先取状态胜方，双方平局取较大值补空
func mergeEntry(a, b *state.TimeEntry, side int) *state.TimeEntry {
	if a == nil && b == nil {
		return nil
	}
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}

	out := &state.TimeEntry{Done: a.Done || b.Done}

	switch {
	case len(a.Note) > len(b.Note):
		out.Note = a.Note
	case len(b.Note) > len(a.Note):
		out.Note = b.Note
	case a.Note >= b.Note:
		out.Note = a.Note
	default:
		out.Note = b.Note
	}

	switch {
	case a.GoalOverride == nil:
		out.GoalOverride = b.GoalOverride
	case b.GoalOverride == nil:
		out.GoalOverride = a.GoalOverride
	case side < 0:
		out.GoalOverride = a.GoalOverride
	case side > 0:
		out.GoalOverride = b.GoalOverride
	case *a.GoalOverride >= *b.GoalOverride:
		out.GoalOverride = a.GoalOverride
	default:
		out.GoalOverride = b.GoalOverride
	}

	return out
}

func mergeOverrides(a, b []bitlog.TimeOfDay) []bitlog.TimeOfDay {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	return dedupeTimes(append(append([]bitlog.TimeOfDay{}, a...), b...))
}

// ---- 冷层存档 ----

// mergeArchives 合并按年存档：双方都有则解码后逐记录合并再编码
// 仅一侧可解码时保留该侧，绝不因对侧损坏而丢数据
func mergeArchives(out, a, b *state.AppState) {
	years := make(map[int]bool)
	for year := range a.Archives {
		years[year] = true
	}
	for year := range b.Archives {
		years[year] = true
	}

	for year := range years {
		blobA, okA := a.Archives[year]
		blobB, okB := b.Archives[year]

		switch {
		case okA && !okB:
			out.Archives[year] = blobA
		case okB && !okA:
			out.Archives[year] = blobB
		default:
			merged, ok := mergeArchiveYear(blobA, blobB, a, b, year)
			if ok {
				out.Archives[year] = merged
			}
		}
	}
}

func mergeArchiveYear(blobA, blobB string, sa, sb *state.AppState, year int) (string, bool) {
	daysA, errA := state.DecodeArchive(blobA)
	daysB, errB := state.DecodeArchive(blobB)

	switch {
	case errA != nil && errB != nil:
		log.Printf("merge: 年份 %d 两侧存档均无法解码: %v / %v", year, errA, errB)
		return "", false
	case errA != nil:
		log.Printf("merge: 年份 %d 本地存档无法解码，保留对侧: %v", year, errA)
		return blobB, true
	case errB != nil:
		log.Printf("merge: 年份 %d 对侧存档无法解码，保留本地: %v", year, errB)
		return blobA, true
	}

	merged := make(map[string]*state.DayRecord)
	for date, rec := range daysA {
		if other, ok := daysB[date]; ok {
			merged[date] = mergeDayRecord(rec, other, sa, sb, date)
		} else {
			merged[date] = rec
		}
	}
	for date, rec := range daysB {
		if _, ok := merged[date]; !ok {
			merged[date] = rec
		}
	}

	blob, err := state.EncodeArchive(merged)
	if err != nil {
		log.Printf("merge: 年份 %d 存档重编码失败，保留本地: %v", year, err)
		return blobA, true
	}
	return blob, true
}

// ---- 辅助集合 ----

func unionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := make(map[string]bool, len(a)+len(b))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		set[v] = true
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
