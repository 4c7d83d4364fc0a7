package merge

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/habitloop/internal/bitlog"
	"github.com/habitloop/internal/state"
)

func newHabit(id, name, start string) *state.Habit {
	return &state.Habit{
		ID:        id,
		CreatedAt: start,
		Schedules: []state.Schedule{{
			Start:     start,
			Times:     []bitlog.TimeOfDay{bitlog.Morning},
			Frequency: state.Frequency{Kind: "daily"},
			Goal:      state.Goal{Kind: "check"},
			Name:      name,
		}},
	}
}

// canon 以序列化形态比较状态，忽略逻辑时钟推进
func canon(t *testing.T, s *state.AppState) []byte {
	t.Helper()
	c := s.Clone()
	c.UpdatedAt = 0
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	return data
}

func TestMergeUnionsHabits(t *testing.T) {
	a := state.NewAppState()
	a.Habits["h1"] = newHabit("h1", "晨跑", "2026-01-01")

	b := state.NewAppState()
	b.Habits["h2"] = newHabit("h2", "阅读", "2026-02-01")

	out := Merge(a, b)
	if len(out.Habits) != 2 {
		t.Fatalf("expected 2 habits, got %d", len(out.Habits))
	}
	if out.Habits["h1"] == nil || out.Habits["h2"] == nil {
		t.Fatal("union lost a habit")
	}
}

func TestMergeDeleteWins(t *testing.T) {
	a := state.NewAppState()
	a.Habits["h1"] = newHabit("h1", "晨跑", "2026-01-01")

	b := state.NewAppState()
	b.Habits["h1"] = newHabit("h1", "晨跑", "2026-01-01")
	b.Habits["h1"].DeletedAt = "2026-03-10"

	out := Merge(a, b)
	if !out.Habits["h1"].Deleted() {
		t.Fatal("deletion should survive merge")
	}
	if out := Merge(b, a); !out.Habits["h1"].Deleted() {
		t.Fatal("deletion should survive merge regardless of order")
	}
}

func TestMergeDedupesSameNamedHabits(t *testing.T) {
	// 场景：两台设备离线各自创建"晨跑"
	a := state.NewAppState()
	a.Habits["device-a-id"] = newHabit("device-a-id", "晨跑", "2026-01-01")
	var la bitlog.MonthLog
	la.Set(5, bitlog.Morning, bitlog.Completed, false)
	a.BitLogs[bitlog.Key("device-a-id", 2026, time.January)] = &la
	a.Days["2026-01-05"] = &state.DayRecord{Habits: map[string]*state.DayHabit{
		"device-a-id": {Times: map[bitlog.TimeOfDay]*state.TimeEntry{
			bitlog.Morning: {Note: "跑了五公里"},
		}},
	}}

	b := state.NewAppState()
	b.Habits["device-b-id"] = newHabit("device-b-id", "  晨跑 ", "2026-01-02")
	var lb bitlog.MonthLog
	lb.Set(6, bitlog.Morning, bitlog.Completed, false)
	b.BitLogs[bitlog.Key("device-b-id", 2026, time.January)] = &lb

	out := Merge(a, b)
	if len(out.Habits) != 1 {
		t.Fatalf("expected same-named habits deduped, got %d", len(out.Habits))
	}

	// 幸存者为排序后最小 ID
	survivor, ok := out.Habits["device-a-id"]
	if !ok {
		t.Fatal("expected min-id habit to survive")
	}
	if survivor.Deleted() {
		t.Fatal("survivor should not be deleted")
	}

	// 失败方的位图引用改写到幸存者
	ml := out.BitLogs[bitlog.Key("device-a-id", 2026, time.January)]
	if ml == nil {
		t.Fatal("missing merged bitlog")
	}
	if s, _ := ml.Get(5, bitlog.Morning); s != bitlog.Completed {
		t.Fatal("survivor slot lost")
	}
	if s, _ := ml.Get(6, bitlog.Morning); s != bitlog.Completed {
		t.Fatal("rewritten slot lost")
	}
	if _, ok := out.BitLogs[bitlog.Key("device-b-id", 2026, time.January)]; ok {
		t.Fatal("loser bitlog key should be removed")
	}

	// 日记录引用同样改写
	rec := out.Days["2026-01-05"]
	if rec == nil || rec.Habits["device-a-id"] == nil {
		t.Fatal("day record should reference survivor")
	}
}

func TestMergeDedupRewritesArchivedReferences(t *testing.T) {
	a := state.NewAppState()
	a.Habits["device-a-id"] = newHabit("device-a-id", "晨跑", "2024-01-01")

	// 对侧的同名习惯连同一整年冷层存档都挂在它自己的 ID 下
	b := state.NewAppState()
	b.Habits["device-b-id"] = newHabit("device-b-id", "晨跑", "2024-01-01")
	blob, err := state.EncodeArchive(map[string]*state.DayRecord{
		"2024-06-01": {Habits: map[string]*state.DayHabit{
			"device-b-id": {Times: map[bitlog.TimeOfDay]*state.TimeEntry{
				bitlog.Morning: {Note: "存档里的打卡"},
			}},
		}},
	})
	if err != nil {
		t.Fatalf("EncodeArchive returned error: %v", err)
	}
	b.Archives[2024] = blob

	for _, out := range []*state.AppState{Merge(a, b), Merge(b, a)} {
		if len(out.Habits) != 1 || out.Habits["device-a-id"] == nil {
			t.Fatal("expected min-id habit to survive dedup")
		}

		days, err := state.DecodeArchive(out.Archives[2024])
		if err != nil {
			t.Fatalf("DecodeArchive returned error: %v", err)
		}
		rec := days["2024-06-01"]
		if rec == nil || rec.Habits["device-a-id"] == nil {
			t.Fatal("archived record should be re-keyed to the survivor")
		}
		if _, ok := rec.Habits["device-b-id"]; ok {
			t.Fatal("loser id must not linger in the archive")
		}
		if rec.Habits["device-a-id"].Times[bitlog.Morning].Note != "存档里的打卡" {
			t.Fatal("archived entry lost in rewrite")
		}
	}
}

func TestMergeDedupPrefersNonDeletedSurvivor(t *testing.T) {
	a := state.NewAppState()
	a.Habits["aaa"] = newHabit("aaa", "冥想", "2026-01-01")
	a.Habits["aaa"].DeletedAt = "2026-02-01"

	b := state.NewAppState()
	b.Habits["zzz"] = newHabit("zzz", "冥想", "2026-01-03")

	out := Merge(a, b)
	if len(out.Habits) != 1 {
		t.Fatalf("expected 1 habit, got %d", len(out.Habits))
	}
	h, ok := out.Habits["zzz"]
	if !ok {
		t.Fatal("non-deleted habit should survive over min id")
	}
	if h.Deleted() {
		t.Fatal("survivor should stay non-deleted")
	}
}

func TestMergeBitLogTombstoneWins(t *testing.T) {
	key := bitlog.Key("h1", 2026, time.March)

	a := state.NewAppState()
	a.Habits["h1"] = newHabit("h1", "晨跑", "2026-01-01")
	var la bitlog.MonthLog
	la.Set(10, bitlog.Evening, bitlog.Completed, false)
	a.BitLogs[key] = &la

	b := a.Clone()
	b.BitLogs[key].Set(10, bitlog.Evening, bitlog.Unset, true)

	out := Merge(a, b)
	status, tomb := out.BitLogs[key].Get(10, bitlog.Evening)
	if status != bitlog.Unset || !tomb {
		t.Fatalf("slot = (%v, %v), want tombstone", status, tomb)
	}
}

func TestMergeEntryLongerNoteWins(t *testing.T) {
	a := state.NewAppState()
	a.Habits["h1"] = newHabit("h1", "晨跑", "2026-01-01")
	a.Days["2026-01-05"] = &state.DayRecord{Habits: map[string]*state.DayHabit{
		"h1": {Times: map[bitlog.TimeOfDay]*state.TimeEntry{
			bitlog.Morning: {Note: "短备注"},
		}},
	}}

	b := a.Clone()
	b.Days["2026-01-05"].Habits["h1"].Times[bitlog.Morning].Note = "这是一条更长的详细备注"

	for _, out := range []*state.AppState{Merge(a, b), Merge(b, a)} {
		note := out.Days["2026-01-05"].Habits["h1"].Times[bitlog.Morning].Note
		if note != "这是一条更长的详细备注" {
			t.Fatalf("note = %q, want longer note", note)
		}
	}
}

func TestMergeGoalOverridePrefersStatusWinner(t *testing.T) {
	key := bitlog.Key("h1", 2026, time.January)
	over := func(v float64) *float64 { return &v }

	a := state.NewAppState()
	a.Habits["h1"] = newHabit("h1", "俯卧撑", "2026-01-01")
	var la bitlog.MonthLog
	la.Set(5, bitlog.Morning, bitlog.Completed, false)
	a.BitLogs[key] = &la
	a.Days["2026-01-05"] = &state.DayRecord{Habits: map[string]*state.DayHabit{
		"h1": {Times: map[bitlog.TimeOfDay]*state.TimeEntry{
			bitlog.Morning: {GoalOverride: over(20)},
		}},
	}}

	b := state.NewAppState()
	b.Habits["h1"] = newHabit("h1", "俯卧撑", "2026-01-01")
	var lb bitlog.MonthLog
	lb.Set(5, bitlog.Morning, bitlog.Deferred, false)
	b.BitLogs[key] = &lb
	b.Days["2026-01-05"] = &state.DayRecord{Habits: map[string]*state.DayHabit{
		"h1": {Times: map[bitlog.TimeOfDay]*state.TimeEntry{
			bitlog.Morning: {GoalOverride: over(50)},
		}},
	}}

	// 状态胜方（完成 > 推迟）的覆盖值胜出，即使数值更小
	for _, out := range []*state.AppState{Merge(a, b), Merge(b, a)} {
		got := out.Days["2026-01-05"].Habits["h1"].Times[bitlog.Morning].GoalOverride
		if got == nil || *got != 20 {
			t.Fatalf("goal override = %v, want 20", got)
		}
	}

	// 状态平局时取较大值
	lb.Set(5, bitlog.Morning, bitlog.Completed, false)
	out := Merge(a, b)
	got := out.Days["2026-01-05"].Habits["h1"].Times[bitlog.Morning].GoalOverride
	if got == nil || *got != 50 {
		t.Fatalf("tied goal override = %v, want 50", got)
	}
}

func TestMergeArchivesKeepDecodableSide(t *testing.T) {
	days := map[string]*state.DayRecord{
		"2024-06-01": {Habits: map[string]*state.DayHabit{
			"h1": {Times: map[bitlog.TimeOfDay]*state.TimeEntry{
				bitlog.Morning: {Note: "存档备注"},
			}},
		}},
	}
	blob, err := state.EncodeArchive(days)
	if err != nil {
		t.Fatalf("EncodeArchive returned error: %v", err)
	}

	a := state.NewAppState()
	a.Archives[2024] = blob

	b := state.NewAppState()
	b.Archives[2024] = "%%%not-decodable%%%"

	for _, out := range []*state.AppState{Merge(a, b), Merge(b, a)} {
		if out.Archives[2024] != blob {
			t.Fatal("decodable archive side should be kept")
		}
	}
}

func TestMergeArchivesBothDecodable(t *testing.T) {
	mk := func(date, note string) string {
		blob, err := state.EncodeArchive(map[string]*state.DayRecord{
			date: {Habits: map[string]*state.DayHabit{
				"h1": {Times: map[bitlog.TimeOfDay]*state.TimeEntry{
					bitlog.Morning: {Note: note},
				}},
			}},
		})
		if err != nil {
			t.Fatalf("EncodeArchive returned error: %v", err)
		}
		return blob
	}

	a := state.NewAppState()
	a.Archives[2024] = mk("2024-06-01", "甲")
	b := state.NewAppState()
	b.Archives[2024] = mk("2024-07-01", "乙")

	out := Merge(a, b)
	days, err := state.DecodeArchive(out.Archives[2024])
	if err != nil {
		t.Fatalf("DecodeArchive returned error: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("expected merged archive with 2 days, got %d", len(days))
	}
}

func TestMergeClockAdvancesMonotonically(t *testing.T) {
	a := state.NewAppState()
	a.UpdatedAt = 10
	a.Version = 2
	b := state.NewAppState()
	b.UpdatedAt = 7
	b.Version = 5

	out := Merge(a, b)
	if out.UpdatedAt != 11 {
		t.Fatalf("UpdatedAt = %d, want 11", out.UpdatedAt)
	}
	if out.Version != 5 {
		t.Fatalf("Version = %d, want 5", out.Version)
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	a := state.NewAppState()
	a.Habits["h1"] = newHabit("h1", "晨跑", "2026-01-01")
	b := state.NewAppState()
	b.Habits["h1"] = newHabit("h1", "晨跑", "2026-01-01")
	b.Habits["h1"].DeletedAt = "2026-02-01"

	before := canon(t, a)
	Merge(a, b)
	if !bytes.Equal(before, canon(t, a)) {
		t.Fatal("merge must not mutate its inputs")
	}
}

func TestMergeCommutativeAndIdempotent(t *testing.T) {
	a, b := buildRichState("A"), buildRichState("B")

	ab := Merge(a, b)
	ba := Merge(b, a)
	if !bytes.Equal(canon(t, ab), canon(t, ba)) {
		t.Fatal("merge should be commutative")
	}

	again := Merge(ab, ab.Clone())
	if !bytes.Equal(canon(t, ab), canon(t, again)) {
		t.Fatal("merge should be idempotent")
	}
}

func TestMergeConvergesAcrossReplicas(t *testing.T) {
	// N 副本两两任意顺序同步后收敛到同一状态
	replicas := []*state.AppState{
		buildRichState("A"),
		buildRichState("B"),
		buildRichState("C"),
		buildRichState("D"),
	}

	rng := rand.New(rand.NewSource(42))
	merged := make([]*state.AppState, len(replicas))
	for i := range merged {
		order := rng.Perm(len(replicas))
		acc := replicas[order[0]].Clone()
		for _, j := range order[1:] {
			acc = Merge(acc, replicas[j])
		}
		merged[i] = acc
	}

	want := canon(t, merged[0])
	for i, m := range merged[1:] {
		if !bytes.Equal(want, canon(t, m)) {
			t.Fatalf("replica %d diverged", i+1)
		}
	}
}

// buildRichState 构造带习惯、位图、日记录与通知集合的快照
func buildRichState(tag string) *state.AppState {
	s := state.NewAppState()

	s.Habits["shared"] = newHabit("shared", "晨跑", "2026-01-01")
	s.Habits["only-"+tag] = newHabit("only-"+tag, "习惯"+tag, "2026-01-02")

	var ml bitlog.MonthLog
	for i, tod := range []bitlog.TimeOfDay{bitlog.Morning, bitlog.Afternoon, bitlog.Evening} {
		day := 1 + (int(tag[0])+i)%28
		ml.Set(day, tod, bitlog.Status(1+(int(tag[0])+i)%3), false)
	}
	s.BitLogs[bitlog.Key("shared", 2026, time.January)] = &ml

	s.Days["2026-01-05"] = &state.DayRecord{Habits: map[string]*state.DayHabit{
		"shared": {Times: map[bitlog.TimeOfDay]*state.TimeEntry{
			bitlog.Morning: {Note: "备注" + tag},
		}},
	}}

	s.ShownNotifications = []string{"welcome", "note-" + tag}
	s.UpdatedAt = int64(tag[0])
	return s
}

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"晨跑":             "晨跑",
		"  Morning  Run ": "morning run",
		"A\tB\nC":         "a b c",
		"   ":             "",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Fatalf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMergeSchedulesTruncatesOverlap(t *testing.T) {
	a := state.NewAppState()
	a.Habits["h1"] = newHabit("h1", "晨跑", "2026-01-01")

	b := state.NewAppState()
	b.Habits["h1"] = newHabit("h1", "晨跑", "2026-01-01")
	b.Habits["h1"].Schedules = append(b.Habits["h1"].Schedules, state.Schedule{
		Start:     "2026-03-01",
		Times:     []bitlog.TimeOfDay{bitlog.Evening, bitlog.Evening, bitlog.Morning},
		Frequency: state.Frequency{Kind: "daily"},
		Goal:      state.Goal{Kind: "check"},
		Name:      "晨跑",
	})

	out := Merge(a, b)
	schedules := out.Habits["h1"].Schedules
	if len(schedules) != 2 {
		t.Fatalf("expected 2 schedule versions, got %d", len(schedules))
	}
	if schedules[0].End != "2026-02-28" {
		t.Fatalf("first window end = %q, want 2026-02-28", schedules[0].End)
	}
	if schedules[1].End != "" {
		t.Fatal("latest window should stay open")
	}
	// 时段列表去重且有序
	if len(schedules[1].Times) != 2 || schedules[1].Times[0] != bitlog.Morning || schedules[1].Times[1] != bitlog.Evening {
		t.Fatalf("times = %v, want deduped sorted", schedules[1].Times)
	}
}

func TestMergeUnionsNotificationSets(t *testing.T) {
	a := state.NewAppState()
	a.ShownNotifications = []string{"b", "a"}
	a.PendingMilestones = []string{"m1"}

	b := state.NewAppState()
	b.ShownNotifications = []string{"a", "c"}
	b.PendingMilestones = []string{"m2", "m1"}

	out := Merge(a, b)
	if len(out.ShownNotifications) != 3 || out.ShownNotifications[0] != "a" {
		t.Fatalf("notifications = %v", out.ShownNotifications)
	}
	if len(out.PendingMilestones) != 2 {
		t.Fatalf("milestones = %v", out.PendingMilestones)
	}
}
