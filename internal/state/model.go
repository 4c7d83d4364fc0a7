package state

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/habitloop/internal/bitlog"
)

// DateFormat 全仓库统一的日期键格式
const DateFormat = "2006-01-02"

// Frequency 描述一个排期版本的频率规则
// Kind 支持 daily / interval / weekdays
type Frequency struct {
	Kind     string `json:"kind"`
	Every    int    `json:"every,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Weekdays []int  `json:"weekdays,omitempty"`
}

// Goal 描述目标定义：打勾确认或数值目标
type Goal struct {
	Kind   string  `json:"kind"`
	Target float64 `json:"target,omitempty"`
	Unit   string  `json:"unit,omitempty"`
}

// Schedule 是习惯排期历史中的一个版本
// Start/End 构成有效期窗口，End 为空表示开放区间
// 同一习惯内各版本窗口互不重叠
type Schedule struct {
	Start     string             `json:"start"`
	End       string             `json:"end,omitempty"`
	Times     []bitlog.TimeOfDay `json:"times"`
	Frequency Frequency          `json:"frequency"`
	Goal      Goal               `json:"goal"`
	Name      string             `json:"name"`
	Icon      string             `json:"icon,omitempty"`
	Color     string             `json:"color,omitempty"`
}

// Habit 定义习惯及其完整排期历史
// DeletedAt 是逻辑删除标记，GraduatedAt 表示习惯毕业
type Habit struct {
	ID          string     `json:"id"`
	CreatedAt   string     `json:"created_at"`
	GraduatedAt string     `json:"graduated_at,omitempty"`
	DeletedAt   string     `json:"deleted_at,omitempty"`
	Schedules   []Schedule `json:"schedules"`
}

// Deleted 判断习惯是否被逻辑删除
func (h *Habit) Deleted() bool {
	return h.DeletedAt != ""
}

// DisplayName 返回当前生效排期版本的展示名，历史为空时返回空串
func (h *Habit) DisplayName() string {
	if len(h.Schedules) == 0 {
		return ""
	}
	return h.Schedules[len(h.Schedules)-1].Name
}

// ActiveSchedule 返回窗口包含指定日期的排期版本
// 任意日期最多只有一个版本生效
func (h *Habit) ActiveSchedule(date string) *Schedule {
	for i := range h.Schedules {
		s := &h.Schedules[i]
		if date < s.Start {
			continue
		}
		if s.End != "" && date > s.End {
			continue
		}
		return s
	}
	return nil
}

// AppendSchedule 追加新的排期版本，并把当前开放窗口截断到新版本前一天
// 排期历史只允许追加或截断，不允许改写既有窗口
func (h *Habit) AppendSchedule(s Schedule) error {
	start, err := time.Parse(DateFormat, s.Start)
	if err != nil {
		return fmt.Errorf("append schedule: %w", err)
	}

	if n := len(h.Schedules); n > 0 {
		last := &h.Schedules[n-1]
		if s.Start <= last.Start {
			return fmt.Errorf("append schedule: start %s not after %s", s.Start, last.Start)
		}
		if last.End == "" || last.End >= s.Start {
			last.End = start.AddDate(0, 0, -1).Format(DateFormat)
		}
	}

	s.Times = dedupeTimes(s.Times)
	h.Schedules = append(h.Schedules, s)
	return nil
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

// TimeEntry 保存单个 (习惯, 日期, 时段) 的富文本元数据
// Done 是位图引入前的旧版完成标记，迁移期间仍作为状态回退来源
type TimeEntry struct {
	Note         string   `json:"note,omitempty"`
	GoalOverride *float64 `json:"goal_override,omitempty"`
	Done         bool     `json:"done,omitempty"`
}

// DayHabit 保存某习惯在一天内的全部时段元数据
type DayHabit struct {
	Times         map[bitlog.TimeOfDay]*TimeEntry `json:"times,omitempty"`
	TimesOverride []bitlog.TimeOfDay              `json:"times_override,omitempty"`
}

// Entry 返回指定时段的条目，不存在时创建
func (d *DayHabit) Entry(tod bitlog.TimeOfDay) *TimeEntry {
	if d.Times == nil {
		d.Times = make(map[bitlog.TimeOfDay]*TimeEntry)
	}
	if d.Times[tod] == nil {
		d.Times[tod] = &TimeEntry{}
	}
	return d.Times[tod]
}

// DayRecord 按习惯聚合一天的富文本元数据
type DayRecord struct {
	Habits map[string]*DayHabit `json:"habits,omitempty"`
}

// Habit 返回指定习惯的当日数据，不存在时创建
func (r *DayRecord) Habit(habitID string) *DayHabit {
	if r.Habits == nil {
		r.Habits = make(map[string]*DayHabit)
	}
	if r.Habits[habitID] == nil {
		r.Habits[habitID] = &DayHabit{}
	}
	return r.Habits[habitID]
}

// AppState 是同步的最小单元：完整应用状态快照
type AppState struct {
	Habits             map[string]*Habit
	Days               map[string]*DayRecord
	Archives           map[int]string
	BitLogs            map[string]*bitlog.MonthLog
	ShownNotifications []string
	PendingMilestones  []string
	Version            int64
	UpdatedAt          int64
}

// NewAppState 构造空状态
func NewAppState() *AppState {
	return &AppState{
		Habits:   make(map[string]*Habit),
		Days:     make(map[string]*DayRecord),
		Archives: make(map[int]string),
		BitLogs:  make(map[string]*bitlog.MonthLog),
	}
}

// wireState 是 AppState 的 JSON 传输形态，位图以十六进制文本承载
type wireState struct {
	Habits             map[string]*Habit     `json:"habits"`
	Days               map[string]*DayRecord `json:"days"`
	Archives           map[int]string        `json:"archives,omitempty"`
	BitLogs            map[string]string     `json:"bitlogs,omitempty"`
	ShownNotifications []string              `json:"shown_notifications,omitempty"`
	PendingMilestones  []string              `json:"pending_milestones,omitempty"`
	Version            int64                 `json:"version"`
	UpdatedAt          int64                 `json:"updated_at"`
}

// MarshalJSON 序列化状态文档，位图走文本编码
func (s *AppState) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireState{
		Habits:             s.Habits,
		Days:               s.Days,
		Archives:           s.Archives,
		BitLogs:            bitlog.EncodeLogs(s.BitLogs),
		ShownNotifications: s.ShownNotifications,
		PendingMilestones:  s.PendingMilestones,
		Version:            s.Version,
		UpdatedAt:          s.UpdatedAt,
	})
}

// UnmarshalJSON 还原状态文档
func (s *AppState) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	s.Habits = w.Habits
	s.Days = w.Days
	s.Archives = w.Archives
	s.BitLogs = bitlog.DecodeLogs(w.BitLogs)
	s.ShownNotifications = w.ShownNotifications
	s.PendingMilestones = w.PendingMilestones
	s.Version = w.Version
	s.UpdatedAt = w.UpdatedAt

	if s.Habits == nil {
		s.Habits = make(map[string]*Habit)
	}
	if s.Days == nil {
		s.Days = make(map[string]*DayRecord)
	}
	if s.Archives == nil {
		s.Archives = make(map[int]string)
	}
	return nil
}

// Clone 深拷贝状态，供合并引擎与推送快照使用
func (s *AppState) Clone() *AppState {
	data, err := json.Marshal(s)
	if err != nil {
		// 状态全部由可序列化字段组成，仅在内存损坏时才会失败
		panic(fmt.Sprintf("state: clone failed: %v", err))
	}

	out := NewAppState()
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("state: clone failed: %v", err))
	}
	return out
}
