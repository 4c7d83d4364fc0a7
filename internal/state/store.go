package state

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/habitloop/internal/bitlog"
)

// ErrYearHydrating 在目标年份的存档仍在异步解压时返回
// 此时初始化空记录会与即将到达的水合数据竞态，写入方应稍后重试
var ErrYearHydrating = errors.New("state: year archive is still hydrating")

// DefaultYearCacheSize 解压年份缓存的默认上限
const DefaultYearCacheSize = 3

// Store 是应用状态的显式句柄，热层直存、冷层按年懒解压
// 所有访问器都经过它，不依赖任何包级单例
type Store struct {
	mu        sync.Mutex
	state     *AppState
	cache     *lru.Cache[int, map[string]*DayRecord]
	dirty     map[int]bool
	hydrating map[int]bool
	group     singleflight.Group
	gen       int

	onDataReady func(year int)
	onChange    func()
}

// NewStore 用给定快照构造存储句柄
// cacheSize 限定同时驻留内存的解压年份数，超出按最久未访问逐出
func NewStore(s *AppState, cacheSize int) *Store {
	if s == nil {
		s = NewAppState()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultYearCacheSize
	}

	st := &Store{
		state:     s,
		dirty:     make(map[int]bool),
		hydrating: make(map[int]bool),
	}

	cache, err := lru.NewWithEvict(cacheSize, st.evictYear)
	if err != nil {
		panic(fmt.Sprintf("state: cache init failed: %v", err))
	}
	st.cache = cache
	return st
}

// SetOnDataReady 注册存档水合完成信号，渲染层据此重绘
func (st *Store) SetOnDataReady(fn func(year int)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onDataReady = fn
}

// SetOnChange 注册状态变更钩子，每次写入都会触发一次防抖推送
func (st *Store) SetOnChange(fn func()) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onChange = fn
}

// evictYear 在缓存逐出时把脏年份写回冷层存档；调用方持有 st.mu
func (st *Store) evictYear(year int, days map[string]*DayRecord) {
	if !st.dirty[year] {
		return
	}
	delete(st.dirty, year)

	blob, err := EncodeArchive(days)
	if err != nil {
		log.Printf("state: 年份 %d 回写存档失败: %v", year, err)
		return
	}
	st.state.Archives[year] = blob
}

func yearOf(date string) (int, error) {
	t, err := time.Parse(DateFormat, date)
	if err != nil {
		return 0, fmt.Errorf("state: bad date %q: %w", date, err)
	}
	return t.Year(), nil
}

// ReadDailyRecord 读取某日的富文本记录
// 热层直取；冷层命中缓存直取；否则立即返回空占位并异步解压，
// 完成后通过 OnDataReady 通知上层
func (st *Store) ReadDailyRecord(date string) *DayRecord {
	st.mu.Lock()

	if rec, ok := st.state.Days[date]; ok {
		st.mu.Unlock()
		return rec
	}

	year, err := yearOf(date)
	if err != nil {
		st.mu.Unlock()
		return &DayRecord{}
	}

	if days, ok := st.cache.Get(year); ok {
		rec := days[date]
		st.mu.Unlock()
		if rec == nil {
			return &DayRecord{}
		}
		return rec
	}

	blob, ok := st.state.Archives[year]
	if ok && !st.hydrating[year] {
		st.hydrating[year] = true
		go st.hydrate(year, blob, st.gen)
	}
	st.mu.Unlock()

	return &DayRecord{}
}

func (st *Store) hydrate(year int, blob string, gen int) {
	decoded, err, _ := st.group.Do(strconv.Itoa(year), func() (interface{}, error) {
		return DecodeArchive(blob)
	})

	st.mu.Lock()
	delete(st.hydrating, year)

	if gen != st.gen {
		// 状态已被合并结果整体替换，丢弃过期的水合数据
		st.mu.Unlock()
		return
	}

	days, _ := decoded.(map[string]*DayRecord)
	if err != nil {
		// 仅降级该年份为空结果，读路径不因单年损坏而中断
		log.Printf("state: 年份 %d 存档解压失败: %v", year, err)
		days = make(map[string]*DayRecord)
	}

	st.cache.Add(year, days)
	fn := st.onDataReady
	st.mu.Unlock()

	if fn != nil {
		fn(year)
	}
}

// EnsureDailyRecord 为写入取得某日某习惯的可变记录
// 目标年份尚在水合时拒绝写入，避免空记录覆盖即将到达的数据
func (st *Store) EnsureDailyRecord(date, habitID string) (*DayHabit, error) {
	st.mu.Lock()

	if rec, ok := st.state.Days[date]; ok {
		dh := rec.Habit(habitID)
		st.mu.Unlock()
		st.notifyChange()
		return dh, nil
	}

	year, err := yearOf(date)
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}

	if st.hydrating[year] {
		st.mu.Unlock()
		return nil, ErrYearHydrating
	}

	if days, ok := st.cache.Get(year); ok {
		rec := days[date]
		if rec == nil {
			rec = &DayRecord{}
			days[date] = rec
		}
		st.dirty[year] = true
		dh := rec.Habit(habitID)
		st.mu.Unlock()
		st.notifyChange()
		return dh, nil
	}

	if blob, ok := st.state.Archives[year]; ok {
		st.hydrating[year] = true
		go st.hydrate(year, blob, st.gen)
		st.mu.Unlock()
		return nil, ErrYearHydrating
	}

	rec := &DayRecord{}
	st.state.Days[date] = rec
	dh := rec.Habit(habitID)
	st.mu.Unlock()
	st.notifyChange()
	return dh, nil
}

func (st *Store) notifyChange() {
	st.mu.Lock()
	fn := st.onChange
	st.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Status 读取 (习惯, 日期, 时段) 的完成状态
// 月位图缺失时回退到旧版富文本记录推导，迁移期无需整体重写
func (st *Store) Status(habitID, date string, tod bitlog.TimeOfDay) bitlog.Status {
	t, err := time.Parse(DateFormat, date)
	if err != nil {
		return bitlog.Unset
	}

	key := bitlog.KeyForDate(habitID, t)

	st.mu.Lock()
	ml := st.state.BitLogs[key]
	habit := st.state.Habits[habitID]
	st.mu.Unlock()

	if ml != nil {
		s, _ := ml.Get(t.Day(), tod)
		return s
	}

	rec := st.ReadDailyRecord(date)
	dh := rec.Habits[habitID]
	if dh == nil || dh.Times[tod] == nil || !dh.Times[tod].Done {
		return bitlog.Unset
	}

	entry := dh.Times[tod]
	if entry.GoalOverride != nil && habit != nil {
		if sched := habit.ActiveSchedule(date); sched != nil &&
			sched.Goal.Target > 0 && *entry.GoalOverride > sched.Goal.Target {
			return bitlog.Arete
		}
	}
	return bitlog.Completed
}

// SetStatus 写入完成状态
// 写入 Unset 时置墓碑位，使"主动清除"区别于"从未设置"
func (st *Store) SetStatus(habitID, date string, tod bitlog.TimeOfDay, status bitlog.Status) error {
	t, err := time.Parse(DateFormat, date)
	if err != nil {
		return fmt.Errorf("state: bad date %q: %w", date, err)
	}

	key := bitlog.KeyForDate(habitID, t)

	st.mu.Lock()
	ml := st.state.BitLogs[key]
	if ml == nil {
		ml = &bitlog.MonthLog{}
		st.state.BitLogs[key] = ml
	}
	err = ml.Set(t.Day(), tod, status, status == bitlog.Unset)
	st.mu.Unlock()

	if err != nil {
		return err
	}
	st.notifyChange()
	return nil
}

// Note 读取指定时段的备注
func (st *Store) Note(habitID, date string, tod bitlog.TimeOfDay) string {
	rec := st.ReadDailyRecord(date)
	dh := rec.Habits[habitID]
	if dh == nil || dh.Times[tod] == nil {
		return ""
	}
	return dh.Times[tod].Note
}

// SetNote 写入指定时段的备注
func (st *Store) SetNote(habitID, date string, tod bitlog.TimeOfDay, note string) error {
	dh, err := st.EnsureDailyRecord(date, habitID)
	if err != nil {
		return err
	}
	dh.Entry(tod).Note = note
	st.notifyChange()
	return nil
}

// GoalOverride 读取指定时段的目标覆盖值
func (st *Store) GoalOverride(habitID, date string, tod bitlog.TimeOfDay) *float64 {
	rec := st.ReadDailyRecord(date)
	dh := rec.Habits[habitID]
	if dh == nil || dh.Times[tod] == nil {
		return nil
	}
	return dh.Times[tod].GoalOverride
}

// SetGoalOverride 写入指定时段的目标覆盖值
func (st *Store) SetGoalOverride(habitID, date string, tod bitlog.TimeOfDay, value float64) error {
	dh, err := st.EnsureDailyRecord(date, habitID)
	if err != nil {
		return err
	}
	dh.Entry(tod).GoalOverride = &value
	st.notifyChange()
	return nil
}

// Snapshot 先把缓存中的脏年份写回存档，再返回状态深拷贝
func (st *Store) Snapshot() *AppState {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, year := range st.cache.Keys() {
		if !st.dirty[year] {
			continue
		}
		if days, ok := st.cache.Peek(year); ok {
			st.evictYear(year, days)
		}
	}

	return st.state.Clone()
}

// Replace 用合并结果整体替换状态，并使缓存与进行中的水合失效
func (st *Store) Replace(s *AppState) {
	st.mu.Lock()
	st.gen++
	st.dirty = make(map[int]bool)
	st.cache.Purge()
	st.state = s
	st.mu.Unlock()
	st.notifyChange()
}

// ArchiveYear 把某年的热层记录压入冷层存档，释放常驻内存
func (st *Store) ArchiveYear(year int) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	// 已水合的缓存年份可能带有未回写的修改，优先以缓存为基底
	days := make(map[string]*DayRecord)
	if cached, ok := st.cache.Peek(year); ok {
		days = cached
	} else if blob, ok := st.state.Archives[year]; ok {
		existing, err := DecodeArchive(blob)
		if err != nil {
			return fmt.Errorf("archive year %d: %w", year, err)
		}
		days = existing
	}

	prefix := fmt.Sprintf("%04d-", year)
	for date, rec := range st.state.Days {
		if len(date) >= len(prefix) && date[:len(prefix)] == prefix {
			days[date] = rec
			delete(st.state.Days, date)
		}
	}

	blob, err := EncodeArchive(days)
	if err != nil {
		return fmt.Errorf("archive year %d: %w", year, err)
	}

	st.state.Archives[year] = blob
	delete(st.dirty, year)
	st.cache.Remove(year)
	return nil
}
