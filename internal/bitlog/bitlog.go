package bitlog

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
)

// Status 表示某个打卡槽位的完成状态
// Arete 表示实际进度超过目标值的超额完成
type Status uint8

const (
	Unset Status = iota
	Completed
	Arete
	Deferred
)

// TimeOfDay 表示一天内的打卡时段
type TimeOfDay int

const (
	Morning TimeOfDay = iota
	Afternoon
	Evening
)

// TimesPerDay 每天的打卡时段数
const TimesPerDay = 3

const (
	slotBits     = 3
	statusMask   = 0x3
	tombstoneBit = 0x4
	slotMask     = 0x7

	slotsPerMonth = 31 * TimesPerDay

	// Words 每月位图占用的 64 位字数（93 槽 × 3 位 = 279 位）
	Words = 5
	// PackedSize 持久化缓冲区的固定字节数
	PackedSize = Words * 8
)

var (
	// ErrBadSlot 在日期或时段越界时返回
	ErrBadSlot = errors.New("bitlog: slot out of range")
	// ErrBadBuffer 在持久化缓冲区长度不符时返回
	ErrBadBuffer = errors.New("bitlog: buffer size mismatch")
)

// MonthLog 以定宽字数组承载一个习惯单月全部槽位
// 每槽 3 位：低 2 位状态 + 1 位墓碑标记
// 墓碑区分"主动清除"与"从未设置"，合并引擎的删除优先规则依赖它
type MonthLog struct {
	words [Words]uint64
}

func slotIndex(day int, tod TimeOfDay) (int, error) {
	if day < 1 || day > 31 || tod < Morning || tod > Evening {
		return 0, fmt.Errorf("%w: day=%d time=%d", ErrBadSlot, day, tod)
	}
	return (day-1)*TimesPerDay + int(tod), nil
}

func (l *MonthLog) slot(idx int) uint64 {
	off := idx * slotBits
	w := off / 64
	s := uint(off % 64)

	v := l.words[w] >> s
	if s > 64-slotBits && w+1 < Words {
		v |= l.words[w+1] << (64 - s)
	}
	return v & slotMask
}

func (l *MonthLog) setSlot(idx int, v uint64) {
	off := idx * slotBits
	w := off / 64
	s := uint(off % 64)

	l.words[w] &^= slotMask << s
	l.words[w] |= (v & slotMask) << s

	// 槽位跨越字边界时写入高位字的低位部分
	if s > 64-slotBits && w+1 < Words {
		spill := uint(64 - s)
		l.words[w+1] &^= slotMask >> spill
		l.words[w+1] |= (v & slotMask) >> spill
	}
}

// Get 读取指定槽位的状态与墓碑标记，越界返回零值
func (l *MonthLog) Get(day int, tod TimeOfDay) (Status, bool) {
	idx, err := slotIndex(day, tod)
	if err != nil {
		return Unset, false
	}
	v := l.slot(idx)
	return Status(v & statusMask), v&tombstoneBit != 0
}

// Set 写入指定槽位，先清后置保证 O(1)
func (l *MonthLog) Set(day int, tod TimeOfDay, status Status, tombstone bool) error {
	idx, err := slotIndex(day, tod)
	if err != nil {
		return err
	}

	v := uint64(status) & statusMask
	if tombstone {
		v |= tombstoneBit
	}
	l.setSlot(idx, v)
	return nil
}

// Empty 判断整月是否没有任何状态或墓碑
func (l *MonthLog) Empty() bool {
	for _, w := range l.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Pack 将任意宽度的月位图拆成定宽小端字写入固定缓冲区
func (l *MonthLog) Pack() []byte {
	buf := make([]byte, PackedSize)
	for i, w := range l.words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	return buf
}

// Unpack 从持久化缓冲区还原月位图，长度不符直接拒绝而非截断
func Unpack(buf []byte) (*MonthLog, error) {
	if len(buf) != PackedSize {
		return nil, fmt.Errorf("%w: got %d want %d", ErrBadBuffer, len(buf), PackedSize)
	}

	var l MonthLog
	for i := range l.words {
		l.words[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return &l, nil
}

// Weight 返回状态在合并时的权重：完成 > 推迟 > 未设置
func Weight(s Status) int {
	switch s {
	case Completed, Arete:
		return 3
	case Deferred:
		return 2
	default:
		return 1
	}
}

// MergeSlot 合并两侧同一槽位：墓碑恒胜，其余按权重取高
// 权重相同时取数值更大的一侧，保证结果与参数顺序无关
func MergeSlot(a, b uint64) uint64 {
	if a&tombstoneBit != 0 || b&tombstoneBit != 0 {
		return tombstoneBit
	}

	sa := Status(a & statusMask)
	sb := Status(b & statusMask)

	if Weight(sa) != Weight(sb) {
		if Weight(sa) > Weight(sb) {
			return a
		}
		return b
	}
	if sa >= sb {
		return a
	}
	return b
}

// Merge 对两个月位图逐槽合并，任一侧为 nil 时返回另一侧的拷贝
func Merge(a, b *MonthLog) *MonthLog {
	if a == nil && b == nil {
		return nil
	}
	if a == nil {
		c := *b
		return &c
	}
	if b == nil {
		c := *a
		return &c
	}

	var out MonthLog
	for idx := 0; idx < slotsPerMonth; idx++ {
		out.setSlot(idx, MergeSlot(a.slot(idx), b.slot(idx)))
	}
	return &out
}

// Key 生成 (习惯, 年月) 的位图键，如 "id|2026-09"
func Key(habitID string, year int, month time.Month) string {
	return fmt.Sprintf("%s|%04d-%02d", habitID, year, int(month))
}

// KeyForDate 按日期生成位图键
func KeyForDate(habitID string, date time.Time) string {
	return Key(habitID, date.Year(), date.Month())
}

// SplitKey 拆解位图键，返回习惯 ID 与年月
func SplitKey(key string) (string, int, time.Month, error) {
	i := strings.LastIndex(key, "|")
	if i <= 0 || i == len(key)-1 {
		return "", 0, 0, fmt.Errorf("bitlog: malformed key %q", key)
	}

	habitID := key[:i]
	parts := strings.SplitN(key[i+1:], "-", 2)
	if len(parts) != 2 {
		return "", 0, 0, fmt.Errorf("bitlog: malformed key %q", key)
	}

	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", 0, 0, fmt.Errorf("bitlog: malformed key %q", key)
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil || month < 1 || month > 12 {
		return "", 0, 0, fmt.Errorf("bitlog: malformed key %q", key)
	}

	return habitID, year, time.Month(month), nil
}

// EncodeLogs 将位图集合编码为十六进制文本，便于 JSON 传输
func EncodeLogs(logs map[string]*MonthLog) map[string]string {
	out := make(map[string]string, len(logs))
	for key, l := range logs {
		if l == nil || l.Empty() {
			continue
		}
		out[key] = hex.EncodeToString(l.Pack())
	}
	return out
}

// DecodeLogs 还原传输编码，单条格式错误仅跳过并告警，不中断整体导入
func DecodeLogs(encoded map[string]string) map[string]*MonthLog {
	out := make(map[string]*MonthLog, len(encoded))
	for key, text := range encoded {
		buf, err := hex.DecodeString(strings.TrimSpace(text))
		if err != nil {
			log.Printf("bitlog: 跳过无法解析的位图 %s: %v", key, err)
			continue
		}
		l, err := Unpack(buf)
		if err != nil {
			log.Printf("bitlog: 跳过长度异常的位图 %s: %v", key, err)
			continue
		}
		out[key] = l
	}
	return out
}
