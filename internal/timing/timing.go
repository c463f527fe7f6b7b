// Package timing — измерение синхроимпульсов источника и передача покадрового
// состояния из обработчика vsync в управляющий цикл.
package timing

import (
	"sync/atomic"
)

// InterlacedFlag — бит в результате MeasureVsync, которым источник может пометить
// чересстрочный сигнал. Калибровка его маскирует: он ненадёжен.
const InterlacedFlag = 1 << 31

// Source — аппаратный источник времени синхроимпульсов.
type Source interface {
	// MeasureNLines возвращает время n строчных импульсов в нс; 0 — синхро нет.
	MeasureNLines(n int) int
	// MeasureVsync возвращает время двух полей (одного полного кадра) в нс; 0 — синхро нет.
	MeasureVsync() int
	// Snapshot возвращает последнее опубликованное покадровое состояние.
	Snapshot() Snapshot
	// SetWindows задаёт допустимые окна периодов H и V для флага WindowViolation.
	SetWindows(w Windows)
}

// Snapshot — состояние одного кадра, публикуемое по фронту vsync.
type Snapshot struct {
	SyncDetected     bool
	LastSyncDetected bool
	// VsyncLine — строка источника в момент vsync дисплея.
	VsyncLine int
	// TotalLines — число строк в последнем поле.
	TotalLines int
	// WindowViolation — период вышел за окна Windows.
	WindowViolation bool
	// Interlaced — поле длится нечётное число полустрок.
	Interlaced bool
	// FramePairNs — длительность двух последних полей.
	FramePairNs int64
	// LineNs и VsyncNs — периоды, сверенные с окнами H и V.
	LineNs, VsyncNs int64
	Frame           uint64
}

// Windows — допустимые периоды строки и поля в нс.
type Windows struct {
	HMinNs, HMaxNs int
	VMinNs, VMaxNs int
}

// Contains сообщает, укладываются ли периоды в окна. Нулевые окна не ограничивают.
func (w Windows) Contains(hNs, vNs int) bool {
	if w.HMaxNs > 0 && (hNs < w.HMinNs || hNs > w.HMaxNs) {
		return false
	}
	if w.VMaxNs > 0 && (vNs < w.VMinNs || vNs > w.VMaxNs) {
		return false
	}
	return true
}

// Monitor — передача Snapshot от одного писателя (обработчик vsync) одному читателю
// (управляющий цикл) без блокировок: снимок публикуется целиком через atomic.Pointer,
// о новом кадре сообщает канал ёмкостью 1.
type Monitor struct {
	cur    atomic.Pointer[Snapshot]
	frames chan struct{}
}

// NewMonitor создаёт Monitor с пустым снимком (синхро нет).
func NewMonitor() *Monitor {
	m := &Monitor{frames: make(chan struct{}, 1)}
	m.cur.Store(&Snapshot{})
	return m
}

// Publish публикует снимок. LastSyncDetected берётся из предыдущего снимка,
// Frame нумеруется монотонно.
func (m *Monitor) Publish(s Snapshot) {
	prev := m.cur.Load()
	s.LastSyncDetected = prev.SyncDetected
	s.Frame = prev.Frame + 1
	m.cur.Store(&s)
	select {
	case m.frames <- struct{}{}:
	default:
	}
}

// Load возвращает последний снимок.
func (m *Monitor) Load() Snapshot {
	return *m.cur.Load()
}

// Frames — сигнал о новом кадре; пропущенные кадры схлопываются в один.
func (m *Monitor) Frames() <-chan struct{} {
	return m.frames
}
