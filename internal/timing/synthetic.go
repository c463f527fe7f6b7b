package timing

import (
	"sync"
	"time"
)

// Synthetic — источник с заданной развёрткой без железа: для dry-run и тестов.
// Строка vsync дисплея сдвигается на Drift строк за кадр.
type Synthetic struct {
	mu sync.Mutex

	LineNs     int
	Lines      int
	Interlaced bool
	NoSync     bool
	Drift      int

	mon     *Monitor
	line    int
	windows Windows
}

// NewSynthetic создаёт источник; lines — строк в поле (без половинки).
func NewSynthetic(lineNs, lines int, interlaced bool) *Synthetic {
	return &Synthetic{LineNs: lineNs, Lines: lines, Interlaced: interlaced, mon: NewMonitor()}
}

func (s *Synthetic) halfLines() int {
	h := s.Lines * 2
	if s.Interlaced {
		h++
	}
	return h
}

// MeasureNLines возвращает n*LineNs.
func (s *Synthetic) MeasureNLines(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.NoSync {
		return 0
	}
	return n * s.LineNs
}

// MeasureVsync возвращает длительность пары полей.
func (s *Synthetic) MeasureVsync() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.NoSync {
		return 0
	}
	return s.halfLines() * s.LineNs
}

// Tick публикует очередной кадр.
func (s *Synthetic) Tick() {
	s.mu.Lock()
	snap := Snapshot{}
	if !s.NoSync {
		s.line = ((s.line+s.Drift)%s.Lines + s.Lines) % s.Lines
		snap = Snapshot{
			SyncDetected: true,
			VsyncLine:    s.line,
			TotalLines:   s.Lines,
			Interlaced:   s.Interlaced,
			FramePairNs:  int64(s.halfLines() * s.LineNs),
		}
		vNs := s.Lines * s.LineNs
		if s.Interlaced {
			vNs = s.halfLines() * s.LineNs
		}
		snap.LineNs, snap.VsyncNs = int64(s.LineNs), int64(vNs)
		snap.WindowViolation = !s.windows.Contains(s.LineNs, vNs)
	}
	s.mu.Unlock()
	s.mon.Publish(snap)
}

// SetLine задаёт строку vsync дисплея для следующего Tick (без учёта Drift).
func (s *Synthetic) SetLine(line int) {
	s.mu.Lock()
	s.line = line - s.Drift
	s.mu.Unlock()
}

// Snapshot возвращает последний кадр.
func (s *Synthetic) Snapshot() Snapshot { return s.mon.Load() }

// Frames — сигнал о новом кадре.
func (s *Synthetic) Frames() <-chan struct{} { return s.mon.Frames() }

// SetWindows задаёт окна.
func (s *Synthetic) SetWindows(w Windows) {
	s.mu.Lock()
	s.windows = w
	s.mu.Unlock()
}

// Run публикует кадры с периодом поля до закрытия done.
func (s *Synthetic) Run(done <-chan struct{}) {
	s.mu.Lock()
	period := time.Duration(s.halfLines()*s.LineNs/2) * time.Nanosecond
	s.mu.Unlock()
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			s.Tick()
		}
	}
}
