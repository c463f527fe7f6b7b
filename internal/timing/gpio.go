package timing

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/shiwa/rgb-sync/internal/logger"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Таймауты ожидания фронтов.
const (
	HsyncTimeout = 10 * time.Millisecond
	VsyncTimeout = 100 * time.Millisecond
)

// PinNames — имена линий для gpioreg.ByName ("GPIO23" и т.п.).
type PinNames struct {
	Hsync        string
	Vsync        string
	DisplayVsync string
}

// GPIO — Source на фронтах GPIO (periph). Строчный импульс читается только
// из MeasureNLines, кадровый — только из Run.
type GPIO struct {
	hsync, vsync, display gpio.PinIO
	mon                   *Monitor

	lineNs      atomic.Int64
	windows     atomic.Pointer[Windows]
	displayEdge atomic.Int64

	now func() time.Time
}

// OpenGPIO инициализирует драйверы periph и настраивает линии на спад.
func OpenGPIO(names PinNames, mon *Monitor) (*GPIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	var pins [3]gpio.PinIO
	for i, n := range []string{names.Hsync, names.Vsync, names.DisplayVsync} {
		p := gpioreg.ByName(n)
		if p == nil {
			return nil, fmt.Errorf("gpio %q not found", n)
		}
		if err := p.In(gpio.PullNoChange, gpio.FallingEdge); err != nil {
			return nil, fmt.Errorf("gpio %s: %w", n, err)
		}
		pins[i] = p
	}
	return NewGPIO(pins[0], pins[1], pins[2], mon), nil
}

// NewGPIO создаёт источник над уже настроенными линиями.
func NewGPIO(hsync, vsync, display gpio.PinIO, mon *Monitor) *GPIO {
	g := &GPIO{hsync: hsync, vsync: vsync, display: display, mon: mon, now: time.Now}
	g.windows.Store(&Windows{})
	return g
}

// MeasureNLines ждёт фронт hsync и измеряет время следующих n фронтов.
func (g *GPIO) MeasureNLines(n int) int {
	if n <= 0 || !g.hsync.WaitForEdge(HsyncTimeout) {
		return 0
	}
	start := g.now()
	for i := 0; i < n; i++ {
		if !g.hsync.WaitForEdge(HsyncTimeout) {
			return 0
		}
	}
	ns := g.now().Sub(start).Nanoseconds()
	g.lineNs.Store(ns / int64(n))
	return int(ns)
}

// MeasureVsync ждёт два новых кадра от Run и возвращает длительность пары полей.
func (g *GPIO) MeasureVsync() int {
	timeout := time.After(4 * VsyncTimeout)
	for i := 0; i < 2; i++ {
		select {
		case <-g.mon.Frames():
		case <-timeout:
			return 0
		}
	}
	s := g.mon.Load()
	if !s.SyncDetected {
		return 0
	}
	return int(s.FramePairNs)
}

// Snapshot возвращает последнее состояние кадра.
func (g *GPIO) Snapshot() Snapshot {
	return g.mon.Load()
}

// SetWindows задаёт окна для контроля периодов.
func (g *GPIO) SetWindows(w Windows) {
	g.windows.Store(&w)
}

// Run обслуживает фронты vsync источника и дисплея до отмены ctx,
// публикуя Snapshot на каждый кадр (или на каждый таймаут — без синхро).
func (g *GPIO) Run(ctx context.Context) error {
	go g.watchDisplay(ctx)

	var last, lastField time.Time
	for ctx.Err() == nil {
		if !g.vsync.WaitForEdge(VsyncTimeout) {
			if !last.IsZero() {
				logger.Debug("timing: vsync lost")
			}
			last, lastField = time.Time{}, time.Time{}
			g.mon.Publish(Snapshot{})
			continue
		}
		t := g.now()
		if last.IsZero() {
			last = t
			continue
		}
		field := t.Sub(last)
		// до второго поля после захвата синхро пару оцениваем удвоенным полем
		pair := 2 * field
		if !lastField.IsZero() {
			pair = field + last.Sub(lastField)
		}
		lastField, last = last, t
		g.mon.Publish(g.frame(t, field, pair))
	}
	return ctx.Err()
}

func (g *GPIO) frame(t time.Time, field, pair time.Duration) Snapshot {
	lineNs := g.lineNs.Load()
	s := Snapshot{SyncDetected: true, FramePairNs: pair.Nanoseconds(), LineNs: lineNs}
	if lineNs <= 0 {
		return s
	}
	halfLines := int(math.Round(2 * float64(field.Nanoseconds()) / float64(lineNs)))
	s.Interlaced = halfLines%2 == 1
	s.TotalLines = halfLines >> 1
	if d := g.displayEdge.Load(); d != 0 && s.TotalLines > 0 {
		// строка источника, на которой пришёл vsync дисплея
		since := t.UnixNano() - field.Nanoseconds()
		s.VsyncLine = int((d-since)/lineNs) % s.TotalLines
		if s.VsyncLine < 0 {
			s.VsyncLine += s.TotalLines
		}
	}
	// окно V считается по строкам кадра: для чересстрочного это пара полей
	v := field
	if s.Interlaced {
		v = pair
	}
	s.VsyncNs = v.Nanoseconds()
	s.WindowViolation = !g.windows.Load().Contains(int(lineNs), int(s.VsyncNs))
	return s
}

func (g *GPIO) watchDisplay(ctx context.Context) {
	for ctx.Err() == nil {
		if g.display.WaitForEdge(VsyncTimeout) {
			g.displayEdge.Store(g.now().UnixNano())
		}
	}
}
