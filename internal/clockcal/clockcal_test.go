package clockcal

import (
	"errors"
	"testing"

	"github.com/shiwa/rgb-sync/internal/cpld"
	"github.com/shiwa/rgb-sync/internal/pll"
	"github.com/shiwa/rgb-sync/internal/timing"
)

// fakeSource отдаёт измерения по очереди; последнее значение повторяется.
type fakeSource struct {
	lines   []int
	vsyncs  []int
	sync    bool
	windows timing.Windows
}

func (f *fakeSource) MeasureNLines(n int) int {
	v := f.lines[0]
	if len(f.lines) > 1 {
		f.lines = f.lines[1:]
	}
	return v
}

func (f *fakeSource) MeasureVsync() int {
	v := f.vsyncs[0]
	if len(f.vsyncs) > 1 {
		f.vsyncs = f.vsyncs[1:]
	}
	return v
}

func (f *fakeSource) Snapshot() timing.Snapshot {
	return timing.Snapshot{SyncDetected: f.sync, LastSyncDetected: f.sync}
}

func (f *fakeSource) SetWindows(w timing.Windows) { f.windows = w }

type fakeProg struct{ sets []float64 }

func (p *fakeProg) SetFrequency(x pll.PLL, fMHz float64) pll.Target {
	p.sets = append(p.sets, fMHz)
	return pll.Target{PLL: x.Name, FrequencyHz: fMHz * 1e6}
}

type fakeGen struct {
	source, divisor int
	err             error
}

func (g *fakeGen) Init(source, divisor int) error {
	g.source, g.divisor = source, divisor
	return g.err
}

type fakeGenlock struct{ vsync []int }

func (g *fakeGenlock) Invalidate(ns int) { g.vsync = append(g.vsync, ns) }

type fakeCore struct{ hz []int }

func (c *fakeCore) Flush() error        { return nil }
func (c *fakeCore) Reinit(hz int) error { c.hz = append(c.hz, hz); return nil }

func beeb() *ClockInfo {
	return &ClockInfo{ClockHz: 16000000, LineLength: 1024}
}

func newEngine(t *testing.T, src *fakeSource, name string) (*Engine, *fakeProg, *fakeGen) {
	t.Helper()
	s, err := pll.SamplingFor(name, 3)
	if err != nil {
		t.Fatal(err)
	}
	prog, gen := &fakeProg{}, &fakeGen{}
	return NewEngine(src, prog, gen, cpld.NewNull(0, 6), s), prog, gen
}

func TestCalibrate_1000PPM(t *testing.T) {
	src := &fakeSource{
		lines:  []int{6406400, 6400000},
		vsyncs: []int{40000000 | timing.InterlacedFlag},
		sync:   true,
	}
	e, prog, gen := newEngine(t, src, "plla")
	gl := &fakeGenlock{}
	e.Genlock = gl
	info := beeb()

	st := e.Calibrate(info, Profile{})
	if st.ClockErrorPPM != 1000 {
		t.Errorf("ClockErrorPPM = %d, want 1000", st.ClockErrorPPM)
	}
	if st.Fallback {
		t.Error("Fallback при нулевом допуске и наличии синхро")
	}
	if st.NewClockHz != 95904095 || st.AdjustedClockHz != 15984015 {
		t.Errorf("clock = %d / %d", st.NewClockHz, st.AdjustedClockHz)
	}
	if st.GPCLKDivisor != 6 || st.PLLFreqHz != 1150849140 {
		t.Errorf("divisor = %d, pll = %d", st.GPCLKDivisor, st.PLLFreqHz)
	}
	if len(prog.sets) != 1 || prog.sets[0] != 1150.84914 {
		t.Errorf("PLL sets = %v", prog.sets)
	}
	if gen.source != 4 || gen.divisor != 6 {
		t.Errorf("GPCLK = source %d divisor %d", gen.source, gen.divisor)
	}
	if !st.Interlaced || st.LinesPerFrame != 625 || info.LinesPerFrame != 625 {
		t.Errorf("interlaced=%v lines=%d info=%d", st.Interlaced, st.LinesPerFrame, info.LinesPerFrame)
	}
	if st.OneLineTimeNs != 64000 || st.VsyncTimeNs != 40000000 {
		t.Errorf("line=%d vsync=%d", st.OneLineTimeNs, st.VsyncTimeNs)
	}
	if len(gl.vsync) != 1 || gl.vsync[0] != 40000000 {
		t.Errorf("genlock invalidate = %v", gl.vsync)
	}

	// тот же результат: PLL не перепрограммируется, GPCLK — всегда
	src.lines = []int{6406400, 6400000}
	gen.divisor = 0
	e.Calibrate(info, Profile{})
	if len(prog.sets) != 1 {
		t.Errorf("повторная запись PLL: %v", prog.sets)
	}
	if gen.divisor != 6 {
		t.Error("GPCLK должен инициализироваться на каждом проходе")
	}
}

func TestCalibrate_NonInterlaced(t *testing.T) {
	src := &fakeSource{lines: []int{6400000}, vsyncs: []int{624 * 64000}, sync: true}
	e, _, _ := newEngine(t, src, "plla")
	st := e.Calibrate(beeb(), Profile{})
	if st.Interlaced || st.LinesPerFrame != 312 {
		t.Errorf("interlaced=%v lines=%d, want false 312", st.Interlaced, st.LinesPerFrame)
	}
}

func TestCalibrate_Fallback(t *testing.T) {
	t.Run("nominal без прошлого такта", func(t *testing.T) {
		src := &fakeSource{lines: []int{6406400, 6400000}, vsyncs: []int{40000000}, sync: true}
		e, _, _ := newEngine(t, src, "plla")
		info := beeb()
		info.TolerancePPM = 500
		st := e.Calibrate(info, Profile{})
		if !st.Fallback || st.NewClockHz != 96000000 {
			t.Errorf("Fallback=%v clock=%d, want nominal 96000000", st.Fallback, st.NewClockHz)
		}
	})

	t.Run("прошлый такт", func(t *testing.T) {
		src := &fakeSource{lines: []int{6406400, 6400000}, vsyncs: []int{40000000}, sync: true}
		e, _, _ := newEngine(t, src, "plla")
		info := beeb()
		e.Calibrate(info, Profile{})
		src.sync = false
		src.lines = []int{0, 6400000}
		st := e.Calibrate(info, Profile{})
		if !st.Fallback || st.NewClockHz != 95904095 {
			t.Errorf("Fallback=%v clock=%d, want previous 95904095", st.Fallback, st.NewClockHz)
		}
	})

	t.Run("есть подпрофили", func(t *testing.T) {
		src := &fakeSource{lines: []int{6406400, 6400000}, vsyncs: []int{40000000}, sync: true}
		e, _, _ := newEngine(t, src, "plla")
		info := beeb()
		e.Calibrate(info, Profile{})
		src.sync = false
		st := e.Calibrate(info, Profile{SubProfiles: true})
		if st.NewClockHz != 96000000 {
			t.Errorf("clock = %d, want nominal", st.NewClockHz)
		}
	})

	t.Run("компенсация 24 МГц mode 7", func(t *testing.T) {
		src := &fakeSource{lines: []int{6400000}, vsyncs: []int{40000000}, sync: true}
		e, _, _ := newEngine(t, src, "plla")
		info := &ClockInfo{ClockHz: 32000000, LineLength: 2048}
		e.Calibrate(info, Profile{})
		if e.prevClock != 192000000 {
			t.Fatalf("prevClock = %d", e.prevClock)
		}
		src.sync = false
		st := e.Calibrate(info, Profile{Autoswitch: cpld.AutoswitchMode7})
		if st.NewClockHz != 96000000 {
			t.Errorf("clock = %d, want 96000000", st.NewClockHz)
		}
		// в mode 7 не делится
		src.sync = false
		e.prevClock = 192000000
		st = e.Calibrate(info, Profile{Autoswitch: cpld.AutoswitchMode7, Mode7: true})
		if st.NewClockHz != 192000000 {
			t.Errorf("mode 7: clock = %d", st.NewClockHz)
		}
	})
}

func TestCalibrate_ClampAndCoreReinit(t *testing.T) {
	src := &fakeSource{lines: []int{6400000}, vsyncs: []int{40000000}, sync: true}
	e, prog, _ := newEngine(t, src, "pllc")
	core := &fakeCore{}
	e.Core = core
	st := e.Calibrate(beeb(), Profile{})
	// 1.2e9/96e6 = 12, 96e6*12 = 1152 МГц
	if st.PLLFreqHz != 1152000000 || st.GPCLKDivisor != 12 {
		t.Errorf("pll = %d divisor = %d", st.PLLFreqHz, st.GPCLKDivisor)
	}
	if len(prog.sets) != 1 || len(core.hz) != 1 || core.hz[0] != 384000000 {
		t.Errorf("sets=%v core=%v", prog.sets, core.hz)
	}

	// такт выше MaxHz/Scale: делитель 0, частота прижимается к минимуму
	src.lines = []int{6400000}
	st = e.Calibrate(&ClockInfo{ClockHz: 250000000, LineLength: 16000}, Profile{})
	if st.GPCLKDivisor != 0 || st.PLLFreqHz != 900000000 {
		t.Errorf("clamp: divisor=%d pll=%d", st.GPCLKDivisor, st.PLLFreqHz)
	}
}

func TestCalibrate_GeneratorFault(t *testing.T) {
	src := &fakeSource{lines: []int{6400000}, vsyncs: []int{40000000}, sync: true}
	e, _, gen := newEngine(t, src, "plld")
	gen.err = pll.ErrClockBusyTimeout
	st := e.Calibrate(beeb(), Profile{})
	if !errors.Is(st.Fault, pll.ErrClockBusyTimeout) {
		t.Errorf("Fault = %v", st.Fault)
	}
	if st.LinesPerFrame != 625 {
		t.Errorf("измерение после отказа: lines = %d", st.LinesPerFrame)
	}
	if !errors.Is(e.State().Fault, pll.ErrClockBusyTimeout) {
		t.Error("State() не хранит Fault")
	}
}

func TestWindows(t *testing.T) {
	w := Windows(ClockInfo{ClockHz: 16000000, LineLength: 1024, TolerancePPM: 5000, LinesPerFrame: 312})
	// строка 64000 нс, окно 320 нс
	if w.HMinNs != 63680 || w.HMaxNs != 64320 {
		t.Errorf("H = %d..%d", w.HMinNs, w.HMaxNs)
	}
	if w.VMinNs != 63680*312 || w.VMaxNs != 64320*312 {
		t.Errorf("V = %d..%d", w.VMinNs, w.VMaxNs)
	}
	if (Windows(ClockInfo{}) != timing.Windows{}) {
		t.Error("нулевой такт должен давать пустые окна")
	}
}
