package genlock

import (
	"math"
	"testing"

	"github.com/shiwa/rgb-sync/internal/pll"
	"github.com/shiwa/rgb-sync/internal/timing"
)

type fakePLL struct {
	base float64
	sets []float64
}

func (f *fakePLL) Frequency(p pll.PLL) float64 { return f.base }

func (f *fakePLL) SetFrequency(p pll.PLL, fMHz float64) pll.Target {
	f.sets = append(f.sets, fMHz)
	return pll.Target{PLL: p.Name, FrequencyHz: fMHz * 1e6}
}

type fakeDisplay struct{ h, v, div int }

func (d fakeDisplay) Totals() (int, int) { return d.h, d.v }
func (d fakeDisplay) PixelDivider() int  { return d.div }

// 1080 МГц / 10 / 4 = 27 МГц, 864x625 → ровно 50 Гц
func newController(t *testing.T, table Table) (*Controller, *fakePLL) {
	t.Helper()
	p := &fakePLL{base: 1080}
	c, err := New(p, fakeDisplay{h: 864, v: 625, div: 4}, table)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, p
}

const vsync50Hz = 40000000

func synced(line, total int) timing.Snapshot {
	return timing.Snapshot{SyncDetected: true, LastSyncDetected: true, VsyncLine: line, TotalLines: total}
}

func TestApply_NoVsyncIsNoop(t *testing.T) {
	c, p := newController(t, DefaultTable())
	c.Apply(ModeExact, 3)
	if len(p.sets) != 0 {
		t.Errorf("Apply без vsync записал PLL: %v", p.sets)
	}
	if c.State().BaseMHz != 0 {
		t.Error("базовая частота не должна кэшироваться до измерения vsync")
	}
}

func TestApply_ExactAndBias(t *testing.T) {
	c, p := newController(t, DefaultTable())
	c.Invalidate(vsync50Hz)
	c.Apply(ModeExact, 0)
	c.Apply(ModeSlow1000, 3)
	c.Apply(ModeOriginal, 6)
	if len(p.sets) != 3 {
		t.Fatalf("sets = %v", p.sets)
	}
	if math.Abs(p.sets[0]-1080) > 1e-9 {
		t.Errorf("exact, шаг 0: %v, want 1080", p.sets[0])
	}
	if want := 1080 / 1.000999; math.Abs(p.sets[1]-want) > 1e-9 {
		t.Errorf("шаг 3: %v, want %v", p.sets[1], want)
	}
	if p.sets[2] != 1080 {
		t.Errorf("original: %v, want 1080", p.sets[2])
	}
	s := c.State()
	if s.SourceVsyncHz != 50 || s.DisplayVsyncHz != 50 || s.Limited {
		t.Errorf("State = %+v", s)
	}
}

func TestApply_Limits(t *testing.T) {
	cases := []struct {
		name    string
		policy  Policy
		base    float64
		h, v    int
		div     int
		vsyncNs int
		limited bool
	}{
		// ошибка ~52600 ppm
		{"narrow большая ошибка", PolicyNarrow, 1080, 864, 625, 4, 42105263, true},
		{"full большая ошибка", PolicyFull, 1080, 864, 625, 4, 42105263, false},
		// пиксельный такт 216 МГц
		{"full выше 200", PolicyFull, 2160, 2880, 1500, 1, vsync50Hz, true},
		{"260mhz", Policy260MHz, 2160, 2880, 1500, 1, vsync50Hz, false},
		// ошибка 11%: 1080/1.111/40 = 24.3 МГц
		{"ниже 25", PolicyFull, 1080, 864, 625, 4, 44444444, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakePLL{base: tc.base}
			c, err := New(p, fakeDisplay{h: tc.h, v: tc.v, div: tc.div}, DefaultTable())
			if err != nil {
				t.Fatal(err)
			}
			c.SetPolicy(tc.policy)
			c.Invalidate(tc.vsyncNs)
			c.Apply(ModeExact, 0)
			if c.Limited() != tc.limited {
				t.Errorf("Limited = %v, want %v", c.Limited(), tc.limited)
			}
			if tc.limited && p.sets[0] != tc.base {
				t.Errorf("при ограничении PLLH = %v, want base %v", p.sets[0], tc.base)
			}
		})
	}
}

func TestStep_ForceAlwaysDisables(t *testing.T) {
	for _, m := range []Mode{ModeOriginal, ModeExact, ModeFast2000} {
		c, _ := newController(t, DefaultTable())
		c.Invalidate(vsync50Hz)
		c.mode = m
		c.locked = true
		if got := c.Step(true, synced(0, 625), 270); got != StatusDisabled {
			t.Errorf("%v: Step(force) = %v", m, got)
		}
		if c.Locked() {
			t.Errorf("%v: locked после force", m)
		}
	}
}

func TestStep_BiasEdgeTriggered(t *testing.T) {
	c, p := newController(t, DefaultTable())
	c.Invalidate(vsync50Hz)
	c.SetMode(ModeSlow1000)
	for i := 0; i < 3; i++ {
		if got := c.Step(false, synced(100, 625), 270); got != StatusDisabled {
			t.Fatalf("Step = %v", got)
		}
	}
	if len(p.sets) != 1 {
		t.Errorf("PLL записан %d раз, want 1", len(p.sets))
	}
	if c.State().Adjust != 3 {
		t.Errorf("Adjust = %d, want 3", c.State().Adjust)
	}
	c.SetMode(ModeFast2000)
	c.Step(false, synced(100, 625), 270)
	if len(p.sets) != 2 || c.State().Adjust != -6 {
		t.Errorf("смена режима: sets=%d adjust=%d", len(p.sets), c.State().Adjust)
	}
}

func TestStep_NoSyncNoChange(t *testing.T) {
	c, p := newController(t, DefaultTable())
	c.Invalidate(vsync50Hz)
	c.SetMode(ModeExact)
	snap := synced(515, 625)
	snap.LastSyncDetected = false
	if got := c.Step(false, snap, 270); got != StatusUnlocked {
		t.Errorf("Step = %v, want unlocked", got)
	}
	if len(p.sets) != 0 || c.State().Adjust != 0 {
		t.Errorf("без синхро на двух кадрах состояние изменилось")
	}
}

func TestStep_ExactLocks(t *testing.T) {
	table := DefaultTable()
	table.FrameDelay = 1
	c, p := newController(t, table)
	c.Invalidate(vsync50Hz)
	c.SetLine(10)
	c.SetMode(ModeExact)

	// разность -100: шаг растёт по кривой порогов
	for i, want := range []int{-1, -2, -3} {
		if got := c.Step(false, synced(515, 625), 270); got != StatusUnlocked {
			t.Fatalf("кадр %d: %v", i, got)
		}
		if s := c.State(); s.Adjust != want || s.Difference != -100 {
			t.Fatalf("кадр %d: adjust=%d diff=%d, want %d", i, s.Adjust, s.Difference, want)
		}
	}

	// разность совпала с целью: шаг к нулю без перелёта, захват ровно на нуле
	for i, want := range []int{-2, -1, 0} {
		got := c.Step(false, synced(615, 625), 270)
		s := c.State()
		if s.Adjust != want {
			t.Fatalf("сход %d: adjust=%d, want %d", i, s.Adjust, want)
		}
		if (want == 0) != s.Locked {
			t.Fatalf("сход %d: locked=%v", i, s.Locked)
		}
		if want == 0 && got != StatusLocked {
			t.Fatalf("сход %d: Step = %v, want locked", i, got)
		}
	}
	if len(p.sets) != 6 {
		t.Errorf("PLL записан %d раз, want 6", len(p.sets))
	}

	for i := 0; i < 3; i++ {
		if got := c.Step(false, synced(615, 625), 270); got != StatusLocked || c.State().Adjust != 0 {
			t.Fatalf("после захвата: %v adjust=%d", got, c.State().Adjust)
		}
	}
}

func lockedController(t *testing.T) *Controller {
	t.Helper()
	table := DefaultTable()
	table.FrameDelay = 1
	c, _ := newController(t, table)
	c.Invalidate(vsync50Hz)
	c.SetLine(10)
	c.SetMode(ModeExact)
	for i := 0; i < 4 && !c.Locked(); i++ {
		c.Step(false, synced(615, 625), 270)
	}
	if !c.Locked() {
		t.Fatal("не удалось захватить")
	}
	return c
}

func TestStep_Resync(t *testing.T) {
	c := lockedController(t)
	// |5| == порог th[2]: ресинхронизация
	c.Step(false, synced(620, 625), 270)
	s := c.State()
	if s.Locked || s.LockFail || s.Resync != 1 {
		t.Errorf("State = %+v", s)
	}
	if s.Target != -2 {
		t.Errorf("Target = %d, want -2", s.Target)
	}
}

func TestStep_LockFail(t *testing.T) {
	c := lockedController(t)
	c.Step(false, synced(605, 625), 270)
	s := c.State()
	if s.Locked || !s.LockFail || s.Resync != 0 || s.Target != 0 {
		t.Errorf("State = %+v", s)
	}
	// lock_fail живёт один кадр
	c.Step(false, synced(605, 625), 270)
	if c.LockFail() {
		t.Error("LockFail не сброшен на следующем кадре")
	}
}

func TestStep_PhaseWrapAndHalfResolution(t *testing.T) {
	c, _ := newController(t, DefaultTable())
	c.Invalidate(vsync50Hz)
	c.SetLine(10)
	c.SetMode(ModeExact)

	c.Step(false, synced(0, 625), 270)
	if d := c.State().Difference; d != 615 {
		t.Errorf("перенос фазы: diff = %d, want 615", d)
	}

	c.SetMode(ModeExact)
	c.Step(false, synced(600, 625), 576)
	// (600>>1) - ((625>>1) - 10) = 300 - 302
	if d := c.State().Difference; d != -2 {
		t.Errorf("полустрочное разрешение: diff = %d, want -2", d)
	}
}

func TestStep_SlowSpeedBoundsAdjust(t *testing.T) {
	table := DefaultTable()
	table.FrameDelay = 1
	c, _ := newController(t, table)
	c.Invalidate(vsync50Hz)
	c.SetSpeed(SpeedSlow)
	c.SetMode(ModeExact)
	for i := 0; i < 8; i++ {
		c.Step(false, synced(515, 625), 270)
		if a := c.State().Adjust; a < -1 || a > 1 {
			t.Fatalf("кадр %d: adjust = %d вне ±1", i, a)
		}
	}
	if c.State().Adjust != -1 {
		t.Errorf("Adjust = %d, want -1", c.State().Adjust)
	}

	// шаг режима со смещением приводится к пределу скорости
	c.SetMode(ModeSlow2000)
	c.Step(false, synced(515, 625), 270)
	c.SetMode(ModeExact)
	c.Step(false, synced(515, 625), 270)
	if a := c.State().Adjust; a < -1 || a > 1 {
		t.Errorf("после slow2000: adjust = %d", a)
	}
}

func TestParse(t *testing.T) {
	if m, err := ParseMode("EXACT"); err != nil || m != ModeExact {
		t.Errorf("ParseMode = %v, %v", m, err)
	}
	if m, err := ParseMode("5"); err != nil || m != ModeFast2000 {
		t.Errorf("ParseMode(5) = %v, %v", m, err)
	}
	if _, err := ParseMode("warp"); err == nil {
		t.Error("ожидали ошибку")
	}
	if s, err := ParseSpeed("medium"); err != nil || s != SpeedMedium {
		t.Errorf("ParseSpeed = %v, %v", s, err)
	}
	if p, err := ParsePolicy("260MHz"); err != nil || p != Policy260MHz {
		t.Errorf("ParsePolicy = %v, %v", p, err)
	}
}

func TestTable_Validate(t *testing.T) {
	if err := DefaultTable().Validate(); err != nil {
		t.Fatalf("DefaultTable: %v", err)
	}
	bad := DefaultTable()
	bad.Thresholds = bad.Thresholds[:5]
	if err := bad.Validate(); err == nil {
		t.Error("короткая таблица должна отклоняться")
	}
	bad = DefaultTable()
	bad.Thresholds = []int{2, 3, 5, 8, 12, 17, 23, 30, 38, 47, 57, 1}
	if err := bad.Validate(); err == nil {
		t.Error("немонотонная таблица должна отклоняться")
	}
}
