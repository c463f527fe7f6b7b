// Package genlock — подстройка пиксельного такта HDMI (PLLH) под кадровую частоту источника.
//
// Apply пересчитывает частоту PLLH для режима и шага; Step вызывается раз в кадр
// и ведёт регулятор: в режимах со смещением — однократная установка при смене режима,
// в ModeExact — дискретный пропорциональный регулятор по строке vsync с захватом.
package genlock

import (
	"math"

	"github.com/shiwa/rgb-sync/internal/logger"
	"github.com/shiwa/rgb-sync/internal/pll"
	"github.com/shiwa/rgb-sync/internal/timing"
)

// narrowLimitPPM — предел ошибки для PolicyNarrow.
const narrowLimitPPM = 50000

// PLL — программирование PLL (pll.Programmer).
type PLL interface {
	Frequency(p pll.PLL) float64
	SetFrequency(p pll.PLL, fMHz float64) pll.Target
}

// Display — параметры развёртки HDMI (hdmi.Display).
type Display interface {
	Totals() (htotal, vtotal int)
	PixelDivider() int
}

// State — состояние регулятора для отчётов.
type State struct {
	Mode       Mode
	Line       int
	Speed      Speed
	Policy     Policy
	Locked     bool
	Adjust     int
	Target     int
	Difference int
	Resync     int
	Countdown  int
	Limited    bool
	LockFail   bool

	SourceVsyncHz  int
	DisplayVsyncHz int
	BaseMHz        float64
}

// Controller — регулятор genlock. Не потокобезопасен: все вызовы из управляющего цикла.
type Controller struct {
	pll     PLL
	display Display
	table   Table

	mode   Mode
	line   int
	speed  Speed
	policy Policy

	vsyncNs int
	baseMHz float64

	lastMode   Mode
	locked     bool
	adjust     int
	target     int
	difference int
	resync     int
	countdown  int
	limited    bool
	lockFail   bool

	sourceHz  int
	displayHz int
}

// New создаёт регулятор. Таблица должна пройти Validate.
func New(p PLL, d Display, t Table) (*Controller, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		pll:      p,
		display:  d,
		table:    t,
		speed:    SpeedFast,
		policy:   PolicyNarrow,
		lastMode: modeNone,
	}, nil
}

// Invalidate сообщает новый период пары полей источника и сбрасывает
// кэш режима: следующий Step заново пересчитает PLLH.
func (c *Controller) Invalidate(vsyncNs int) {
	c.vsyncNs = vsyncNs
	c.lastMode = modeNone
}

// ResetSync обнуляет целевую разность и счётчик ресинхронизаций.
func (c *Controller) ResetSync() {
	c.target = 0
	c.resync = 0
}

// Apply программирует PLLH для режима mode и шага adjust (в единицах PPMStep).
// До первого измерения vsync ничего не делает.
func (c *Controller) Apply(mode Mode, adjust int) {
	if c.vsyncNs == 0 {
		return
	}
	if c.baseMHz == 0 {
		c.baseMHz = c.pll.Frequency(pll.PLLH)
		logger.Debug("     Original PLLH: %f MHz", c.baseMHz)
	}
	htotal, vtotal := c.display.Totals()
	if htotal == 0 || vtotal == 0 {
		logger.Warn("genlock: display totals unavailable (%dx%d)", htotal, vtotal)
		return
	}
	fixed := float64(c.table.FixedDivider)
	extra := float64(c.display.PixelDivider())

	pixel := c.baseMHz / fixed / extra
	source := 2e9 / float64(c.vsyncNs)
	display := 1e6 * pixel / float64(htotal) / float64(vtotal)
	ratio := display / source
	errPPM := 1e6 * (ratio - 1)

	f2 := c.baseMHz
	if mode != ModeOriginal {
		f2 /= ratio
		f2 /= 1 + float64(adjust*c.table.PPMStep)/1e6
	}
	pixel = f2 / fixed / extra

	c.limited = false
	if c.policy == PolicyNarrow && math.Abs(errPPM) > narrowLimitPPM {
		f2 = c.baseMHz
		c.limited = true
	}
	maxPixel := c.table.MaxPixelMHz
	if c.policy == Policy260MHz {
		maxPixel = c.table.MaxPixel260MHz
	}
	if pixel < c.table.MinPixelMHz {
		logger.Debug("Pixel clock of %.2f MHz is too low; leaving unchanged", pixel)
		f2 = c.baseMHz
		c.limited = true
	} else if pixel > maxPixel {
		logger.Debug("Pixel clock of %.2f MHz is too high; leaving unchanged", pixel)
		f2 = c.baseMHz
		c.limited = true
	}

	c.sourceHz = int(source + 0.5)
	c.displayHz = int(display + 0.5)
	logger.Debug(" Source vsync freq: %f Hz (measured)", source)
	logger.Debug("Display vsync freq: %f Hz", display)
	logger.Debug("       Vsync error: %f ppm", errPPM)
	logger.Debug("       Target PLLH: %f MHz", f2)

	got := c.pll.SetFrequency(pll.PLLH, f2)
	logger.Debug("        Final PLLH: %f MHz", got.FrequencyHz/1e6)
}

// Step — один кадр регулятора. force сбрасывает кэш режима и захват и сразу
// возвращает StatusDisabled. snap — состояние кадра, nlines — активные строки захвата.
func (c *Controller) Step(force bool, snap timing.Snapshot, nlines int) Status {
	if force {
		c.lastMode = modeNone
		c.locked = false
		return StatusDisabled
	}
	c.lockFail = false
	if snap.SyncDetected && snap.LastSyncDetected {
		shift := 0
		if nlines >= c.table.NLinesThreshold {
			shift = 1
		}
		if c.mode != ModeExact {
			c.locked = false
			c.target = 0
			c.resync = 0
			c.adjust = c.mode.bias()
			if c.lastMode != c.mode {
				c.Apply(c.mode, c.adjust)
				c.lastMode = c.mode
				c.countdown = 0
			}
		} else {
			c.exact(snap, shift)
		}
	}
	if c.countdown != 0 {
		c.countdown--
	}
	if c.mode != ModeExact {
		return StatusDisabled
	}
	if c.locked {
		return StatusLocked
	}
	return StatusUnlocked
}

func (c *Controller) preset() (maxSteps, lockedIdx, delay int) {
	maxSteps, lockedIdx, delay = c.table.MaxSteps, c.table.LockedThreshold, c.table.FrameDelay
	switch c.speed {
	case SpeedMedium:
		maxSteps >>= 1
		lockedIdx--
		delay <<= 1
	case SpeedSlow:
		maxSteps = 1
		lockedIdx = 1
		delay <<= 1
	}
	return maxSteps, lockedIdx, delay
}

func (c *Controller) exact(snap timing.Snapshot, shift int) {
	th := c.table.Thresholds
	maxSteps, lockedIdx, delay := c.preset()

	// после смены скорости или режима со смещением шаг может быть вне ±maxSteps
	if c.adjust > maxSteps {
		c.adjust = maxSteps
	} else if c.adjust < -maxSteps {
		c.adjust = -maxSteps
	}

	diff := (snap.VsyncLine >> shift) - ((snap.TotalLines >> shift) - c.line)
	if abs(diff) > snap.TotalLines>>(shift+1) {
		diff = -diff
	}
	c.difference = diff

	if c.locked && abs(diff) >= th[lockedIdx] {
		c.locked = false
		if diff >= 0 {
			c.target = -2
		} else {
			c.target = 2
		}
		if abs(diff) > th[lockedIdx] {
			logger.Info("Lock lost probably due to mode change - resetting ReSync counter")
			c.resync = 0
			c.target = 0
			c.lockFail = true
		} else {
			c.resync++
			logger.Info("ReSync: %d", c.resync)
		}
	}

	if c.countdown != 0 || c.locked {
		return
	}
	adj := c.adjust
	next := adj
	switch {
	case diff == c.target:
		if adj < 0 {
			next++
		}
		if adj > 0 {
			next--
		}
		if next == 0 {
			c.locked = true
			c.target = 0
			logger.Info("Locked")
		}
	case diff >= c.target:
		threshold := 0
		if adj >= 0 && adj < maxSteps {
			threshold = th[adj]
		}
		if adj < maxSteps && diff > threshold {
			next++
		}
		if adj > 1 && diff <= th[adj-1] {
			next--
		}
	default:
		threshold := 0
		if adj <= 0 && adj > -maxSteps {
			threshold = -th[-adj]
		}
		if adj > -maxSteps && diff < threshold {
			next--
		}
		if adj < -1 && diff >= -th[-(adj+1)] {
			next++
		}
	}
	if next != adj || c.lastMode != ModeExact {
		c.Apply(ModeExact, next)
		c.lastMode = ModeExact
		c.adjust = next
		c.countdown = delay
		logger.Debug("genlock: locked=%v line=%d diff=%d adjust=%d", c.locked, c.line, diff, next)
	}
}

// SetMode меняет режим и сбрасывает регулятор.
func (c *Controller) SetMode(m Mode) {
	c.mode = m
	c.Step(true, timing.Snapshot{}, 0)
}

// SetLine задаёт целевую строку vsync и сбрасывает регулятор.
func (c *Controller) SetLine(line int) {
	c.line = line
	c.Step(true, timing.Snapshot{}, 0)
}

// SetSpeed задаёт скорость захвата и сбрасывает регулятор.
func (c *Controller) SetSpeed(s Speed) {
	c.speed = s
	c.Step(true, timing.Snapshot{}, 0)
}

// SetPolicy задаёт политику ограничения и сбрасывает регулятор.
func (c *Controller) SetPolicy(p Policy) {
	c.policy = p
	c.Step(true, timing.Snapshot{}, 0)
}

func (c *Controller) Mode() Mode     { return c.mode }
func (c *Controller) Line() int      { return c.line }
func (c *Controller) Speed() Speed   { return c.speed }
func (c *Controller) Policy() Policy { return c.policy }
func (c *Controller) Locked() bool   { return c.locked }
func (c *Controller) Limited() bool  { return c.limited }
func (c *Controller) LockFail() bool { return c.lockFail }

// State возвращает копию состояния.
func (c *Controller) State() State {
	return State{
		Mode:           c.mode,
		Line:           c.line,
		Speed:          c.speed,
		Policy:         c.policy,
		Locked:         c.locked,
		Adjust:         c.adjust,
		Target:         c.target,
		Difference:     c.difference,
		Resync:         c.resync,
		Countdown:      c.countdown,
		Limited:        c.limited,
		LockFail:       c.lockFail,
		SourceVsyncHz:  c.sourceHz,
		DisplayVsyncHz: c.displayHz,
		BaseMHz:        c.baseMHz,
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
