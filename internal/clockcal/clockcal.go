// Package clockcal — калибровка такта выборки по измеренной длительности строк источника.
//
// Измеряется время 100 строк, считается ошибка относительно номинала, корректированный
// такт программируется в PLL выборки и GPCLK, после чего по новому такту
// определяется число строк в кадре и чересстрочность.
package clockcal

import (
	"math"

	"github.com/shiwa/rgb-sync/internal/cpld"
	"github.com/shiwa/rgb-sync/internal/logger"
	"github.com/shiwa/rgb-sync/internal/pll"
	"github.com/shiwa/rgb-sync/internal/timing"
)

// DefaultNLines — число строк в измерении.
const DefaultNLines = 100

// mode7FixClockHz — порог компенсации 24 МГц mode 7 при откате к прошлому такту.
const mode7FixClockHz = 180000000

// ClockInfo — номинальная развёртка источника из профиля.
// LinesPerFrame заполняет калибровка.
type ClockInfo struct {
	ClockHz       int
	LineLength    int
	TolerancePPM  int
	LinesPerFrame int
}

// Profile — сведения о профиле, влияющие на выбор такта при откате.
type Profile struct {
	SubProfiles bool
	Autoswitch  cpld.Autoswitch
	Mode7       bool
}

// State — результат последней калибровки.
type State struct {
	ClockErrorPPM   int
	AdjustedClockHz int
	OneLineTimeNs   int
	LinesPerFrame   int
	Interlaced      bool

	NewClockHz   int
	PLLFreqHz    int
	GPCLKDivisor int
	VsyncTimeNs  int
	// Fallback — ошибка не принята, такт взят прошлый или номинальный.
	Fallback bool
	// Fault — генератор тактов не ответил; значения выше — лучшие доступные.
	Fault error
}

// Programmer — запись частоты PLL (pll.Programmer).
type Programmer interface {
	SetFrequency(p pll.PLL, fMHz float64) pll.Target
}

// Generator — генератор тактов выборки (pll.ClockGen).
type Generator interface {
	Init(source, divisor int) error
}

// Divider — делитель CPLD (cpld.Device).
type Divider interface {
	Divider() int
}

// Invalidator — получатель нового периода vsync (genlock.Controller).
type Invalidator interface {
	Invalidate(vsyncNs int)
}

// Engine — калибровщик. Хранит последний принятый такт и частоту PLL между вызовами.
type Engine struct {
	src      timing.Source
	prog     Programmer
	gen      Generator
	dev      Divider
	sampling pll.Sampling

	// NLines — строк в измерении (DefaultNLines).
	NLines int
	// Core переинициализируется после смены PLL, питающей core clock.
	Core pll.Peripheral
	// Genlock получает новый период vsync после калибровки.
	Genlock Invalidator

	prevClock int
	prevPLL   int
	state     State
}

// NewEngine создаёт Engine.
func NewEngine(src timing.Source, prog Programmer, gen Generator, dev Divider, s pll.Sampling) *Engine {
	return &Engine{src: src, prog: prog, gen: gen, dev: dev, sampling: s, NLines: DefaultNLines}
}

// State возвращает результат последней калибровки.
func (e *Engine) State() State {
	return e.state
}

// Calibrate выполняет проход калибровки. info.LinesPerFrame обновляется.
// Ошибок наружу нет: при ненадёжном измерении берётся прошлый или номинальный такт,
// отказ генератора записывается в State.Fault.
func (e *Engine) Calibrate(info *ClockInfo, p Profile) State {
	var st State
	n := e.NLines
	if n <= 0 {
		n = DefaultNLines
	}
	div := e.dev.Divider()

	logger.Info("        clkinfo.clock = %d Hz", info.ClockHz)
	logger.Info("     clkinfo.line_len = %d", info.LineLength)
	logger.Info("    clkinfo.clock_ppm = %d ppm", info.TolerancePPM)

	nominalNs := float64(n) * 1e9 * float64(info.LineLength) / float64(info.ClockHz)
	actualNs := e.src.MeasureNLines(n)
	logger.Info("    Nominal %3d lines = %.0f ns", n, nominalNs)
	logger.Info("     Actual %3d lines = %d ns", n, actualNs)

	ratio := float64(actualNs) / nominalNs
	st.ClockErrorPPM = int(math.Round((ratio - 1) * 1e6))
	logger.Info("          Clock error = %d PPM", st.ClockErrorPPM)

	sync := e.src.Snapshot().SyncDetected && actualNs > 0
	var newClock int
	if (info.TolerancePPM > 0 && abs(st.ClockErrorPPM) > info.TolerancePPM) || !sync {
		st.Fallback = true
		if e.prevClock > 0 && !p.SubProfiles {
			logger.Warn("PPM error too large, using previous clock")
			newClock = e.prevClock
			if p.Autoswitch == cpld.AutoswitchMode7 && !p.Mode7 && newClock > mode7FixClockHz {
				logger.Warn("Compensating for 24 Mhz mode 7")
				newClock >>= 1
			}
		} else {
			logger.Warn("PPM error too large, using nominal clock")
			newClock = info.ClockHz * div
		}
	} else {
		newClock = int(float64(info.ClockHz*div) / ratio)
	}
	e.prevClock = newClock
	st.NewClockHz = newClock
	st.AdjustedClockHz = newClock / div
	logger.Info(" Error adjusted clock = %d Hz", st.AdjustedClockHz)

	s := e.sampling
	st.GPCLKDivisor = s.MaxHz / s.Scale / newClock
	pllFreq := newClock * s.Scale * st.GPCLKDivisor
	logger.Info("        GPCLK Divisor = %d", st.GPCLKDivisor)
	logger.Info(" Target PLL frequency = %d Hz", pllFreq)
	if pllFreq < s.MinHz {
		logger.Warn("PLL clock out of range, defaulting to minimum (%d Hz)", s.MinHz)
		pllFreq = s.MinHz
	} else if pllFreq > s.MaxHz {
		logger.Warn("PLL clock out of range, defaulting to maximum (%d Hz)", s.MaxHz)
		pllFreq = s.MaxHz
	}
	st.PLLFreqHz = pllFreq
	logger.Info(" Actual PLL frequency = %d Hz", pllFreq)

	if pllFreq != e.prevPLL {
		e.prog.SetFrequency(s.PLL, float64(pllFreq)/1e6)
		if s.PLL.DrivesCore && e.Core != nil {
			if err := e.Core.Reinit(pllFreq / s.SysClkDivider); err != nil {
				logger.Warn("core clock peripheral reinit: %v", err)
			}
		}
		e.prevPLL = pllFreq
	}

	if err := e.gen.Init(s.Source, st.GPCLKDivisor); err != nil {
		logger.Error("sampling clock: %v", err)
		st.Fault = err
	}

	lineNs := e.src.MeasureNLines(n)
	st.VsyncTimeNs = e.src.MeasureVsync() &^ timing.InterlacedFlag
	st.LinesPerFrame = info.LinesPerFrame
	if lineNs > 0 {
		raw := float64(st.VsyncTimeNs) / (float64(lineNs) / float64(n))
		rounded := int(raw + 0.5)
		st.OneLineTimeNs = lineNs / n
		st.Interlaced = rounded%2 == 1
		if st.Interlaced {
			st.LinesPerFrame = rounded
			logger.Info("      Lines per frame = %d, (%g)", st.LinesPerFrame, raw)
			logger.Info("Actual frame time = %d ns (interlaced), line time = %d ns", st.VsyncTimeNs, st.OneLineTimeNs)
		} else {
			st.LinesPerFrame = rounded >> 1
			logger.Info("      Lines per frame = %d, (%g)", st.LinesPerFrame, raw/2)
			logger.Info("Actual frame time = %d ns (non-interlaced), line time = %d ns", st.VsyncTimeNs/2, st.OneLineTimeNs)
		}
	} else {
		logger.Warn("no hsync after clock change, lines per frame unchanged")
	}
	info.LinesPerFrame = st.LinesPerFrame

	if e.Genlock != nil {
		e.Genlock.Invalidate(st.VsyncTimeNs)
	}
	w := Windows(*info)
	e.src.SetWindows(w)
	logger.Info("Window: H = %d to %d, V = %d to %d", w.HMinNs, w.HMaxNs, w.VMinNs, w.VMaxNs)

	e.state = st
	return st
}

// Windows — допустимые периоды строки и поля: номинал ± допуск в ppm.
func Windows(info ClockInfo) timing.Windows {
	if info.ClockHz <= 0 {
		return timing.Windows{}
	}
	lineTime := float64(info.LineLength) * 1e9 / float64(info.ClockHz)
	window := float64(info.TolerancePPM) * lineTime / 1e6
	lo := int(float64(int(lineTime)) - window)
	hi := int(float64(int(lineTime)) + window)
	return timing.Windows{
		HMinNs: lo,
		HMaxNs: hi,
		VMinNs: lo * info.LinesPerFrame,
		VMaxNs: hi * info.LinesPerFrame,
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
