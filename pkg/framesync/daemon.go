// Package framesync — управляющий цикл rgb-sync: калибровка такта выборки,
// genlock HDMI по кадрам источника и команды оператора между кадрами.
package framesync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shiwa/rgb-sync/internal/align"
	"github.com/shiwa/rgb-sync/internal/capture"
	"github.com/shiwa/rgb-sync/internal/clockcal"
	"github.com/shiwa/rgb-sync/internal/cpld"
	"github.com/shiwa/rgb-sync/internal/genlock"
	"github.com/shiwa/rgb-sync/internal/logger"
	"github.com/shiwa/rgb-sync/internal/pll"
	"github.com/shiwa/rgb-sync/internal/regs"
	"github.com/shiwa/rgb-sync/internal/timing"
	"github.com/shiwa/rgb-sync/pkg/config"
)

// numCalPasses — проходов калибровки CPLD в CalibrateAuto.
const numCalPasses = 1

// cmdQueue — глубина очереди команд оператора.
const cmdQueue = 8

var (
	// ErrNoCapture — захват кадров не настроен.
	ErrNoCapture = errors.New("framesync: no capture device")
	// ErrStopped — управляющий цикл уже завершён.
	ErrStopped = errors.New("framesync: daemon stopped")
)

// Hardware — периферия, с которой работает Daemon.
type Hardware struct {
	Source timing.Source
	// Frames сигналит о новом кадре; nil — опрос с интервалом genlock.interval.
	Frames <-chan struct{}
	// CM — clock manager, нужен для включения PLLA_PER.
	CM       regs.Bank
	PLL      *pll.Programmer
	ClockGen clockcal.Generator
	Display  genlock.Display
	// Grabber может быть nil: тогда калибровка выравнивания недоступна.
	Grabber capture.Grabber
	CPLD    cpld.Device
	// Core переинициализируется, когда PLL выборки питает core clock.
	Core pll.Peripheral
}

// Daemon — управляющий цикл. Все методы, кроме Run и Console, вызываются
// только из цикла (или до его запуска).
type Daemon struct {
	cfg      *config.Config
	hw       Hardware
	sampling pll.Sampling

	engine  *clockcal.Engine
	genlock *genlock.Controller
	align   *align.Calibrator

	info    capture.Info
	clock   clockcal.ClockInfo
	profile clockcal.Profile
	elk     bool

	clockChanged  bool
	interlaced    bool
	seenInterlace bool
	lock          genlock.Status
	sync          bool
	// violation — последний кадр, вышедший за окна; nil, если кадры в окнах.
	violation *timing.Snapshot

	interval time.Duration
	cmds     chan func()
	done     chan struct{}
}

// New собирает Daemon. Конфиг должен пройти Validate.
func New(cfg *config.Config, hw Hardware) (*Daemon, error) {
	sampling, err := pll.SamplingFor(cfg.Sampling.PLL, cfg.Sampling.SysClkDivider)
	if err != nil {
		return nil, err
	}
	autoswitch, err := cpld.ParseAutoswitch(cfg.Profile.Autoswitch)
	if err != nil {
		return nil, err
	}
	gl, err := genlock.New(hw.PLL, hw.Display, cfg.Genlock.TableOrDefault())
	if err != nil {
		return nil, err
	}

	engine := clockcal.NewEngine(hw.Source, hw.PLL, hw.ClockGen, hw.CPLD, sampling)
	engine.NLines = cfg.Sampling.NLines
	engine.Core = hw.Core
	engine.Genlock = gl

	al := align.New(hw.Grabber, hw.CPLD)
	al.Autoswitch = autoswitch
	al.Scanlines = cfg.Profile.Scanlines

	c := cfg.Capture
	info := capture.Info{
		Pitch:        c.Width * c.BPP / 8,
		Width:        c.Width,
		Height:       c.Height,
		BPP:          c.BPP,
		CharsPerLine: c.CharsPerLine,
		NLines:       c.NLines,
		HOffset:      c.HOffset,
		VOffset:      c.VOffset,
		SizeX2:       c.SizeX2,
	}
	info.FB = make([]uint32, 2*info.BufferWords())
	info.Adjust()
	al.Geometry = hw.CPLD.UpdateCaptureInfo

	return &Daemon{
		cfg:      cfg,
		hw:       hw,
		sampling: sampling,
		engine:   engine,
		genlock:  gl,
		align:    al,
		info:     info,
		clock: clockcal.ClockInfo{
			ClockHz:      cfg.Clock.ClockHz,
			LineLength:   cfg.Clock.LineLength,
			TolerancePPM: cfg.Clock.TolerancePPM,
		},
		profile: clockcal.Profile{
			SubProfiles: cfg.Profile.SubProfiles,
			Autoswitch:  autoswitch,
			Mode7:       cfg.Profile.Mode7,
		},
		elk:      cfg.Profile.Elk,
		interval: config.ParseInterval(cfg.Genlock.Interval),
		cmds:     make(chan func(), cmdQueue),
		done:     make(chan struct{}),
	}, nil
}

// Start поднимает такт выборки, выполняет первую калибровку и настраивает genlock.
func (d *Daemon) Start() error {
	logger.Info("CPLD: %s (%s), divider %d", d.hw.CPLD.Name(),
		cpld.VersionString(d.hw.CPLD.Version()), d.hw.CPLD.Divider())
	if d.sampling.PLL == pll.PLLA && d.hw.CM != nil {
		pll.ConfigurePLLA(d.hw.CM, d.cfg.Sampling.PLLADivider)
	}
	d.hw.CPLD.SetMode(d.profile.Mode7)
	d.hw.CPLD.UpdateCaptureInfo(&d.info)
	d.info.DetectedSyncType = d.hw.CPLD.Analyse(d.info.SyncType)
	if err := d.hw.ClockGen.Init(d.sampling.Source, d.sampling.DefaultDivisor); err != nil {
		logger.Error("sampling clock bring-up: %v", err)
	}
	d.Calibrate()

	g := d.cfg.Genlock
	speed, err := genlock.ParseSpeed(g.Speed)
	if err != nil {
		return err
	}
	policy, err := genlock.ParsePolicy(g.Policy)
	if err != nil {
		return err
	}
	mode, err := genlock.ParseMode(g.Mode)
	if err != nil {
		return err
	}
	d.genlock.SetSpeed(speed)
	d.genlock.SetPolicy(policy)
	d.genlock.SetLine(g.Line)
	d.genlock.SetMode(mode)
	return nil
}

// Calibrate — проход калибровки такта выборки.
func (d *Daemon) Calibrate() clockcal.State {
	st := d.engine.Calibrate(&d.clock, d.profile)
	if st.Fault != nil {
		logger.Error("calibration fault: %v", st.Fault)
	}
	return st
}

// Frame — одна итерация цикла: шаг genlock и проверка поводов для перекалибровки
// (смена параметров такта, смена чересстрочности, выход за окна, срыв захвата).
func (d *Daemon) Frame() genlock.Status {
	snap := d.hw.Source.Snapshot()
	d.sync = snap.SyncDetected
	d.lock = d.genlock.Step(false, snap, d.info.NLines)

	interlaceChanged := false
	if snap.SyncDetected && snap.LastSyncDetected {
		interlaceChanged = d.seenInterlace && snap.Interlaced != d.interlaced
		d.interlaced, d.seenInterlace = snap.Interlaced, true
	}
	timingChanged := false
	if snap.SyncDetected {
		if snap.WindowViolation {
			logger.Warn("Timing exceeds window: H = %d, V = %d, Lines = %d",
				snap.LineNs, snap.VsyncNs, snap.TotalLines)
			v := snap
			d.violation, timingChanged = &v, true
			d.info.DetectedSyncType = d.hw.CPLD.Analyse(d.info.SyncType)
		} else {
			d.violation = nil
		}
	}
	lockFail := d.genlock.LockFail()
	if d.clockChanged || interlaceChanged || timingChanged || lockFail {
		logger.Info("recalibrating: clock changed=%v interlace changed=%v timing changed=%v lock fail=%v",
			d.clockChanged, interlaceChanged, timingChanged, lockFail)
		d.clockChanged = false
		d.genlock.ResetSync()
		d.Calibrate()
		d.lock = d.genlock.Step(true, snap, d.info.NLines)
	}
	return d.lock
}

// CalibrateClocks калибрует такт и включает точный genlock.
func (d *Daemon) CalibrateClocks() {
	d.Calibrate()
	d.genlock.SetMode(genlock.ModeExact)
}

// CalibrateAuto калибрует такт, определяет вариант Electron и калибрует точки выборки CPLD.
func (d *Daemon) CalibrateAuto() error {
	d.Calibrate()
	if d.hw.Grabber == nil {
		return ErrNoCapture
	}
	elk := d.align.DetectVariant(&d.info, d.elk, d.profile.Mode7)
	if elk != d.elk {
		logger.Info("Electron timing variant: %v", elk)
		d.elk = elk
	}
	for i := 0; i < numCalPasses; i++ {
		d.hw.CPLD.Calibrate(&d.info, d.elk)
	}
	return nil
}

// Alignment — оценка фазы выборки и разностей по точкам выборки.
type Alignment struct {
	Delay int
	Diff  align.Result
}

// Align захватывает кадры и оценивает выравнивание.
func (d *Daemon) Align() (Alignment, error) {
	if d.hw.Grabber == nil {
		return Alignment{}, ErrNoCapture
	}
	width := align.DefaultCellWidth
	if d.profile.Mode7 {
		width = align.Mode7CellWidth
	}
	return Alignment{
		Delay: d.align.AnalyzeAlignment(&d.info, width),
		Diff:  d.align.DiffFrames(&d.info, 1, d.profile.Mode7, d.elk),
	}, nil
}

func (a Alignment) String() string {
	var b strings.Builder
	if a.Delay == align.NotApplicable {
		b.WriteString("sample delay: n/a\n")
	} else {
		fmt.Fprintf(&b, "sample delay: %d\n", a.Delay)
	}
	for i, v := range a.Diff.Sum {
		fmt.Fprintf(&b, "  %c: %d\n", 'A'+i, v)
	}
	fmt.Fprintf(&b, "total: %d\n", a.Diff.Total())
	return b.String()
}

// SetClock меняет номинальную развёртку; перекалибровка — на следующем кадре.
func (d *Daemon) SetClock(info clockcal.ClockInfo) {
	info.LinesPerFrame = d.clock.LinesPerFrame
	if info != d.clock {
		d.clock = info
		d.clockChanged = true
	}
}

// SetTunable меняет параметр по имени (как команда set консоли).
func (d *Daemon) SetTunable(name, value string) error {
	switch name {
	case "vlockmode":
		m, err := genlock.ParseMode(value)
		if err != nil {
			return err
		}
		d.genlock.SetMode(m)
	case "vlockline":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("vlockline: %w", err)
		}
		d.genlock.SetLine(n)
	case "vlockspeed":
		s, err := genlock.ParseSpeed(value)
		if err != nil {
			return err
		}
		d.genlock.SetSpeed(s)
	case "vlockadj":
		p, err := genlock.ParsePolicy(value)
		if err != nil {
			return err
		}
		d.genlock.SetPolicy(p)
	case "clock", "line_len", "clock_ppm":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || (n == 0 && name != "clock_ppm") {
			return fmt.Errorf("%s: bad value %q", name, value)
		}
		c := d.clock
		switch name {
		case "clock":
			c.ClockHz = n
		case "line_len":
			c.LineLength = n
		default:
			c.TolerancePPM = n
		}
		d.SetClock(c)
	case "autoswitch":
		a, err := cpld.ParseAutoswitch(value)
		if err != nil {
			return err
		}
		a = cpld.ResolveAutoswitch(d.hw.CPLD, d.profile.Autoswitch, a)
		d.profile.Autoswitch = a
		d.align.Autoswitch = a
	case "elk":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("elk: %w", err)
		}
		d.elk = b
	case "scanlines":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("scanlines: %w", err)
		}
		d.align.Scanlines = b
	default:
		return fmt.Errorf("unknown parameter %q", name)
	}
	logger.Info("set %s = %s", name, value)
	return nil
}

// Tunable — имя и значение параметра.
type Tunable struct {
	Name, Value string
}

// Tunables — текущие значения параметров для get.
func (d *Daemon) Tunables() []Tunable {
	return []Tunable{
		{"vlockmode", d.genlock.Mode().String()},
		{"vlockline", strconv.Itoa(d.genlock.Line())},
		{"vlockspeed", d.genlock.Speed().String()},
		{"vlockadj", d.genlock.Policy().String()},
		{"clock", strconv.Itoa(d.clock.ClockHz)},
		{"line_len", strconv.Itoa(d.clock.LineLength)},
		{"clock_ppm", strconv.Itoa(d.clock.TolerancePPM)},
		{"autoswitch", d.profile.Autoswitch.String()},
		{"elk", strconv.FormatBool(d.elk)},
		{"scanlines", strconv.FormatBool(d.align.Scanlines)},
	}
}

// Run обрабатывает кадры и команды до отмены ctx.
func (d *Daemon) Run(ctx context.Context) error {
	defer close(d.done)
	var tick <-chan time.Time
	if d.hw.Frames == nil {
		t := time.NewTicker(d.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-d.cmds:
			fn()
		case <-d.hw.Frames:
			d.Frame()
		case <-tick:
			d.Frame()
		}
	}
}

// do выполняет fn в цикле Run и ждёт результата.
func (d *Daemon) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case d.cmds <- func() { errc <- fn() }:
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
