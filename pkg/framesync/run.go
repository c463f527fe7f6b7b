package framesync

import (
	"context"
	"fmt"
	"io"

	"github.com/shiwa/rgb-sync/internal/capture"
	"github.com/shiwa/rgb-sync/internal/console"
	"github.com/shiwa/rgb-sync/internal/cpld"
	"github.com/shiwa/rgb-sync/internal/hdmi"
	"github.com/shiwa/rgb-sync/internal/logger"
	"github.com/shiwa/rgb-sync/internal/pll"
	"github.com/shiwa/rgb-sync/internal/regs"
	"github.com/shiwa/rgb-sync/internal/timing"
	"github.com/shiwa/rgb-sync/internal/uart"
	"github.com/shiwa/rgb-sync/pkg/config"
)

// Смещения блоков от базы периферии.
const (
	cmOffset = 0x101000
	cmSize   = 0x2000
	pvOffset = 0x807000
	pvSize   = 0x1000
)

// Развёртка dry-run: PAL 720x576i, PLLH 270 МГц.
const (
	dryLineNs = 64000
	dryLines  = 312
	dryPLLH   = 270.0
)

// OpenHardware открывает периферию по конфигу. closeFn освобождает её.
func OpenHardware(ctx context.Context, cfg *config.Config) (hw Hardware, closeFn func(), err error) {
	var closers []io.Closer
	closeFn = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}
	defer func() {
		if err != nil {
			closeFn()
		}
	}()

	h := cfg.Hardware
	var cm, pv regs.Bank
	if h.DryRun {
		cm, pv = dryRunBanks()
		src := timing.NewSynthetic(dryLineNs, dryLines, true)
		go src.Run(ctx.Done())
		hw.Source, hw.Frames = src, src.Frames()
	} else {
		mcm, err := regs.Map(h.MemDevice, h.PeripheralBase+cmOffset, cmSize)
		if err != nil {
			return hw, closeFn, fmt.Errorf("clock manager: %w", err)
		}
		closers = append(closers, mcm)
		mpv, err := regs.Map(h.MemDevice, h.PeripheralBase+pvOffset, pvSize)
		if err != nil {
			return hw, closeFn, fmt.Errorf("pixel valve: %w", err)
		}
		closers = append(closers, mpv)
		cm, pv = mcm, mpv

		mon := timing.NewMonitor()
		g, err := timing.OpenGPIO(timing.PinNames{Hsync: h.HsyncPin, Vsync: h.VsyncPin, DisplayVsync: h.DisplayPin}, mon)
		if err != nil {
			return hw, closeFn, err
		}
		go func() {
			if err := g.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("timing: %v", err)
			}
		}()
		hw.Source, hw.Frames = g, mon.Frames()
	}

	gen := pll.NewGPCLK1(cm)
	gen.MaxPolls = cfg.Sampling.BusyPolls
	hw.CM = cm
	hw.PLL = pll.NewProgrammer(cm)
	hw.ClockGen = gen
	hw.Display = hdmi.NewDisplay(pv, cm)
	hw.CPLD = cpld.NewNull(cfg.Profile.CPLDVersion, cfg.Profile.CPLDDivider)

	if dev := cfg.Capture.Device; dev != "" {
		g, err := capture.OpenFile(dev)
		if err != nil {
			return hw, closeFn, err
		}
		closers = append(closers, g)
		hw.Grabber = g
	}

	if s := cfg.Console.Serial; s.Device != "" {
		con, err := uart.Open(s.Device, s.Baud, s.RefClockHz)
		if err != nil {
			return hw, closeFn, err
		}
		closers = append(closers, con, closerFunc(func() error {
			logger.SetOutput(nil)
			return nil
		}))
		logger.SetOutput(con)
		hw.PLL.Core = con
		hw.Core = con
	}
	return hw, closeFn, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// dryRunBanks — регистры в памяти: GPCLK отвечает битом BUSY, PLLH и pixel valve
// настроены на PAL 720x576.
func dryRunBanks() (cm, pv *regs.Memory) {
	cm, pv = regs.NewMemory(), regs.NewMemory()
	cm.NoJournal, pv.NoJournal = true, true
	cm.Hook = func(m *regs.Memory, off, v uint32) {
		if off != pll.GP1Ctl {
			return
		}
		if v&pll.ClockEnable != 0 {
			m.Set(off, v|pll.ClockBusy)
		} else {
			m.Set(off, v&^pll.ClockBusy)
		}
	}
	div, fract := pll.Dividers(dryPLLH)
	cm.Set(pll.PLLH.Ctrl, uint32(div))
	cm.Set(pll.PLLH.Frac, uint32(fract))
	cm.Set(hdmi.PLLHPix, 1)
	// back porch|sync, front porch|active: 864 = 68+64+12+720, 625 = 39+5+5+576
	pv.Set(hdmi.HorzA, 68<<16|64)
	pv.Set(hdmi.HorzB, 12<<16|720)
	pv.Set(hdmi.VertA, 39<<16|5)
	pv.Set(hdmi.VertB, 5<<16|576)
	return cm, pv
}

// RunDaemon открывает периферию, выполняет первую калибровку и крутит цикл до отмены ctx.
func RunDaemon(ctx context.Context, cfg *config.Config, quiet bool) error {
	if cfg == nil {
		cfg = config.Default()
	}
	logger.Quiet = quiet
	hw, closeHW, err := OpenHardware(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeHW()

	d, err := New(cfg, hw)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	if s := cfg.Console.SSH; s.Listen != "" {
		srv, err := console.NewServer(console.NewShell(d.Console()), s.HostKey, s.User, s.Password)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Run(ctx, s.Listen); err != nil {
				logger.Error("%v", err)
			}
		}()
	}

	logger.Info("framesync: sampling %s, genlock %s line %d, %s",
		cfg.Sampling.PLL, cfg.Genlock.Mode, cfg.Genlock.Line, d.Status().Lock)
	return d.Run(ctx)
}

// CalibrateOnce выполняет одну калибровку и возвращает сводку.
func CalibrateOnce(ctx context.Context, cfg *config.Config) (Status, error) {
	hw, closeHW, err := OpenHardware(ctx, cfg)
	if err != nil {
		return Status{}, err
	}
	defer closeHW()
	d, err := New(cfg, hw)
	if err != nil {
		return Status{}, err
	}
	if err := d.Start(); err != nil {
		return Status{}, err
	}
	return d.Status(), nil
}

// DumpPLL выводит в лог регистры всех PLL.
func DumpPLL(ctx context.Context, cfg *config.Config) error {
	hw, closeHW, err := OpenHardware(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeHW()
	for _, p := range []pll.PLL{pll.PLLA, pll.PLLB, pll.PLLC, pll.PLLD, pll.PLLH} {
		hw.PLL.Dump(p)
	}
	return nil
}
