// Package pll — программирование PLL BCM283x (A2W) и генератора тактов GPCLK.
//
// Частота PLL = 19.2 МГц * (NDIV + FRAC/2^20). Целая часть — младшие 10 бит
// регистра CTRL, дробная — 20 бит регистра FRAC.
package pll

import (
	"fmt"
	"math"

	"github.com/shiwa/rgb-sync/internal/logger"
	"github.com/shiwa/rgb-sync/internal/regs"
)

// RefMHz — опорный кварц.
const RefMHz = 19.2

// FracBits — ширина дробного делителя.
const FracBits = 20

const (
	fracMax  = 1<<FracBits - 1
	ndivMask = 0x3ff
	// биты CTRL, которые сохраняются при смене NDIV (PDIV, PRSTN и т.д.)
	ctrlKeepMask = 0x00fffc00
)

// PLL — именованная PLL и смещения её регистров от базы clock manager.
type PLL struct {
	Name string
	Ctrl uint32
	Frac uint32
	// DrivesCore — от этой PLL питается core clock (а значит и mini UART).
	DrivesCore bool
}

// PLL BCM283x (смещения A2W_PLLx_CTRL / A2W_PLLx_FRAC, см. clk-bcm2835).
var (
	PLLA = PLL{Name: "PLLA", Ctrl: 0x1100, Frac: 0x1200}
	PLLB = PLL{Name: "PLLB", Ctrl: 0x11e0, Frac: 0x12e0}
	PLLC = PLL{Name: "PLLC", Ctrl: 0x1120, Frac: 0x1220, DrivesCore: true}
	PLLD = PLL{Name: "PLLD", Ctrl: 0x1140, Frac: 0x1240}
	PLLH = PLL{Name: "PLLH", Ctrl: 0x1160, Frac: 0x1260}
)

// Target — результат программирования PLL: делители и фактическая частота.
type Target struct {
	PLL         string
	Integer     int
	Fractional  int
	FrequencyHz float64
}

// Peripheral — устройство, чья скорость зависит от core clock (mini UART).
// Flush вызывается перед сменой частоты, Reinit — после, с новой частотой core.
type Peripheral interface {
	Flush() error
	Reinit(coreClockHz int) error
}

// Dividers вычисляет целый и дробный делители для частоты fMHz.
// Дробная часть всегда в [0, 2^20-1]; выход за диапазон логируется и обрезается.
func Dividers(fMHz float64) (div, fract int) {
	ratio := fMHz / RefMHz
	div = int(ratio)
	fract = int(math.Round(float64(1<<FracBits) * (ratio - float64(div))))
	if fract < 0 {
		logger.Warn("PLL fraction < 0")
		fract = 0
	}
	if fract > fracMax {
		logger.Warn("PLL fraction > 1")
		fract = fracMax
	}
	return div, fract
}

// Programmer пишет делители PLL и проверяет их обратным чтением.
type Programmer struct {
	bank regs.Bank
	// Core — периферия, зависящая от core clock; может быть nil.
	Core Peripheral
}

// NewProgrammer создаёт Programmer над блоком clock manager.
func NewProgrammer(bank regs.Bank) *Programmer {
	return &Programmer{bank: bank}
}

// Registers возвращает текущие NDIV и FRAC.
func (p *Programmer) Registers(pll PLL) (div, fract int) {
	return int(p.bank.Read(pll.Ctrl) & ndivMask), int(p.bank.Read(pll.Frac) & fracMax)
}

// Frequency возвращает текущую частоту PLL в МГц по регистрам.
func (p *Programmer) Frequency(pll PLL) float64 {
	div, fract := p.Registers(pll)
	return RefMHz * (float64(div) + float64(fract)/float64(1<<FracBits))
}

// SetFrequency программирует PLL на fMHz. Регистры пишутся только при изменении.
// Несовпадение при обратном чтении — предупреждение; в Target попадает то, что
// реально стоит в железе.
func (p *Programmer) SetFrequency(pll PLL, fMHz float64) Target {
	div, fract := Dividers(fMHz)

	oldCtrl := p.bank.Read(pll.Ctrl)
	oldDiv := int(oldCtrl & ndivMask)
	oldFract := int(p.bank.Read(pll.Frac) & fracMax)

	if div != oldDiv || fract != oldFract {
		if pll.DrivesCore && p.Core != nil {
			if err := p.Core.Flush(); err != nil {
				logger.Warn("%s: flush before core clock change: %v", pll.Name, err)
			}
		}
		if div != oldDiv {
			p.bank.Write(pll.Ctrl, regs.Password|(oldCtrl&ctrlKeepMask)|uint32(div))
		}
		if fract != oldFract {
			p.bank.Write(pll.Frac, regs.Password|uint32(fract))
		}
		if div != oldDiv {
			if got := int(p.bank.Read(pll.Ctrl) & ndivMask); got == div {
				logger.Debug("   New int divider: %d", got)
			} else {
				logger.Warn("Failed to write int divider: wrote %d, read back %d", div, got)
			}
		}
		if fract != oldFract {
			if got := int(p.bank.Read(pll.Frac) & fracMax); got == fract {
				logger.Debug(" New fract divider: %d", got)
			} else {
				logger.Warn("Failed to write fract divider: wrote %d, read back %d", fract, got)
			}
		}
	}

	gotDiv, gotFract := p.Registers(pll)
	return Target{
		PLL:         pll.Name,
		Integer:     gotDiv,
		Fractional:  gotFract,
		FrequencyHz: p.Frequency(pll) * 1e6,
	}
}

// Dump выводит регистры PLL в debug-лог.
func (p *Programmer) Dump(pll PLL) {
	ctrl := p.bank.Read(pll.Ctrl)
	logger.Debug("%s: %f MHz PDIV=%d NDIV=%d CTRL=%08x FRAC=%d",
		pll.Name, p.Frequency(pll), (ctrl>>12)&0x7, ctrl&ndivMask, ctrl, p.bank.Read(pll.Frac)&fracMax)
}

// String для Target.
func (t Target) String() string {
	return fmt.Sprintf("%s NDIV=%d FRAC=%d (%.6f MHz)", t.PLL, t.Integer, t.Fractional, t.FrequencyHz/1e6)
}
