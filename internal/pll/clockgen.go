package pll

import (
	"errors"
	"fmt"

	"github.com/shiwa/rgb-sync/internal/logger"
	"github.com/shiwa/rgb-sync/internal/regs"
)

// ErrClockBusyTimeout — бит BUSY генератора тактов не пришёл в ожидаемое состояние
// за отведённое число опросов.
var ErrClockBusyTimeout = errors.New("pll: clock generator busy timeout")

// DefaultMaxPolls — бюджет опросов BUSY по умолчанию.
const DefaultMaxPolls = 1_000_000

// Биты CM_GPxCTL.
const (
	ClockEnable = 1 << 4
	ClockBusy   = 1 << 7
)

// Регистры генератора GPCLK1 (смещения от базы clock manager).
const (
	GP1Ctl = 0x78
	GP1Div = 0x7c
)

// ClockGen — генератор тактов общего назначения (GPCLKx), тактирует CPLD.
type ClockGen struct {
	bank     regs.Bank
	ctl, div uint32
	// MaxPolls ограничивает ожидание BUSY; 0 — DefaultMaxPolls.
	MaxPolls int
}

// NewGPCLK1 создаёт генератор GPCLK1.
func NewGPCLK1(bank regs.Bank) *ClockGen {
	return &ClockGen{bank: bank, ctl: GP1Ctl, div: GP1Div}
}

// Init перенастраивает генератор: стоп → ожидание !BUSY → источник и делитель →
// старт → ожидание BUSY. Ожидания ограничены MaxPolls; при исчерпании
// возвращается ErrClockBusyTimeout, генератор остаётся в том состоянии, в котором застрял.
func (g *ClockGen) Init(source, divisor int) error {
	logger.Debug("A GP_CLK1_DIV = %08x", g.bank.Read(g.div))
	logger.Debug("B GP_CLK1_CTL = %08x", g.bank.Read(g.ctl))

	// стоп с сохранением текущего источника
	g.bank.Write(g.ctl, regs.Password|(g.bank.Read(g.ctl)&^ClockEnable))
	if err := g.wait(false); err != nil {
		return fmt.Errorf("stop: %w", err)
	}

	g.bank.Write(g.ctl, regs.Password|uint32(source))
	g.bank.Write(g.div, regs.Password|uint32(divisor)<<12)

	g.bank.Write(g.ctl, regs.Password|uint32(source)|ClockEnable)
	if err := g.wait(true); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	logger.Debug("H GP_CLK1_DIV = %08x", g.bank.Read(g.div))
	return nil
}

func (g *ClockGen) wait(busy bool) error {
	polls := g.MaxPolls
	if polls <= 0 {
		polls = DefaultMaxPolls
	}
	for i := 0; i < polls; i++ {
		if (g.bank.Read(g.ctl)&ClockBusy != 0) == busy {
			return nil
		}
	}
	return fmt.Errorf("%w: want busy=%v, CTL=%08x", ErrClockBusyTimeout, busy, g.bank.Read(g.ctl))
}
