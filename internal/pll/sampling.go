package pll

import (
	"fmt"
	"strings"
)

// Sampling — PLL, от которой через GPCLK1 берётся такт выборки CPLD.
type Sampling struct {
	PLL PLL
	// Source — номер источника GPCLK (4 = PLLA_PER, 5 = PLLC_PER, 6 = PLLD_PER).
	Source int
	// DefaultDivisor даёт ~100 МГц на старте.
	DefaultDivisor int
	// Scale — делитель PER-канала между VCO и GPCLK.
	Scale int
	MinHz int
	MaxHz int
	// SysClkDivider — отношение PLLC к core clock (3 или 4 в зависимости от модели Pi).
	SysClkDivider int
}

// SamplingFor возвращает параметры по имени PLL: plla, pllc, plld.
func SamplingFor(name string, sysClkDivider int) (Sampling, error) {
	if sysClkDivider <= 0 {
		sysClkDivider = 3
	}
	switch strings.ToLower(name) {
	case "", "plla":
		// power-on default = off; PLLA_PER = 400..600 МГц
		return Sampling{PLL: PLLA, Source: 4, DefaultDivisor: 6, Scale: 2,
			MinHz: 800000000, MaxHz: 1200000000, SysClkDivider: sysClkDivider}, nil
	case "pllc":
		// power-on default = 1200 МГц, core clock
		return Sampling{PLL: PLLC, Source: 5, DefaultDivisor: 12, Scale: 1,
			MinHz: 900000000, MaxHz: 1200000000, SysClkDivider: sysClkDivider}, nil
	case "plld":
		// power-on default = 500 МГц; может тактировать SDRAM
		return Sampling{PLL: PLLD, Source: 6, DefaultDivisor: 5, Scale: 2,
			MinHz: 800000000, MaxHz: 1200000000, SysClkDivider: sysClkDivider}, nil
	default:
		return Sampling{}, fmt.Errorf("unknown sampling pll: %s", name)
	}
}
