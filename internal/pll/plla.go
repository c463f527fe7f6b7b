package pll

import "github.com/shiwa/rgb-sync/internal/regs"

// Регистры и биты для включения PER-канала PLLA (см. bcm2835_pll_divider_off/on).
const (
	cmPLLA     = 0x104
	pllaPer    = 0x1500
	pllaCore   = 0x1400
	channelOff = 1 << 8
	cmHoldPer  = 1 << 7
	cmLoadPer  = 1 << 6
	cmHoldCore = 1 << 5
	cmLoadCore = 1 << 4
	perDivMask = 0xff
)

// ConfigurePLLA включает делитель PLLA_PER с коэффициентом divider,
// чтобы PLLA можно было использовать как источник GPCLK. PLLA_CORE отключается.
func ConfigurePLLA(bank regs.Bank, divider int) {
	pw := regs.Password

	// выключить PER
	bank.Write(cmPLLA, pw|((bank.Read(cmPLLA)&^cmLoadPer)|cmHoldPer))
	bank.Write(pllaPer, pw|channelOff)

	// выключить CORE (проверка, что он не используется)
	bank.Write(cmPLLA, pw|((bank.Read(cmPLLA)&^cmLoadCore)|cmHoldCore))
	bank.Write(pllaCore, pw|channelOff)

	// загрузить делитель PER
	bank.Write(pllaPer, pw|uint32(divider&perDivMask))
	bank.Write(cmPLLA, pw|(bank.Read(cmPLLA)|cmLoadPer))
	bank.Write(cmPLLA, pw|(bank.Read(cmPLLA)&^cmLoadPer))

	// включить PER
	bank.Write(pllaPer, pw|(bank.Read(pllaPer)&^channelOff))
	bank.Write(cmPLLA, pw|(bank.Read(cmPLLA)&^cmHoldPer))
}
