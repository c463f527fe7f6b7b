// Package hdmi — параметры развёртки HDMI: тоталы pixel valve 2 и делитель PLLH_PIX.
package hdmi

import (
	"github.com/shiwa/rgb-sync/internal/logger"
	"github.com/shiwa/rgb-sync/internal/regs"
)

// Регистры PIXELVALVE2 (смещения от базы pixel valve).
const (
	HorzA = 0x0c
	HorzB = 0x10
	VertA = 0x14
	VertB = 0x18
)

// PLLHPix — регистр дополнительного делителя пиксельного такта (от базы clock manager).
const PLLHPix = 0x1560

// Display читает развёртку дисплея из pixel valve и clock manager.
type Display struct {
	pv regs.Bank
	cm regs.Bank
}

// NewDisplay создаёт Display над блоками pixel valve и clock manager.
func NewDisplay(pv, cm regs.Bank) *Display {
	return &Display{pv: pv, cm: cm}
}

// Totals возвращает полную ширину и высоту кадра в пикселях/строках.
// Каждый из A/B содержит два 16-битных поля: A = back porch | sync, B = front porch | active.
func (d *Display) Totals() (htotal, vtotal int) {
	h := d.pv.Read(HorzA) + d.pv.Read(HorzB)
	v := d.pv.Read(VertA) + d.pv.Read(VertB)
	htotal = int((h + h>>16) & 0xffff)
	vtotal = int((v + v>>16) & 0xffff)
	logger.Debug(" PIXELVALVE2: HORZA=%08x HORZB=%08x VERTA=%08x VERTB=%08x",
		d.pv.Read(HorzA), d.pv.Read(HorzB), d.pv.Read(VertA), d.pv.Read(VertB))
	return htotal, vtotal
}

// PixelDivider — дополнительный делитель PLLH для низких пиксельных тактов (не меньше 1).
func (d *Display) PixelDivider() int {
	div := int(d.cm.Read(PLLHPix) & 0xff)
	if div == 0 {
		return 1
	}
	return div
}
