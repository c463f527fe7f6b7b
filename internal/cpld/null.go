package cpld

import (
	"github.com/shiwa/rgb-sync/internal/capture"
	"github.com/shiwa/rgb-sync/internal/logger"
)

// Null — CPLD без регистров точек выборки: запасной драйвер для неизвестной
// платы и для работы без железа. Вызовы Analyse и Calibrate считаются.
type Null struct {
	ID  int
	Div int

	Mode7        bool
	Analyses     int
	Calibrations int
	LastElk      bool
}

// NewNull создаёт Null с делителем div (минимум 1).
func NewNull(id, div int) *Null {
	if div < 1 {
		div = 1
	}
	return &Null{ID: id, Div: div}
}

func (n *Null) Name() string {
	return DesignOf(n.ID).String()
}

func (n *Null) Divider() int { return n.Div }

func (n *Null) Analyse(syncHint int) int {
	n.Analyses++
	return syncHint
}

func (n *Null) Calibrate(info *capture.Info, elk bool) {
	n.Calibrations++
	n.LastElk = elk
	logger.Debug("cpld %s: calibrate (elk=%v)", n.Name(), elk)
}

func (n *Null) SetMode(mode7 bool) { n.Mode7 = mode7 }

func (n *Null) UpdateCaptureInfo(info *capture.Info) {}

func (n *Null) Version() int { return n.ID }

func (n *Null) OldFirmwareSupport() bool { return false }
