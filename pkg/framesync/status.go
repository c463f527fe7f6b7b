package framesync

import (
	"fmt"
	"math"
	"strings"

	"github.com/shiwa/rgb-sync/internal/clockcal"
	"github.com/shiwa/rgb-sync/internal/cpld"
	"github.com/shiwa/rgb-sync/internal/genlock"
	"github.com/shiwa/rgb-sync/internal/timing"
)

// Status — сводка для оператора.
type Status struct {
	CPLD        string
	Sync        bool
	Elk         bool
	Autoswitch  cpld.Autoswitch
	SyncType    int
	Calibration clockcal.State
	Genlock     genlock.State
	Lock        genlock.Status
	// Violation — последний кадр вне окон, nil если таких нет.
	Violation *timing.Snapshot

	SourceVsyncHz  int
	DisplayVsyncHz int
}

// Status собирает сводку.
func (d *Daemon) Status() Status {
	st := Status{
		CPLD:        fmt.Sprintf("%s %s", d.hw.CPLD.Name(), cpld.VersionString(d.hw.CPLD.Version())),
		Sync:        d.sync,
		Elk:         d.elk,
		Autoswitch:  d.profile.Autoswitch,
		SyncType:    d.info.DetectedSyncType,
		Calibration: d.engine.State(),
		Genlock:     d.genlock.State(),
		Lock:        d.lock,
		Violation:   d.violation,
	}
	st.SourceVsyncHz = st.Genlock.SourceVsyncHz
	st.DisplayVsyncHz = st.Genlock.DisplayVsyncHz
	if st.SourceVsyncHz == 0 && st.Calibration.VsyncTimeNs > 0 {
		st.SourceVsyncHz = int(math.Round(2e9 / float64(st.Calibration.VsyncTimeNs)))
	}
	return st
}

func (s Status) String() string {
	var b strings.Builder
	c := s.Calibration
	fmt.Fprintf(&b, "CPLD: %s\n", s.CPLD)
	if !s.Sync {
		b.WriteString("No sync detected\n")
	}
	fmt.Fprintf(&b, "Clock error: %d PPM\n", c.ClockErrorPPM)
	fmt.Fprintf(&b, "Sample clock: %d Hz\n", c.AdjustedClockHz)
	fmt.Fprintf(&b, "Line duration: %d ns\n", c.OneLineTimeNs)
	scan := "non-interlaced"
	if c.Interlaced {
		scan = "interlaced"
	}
	fmt.Fprintf(&b, "Lines per frame: %d (%s)\n", c.LinesPerFrame, scan)
	if v := s.Violation; v != nil {
		fmt.Fprintf(&b, "Timing exceeds window: H = %d, V = %d, Lines = %d\n", v.LineNs, v.VsyncNs, v.TotalLines)
	}
	fmt.Fprintf(&b, "Sync type: %d\n", s.SyncType)
	fmt.Fprintf(&b, "Vsync: source %d Hz, display %d Hz\n", s.SourceVsyncHz, s.DisplayVsyncHz)
	g := s.Genlock
	if g.Limited && g.Mode != genlock.ModeOriginal {
		fmt.Fprintf(&b, "Genlock disabled: Src=%dHz, Disp=%dHz\n", s.SourceVsyncHz, s.DisplayVsyncHz)
	} else {
		fmt.Fprintf(&b, "Genlock: %s (mode %s, line %d, adjust %d, resync %d)\n",
			s.Lock, g.Mode, g.Line, g.Adjust, g.Resync)
	}
	if s.Elk {
		b.WriteString("Electron timing\n")
	}
	fmt.Fprintf(&b, "Autoswitch: %s\n", s.Autoswitch)
	if c.Fault != nil {
		fmt.Fprintf(&b, "Fault: %v\n", c.Fault)
	}
	return b.String()
}
