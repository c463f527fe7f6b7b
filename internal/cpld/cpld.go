// Package cpld — интерфейс возможностей CPLD захвата и разбор его идентификатора.
package cpld

import (
	"fmt"
	"strings"

	"github.com/shiwa/rgb-sync/internal/capture"
)

// Поля 12-битного идентификатора CPLD.
const (
	VersionMinorBit  = 0
	VersionMajorBit  = 4
	VersionDesignBit = 8
)

// Design — схемотехника платы CPLD.
type Design int

const (
	DesignBBC       Design = 0
	DesignRGBTTL    Design = 2
	DesignRGBAnalog Design = 3
	DesignAtom      Design = 4
	DesignYUV       Design = 6
	DesignUnknown   Design = 0xf
)

func (d Design) String() string {
	switch d {
	case DesignBBC:
		return "BBC"
	case DesignRGBTTL:
		return "RGB_TTL"
	case DesignRGBAnalog:
		return "RGB_Analog"
	case DesignAtom:
		return "Atom"
	case DesignYUV:
		return "YUV"
	default:
		return "Null"
	}
}

// DesignOf извлекает Design из идентификатора.
func DesignOf(id int) Design {
	switch d := Design((id >> VersionDesignBit) & 0x0f); d {
	case DesignBBC, DesignRGBTTL, DesignRGBAnalog, DesignAtom, DesignYUV:
		return d
	default:
		return DesignUnknown
	}
}

// VersionString — "major.minor" из идентификатора.
func VersionString(id int) string {
	return fmt.Sprintf("%x.%x", (id>>VersionMajorBit)&0x0f, (id>>VersionMinorBit)&0x0f)
}

// Device — возможности CPLD, нужные калибровке.
type Device interface {
	Name() string
	// Divider — отношение такта выборки к пиксельному такту источника.
	Divider() int
	// Analyse определяет тип синхро; syncHint — предыдущий результат.
	Analyse(syncHint int) int
	// Calibrate подбирает точки выборки по захватам кадров.
	Calibrate(info *capture.Info, elk bool)
	SetMode(mode7 bool)
	UpdateCaptureInfo(info *capture.Info)
	Version() int
	OldFirmwareSupport() bool
}

// Autoswitch — режим автопереключения профиля.
type Autoswitch int

const (
	AutoswitchOff   Autoswitch = 0
	AutoswitchPC    Autoswitch = 1
	AutoswitchMode7 Autoswitch = 2
)

// ResolveAutoswitch применяет запрошенный режим с учётом платы: Atom и YUV не
// умеют захват mode 7, поэтому запрос mode 7 на них переключает бит PC.
func ResolveAutoswitch(dev Device, current, requested Autoswitch) Autoswitch {
	if requested == AutoswitchMode7 {
		if d := DesignOf(dev.Version()); d == DesignAtom || d == DesignYUV {
			return current ^ AutoswitchPC
		}
	}
	return requested
}

func (a Autoswitch) String() string {
	switch a {
	case AutoswitchOff:
		return "Off"
	case AutoswitchPC:
		return "PC"
	case AutoswitchMode7:
		return "Mode7"
	}
	return fmt.Sprintf("Autoswitch(%d)", int(a))
}

// ParseAutoswitch разбирает off, pc, mode7 (регистр не важен).
func ParseAutoswitch(s string) (Autoswitch, error) {
	switch strings.ToLower(s) {
	case "", "off":
		return AutoswitchOff, nil
	case "pc":
		return AutoswitchPC, nil
	case "mode7":
		return AutoswitchMode7, nil
	}
	return AutoswitchOff, fmt.Errorf("unknown autoswitch: %s", s)
}
