package genlock

import (
	"fmt"
	"strings"
)

// Mode — режим подстройки пиксельного такта HDMI.
type Mode int

const (
	// ModeOriginal не трогает PLLH.
	ModeOriginal Mode = iota
	// ModeExact — замкнутое слежение за строкой vsync.
	ModeExact
	ModeSlow2000
	ModeSlow1000
	ModeFast1000
	ModeFast2000

	modeNone Mode = -1
)

var modeNames = map[Mode]string{
	ModeOriginal: "original",
	ModeExact:    "exact",
	ModeSlow2000: "slow2000",
	ModeSlow1000: "slow1000",
	ModeFast1000: "fast1000",
	ModeFast2000: "fast2000",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// bias — фиксированный шаг для режимов со смещением.
func (m Mode) bias() int {
	switch m {
	case ModeSlow2000:
		return 6
	case ModeSlow1000:
		return 3
	case ModeFast1000:
		return -3
	case ModeFast2000:
		return -6
	}
	return 0
}

// ParseMode разбирает имя режима или его номер.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, n := range modeNames {
		if n == s || fmt.Sprint(int(m)) == s {
			return m, nil
		}
	}
	return modeNone, fmt.Errorf("unknown genlock mode: %q", s)
}

// Speed — скорость захвата: fast, medium, slow.
type Speed int

const (
	SpeedSlow Speed = iota
	SpeedMedium
	SpeedFast
)

func (s Speed) String() string {
	switch s {
	case SpeedSlow:
		return "slow"
	case SpeedMedium:
		return "medium"
	case SpeedFast:
		return "fast"
	}
	return fmt.Sprintf("speed(%d)", int(s))
}

// ParseSpeed разбирает имя скорости.
func ParseSpeed(s string) (Speed, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "slow", "0":
		return SpeedSlow, nil
	case "medium", "1":
		return SpeedMedium, nil
	case "fast", "2":
		return SpeedFast, nil
	}
	return SpeedFast, fmt.Errorf("unknown genlock speed: %q", s)
}

// Policy — ограничение диапазона подстройки.
type Policy int

const (
	// PolicyNarrow запрещает подстройку при ошибке больше 50000 ppm.
	PolicyNarrow Policy = iota
	PolicyFull
	// Policy260MHz поднимает верхнюю границу пиксельного такта.
	Policy260MHz
)

func (p Policy) String() string {
	switch p {
	case PolicyNarrow:
		return "narrow"
	case PolicyFull:
		return "full"
	case Policy260MHz:
		return "260mhz"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy разбирает имя политики.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "narrow", "0":
		return PolicyNarrow, nil
	case "full", "1":
		return PolicyFull, nil
	case "260mhz", "2":
		return Policy260MHz, nil
	}
	return PolicyNarrow, fmt.Errorf("unknown genlock policy: %q", s)
}

// Status — результат Step.
type Status int

const (
	StatusDisabled Status = iota
	StatusUnlocked
	StatusLocked
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusUnlocked:
		return "unlocked"
	case StatusLocked:
		return "locked"
	}
	return fmt.Sprintf("status(%d)", int(s))
}
