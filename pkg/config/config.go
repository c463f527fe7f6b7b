// Package config — конфигурация rgb-sync (YAML).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shiwa/rgb-sync/internal/cpld"
	"github.com/shiwa/rgb-sync/internal/genlock"
	"github.com/shiwa/rgb-sync/internal/pll"
)

// Config — конфигурация демона.
type Config struct {
	Clock    ClockConfig    `yaml:"clock"`
	Sampling SamplingConfig `yaml:"sampling"`
	Profile  ProfileConfig  `yaml:"profile"`
	Capture  CaptureConfig  `yaml:"capture"`
	Genlock  GenlockConfig  `yaml:"genlock"`
	Hardware HardwareConfig `yaml:"hardware"`
	Console  ConsoleConfig  `yaml:"console"`
}

// ClockConfig — номинальная развёртка источника.
type ClockConfig struct {
	ClockHz      int `yaml:"clock_hz"`
	LineLength   int `yaml:"line_length"`
	TolerancePPM int `yaml:"tolerance_ppm"`
}

// SamplingConfig — PLL такта выборки.
type SamplingConfig struct {
	PLL           string `yaml:"pll"` // plla, pllc, plld
	SysClkDivider int    `yaml:"sys_clk_divider"`
	PLLADivider   int    `yaml:"plla_divider"`
	NLines        int    `yaml:"nlines"`
	BusyPolls     int    `yaml:"busy_polls"`
}

// ProfileConfig — профиль источника и плата CPLD.
type ProfileConfig struct {
	SubProfiles bool   `yaml:"sub_profiles"`
	Autoswitch  string `yaml:"autoswitch"` // off, pc, mode7
	Mode7       bool   `yaml:"mode7"`
	Elk         bool   `yaml:"elk"`
	Scanlines   bool   `yaml:"scanlines"`
	// CPLDVersion — 12-битный идентификатор (дизайн, major, minor).
	CPLDVersion int `yaml:"cpld_version"`
	CPLDDivider int `yaml:"cpld_divider"`
}

// CaptureConfig — геометрия буфера кадра и активной области.
type CaptureConfig struct {
	// Device — файл кадрового буфера для калибровки выравнивания; пусто — не захватывать.
	Device       string `yaml:"device"`
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	BPP          int    `yaml:"bpp"`
	CharsPerLine int    `yaml:"chars_per_line"`
	NLines       int    `yaml:"nlines"`
	HOffset      int    `yaml:"h_offset"`
	VOffset      int    `yaml:"v_offset"`
	SizeX2       int    `yaml:"sizex2"`
}

// GenlockConfig — регулятор genlock.
type GenlockConfig struct {
	Mode   string `yaml:"mode"`
	Line   int    `yaml:"line"`
	Speed  string `yaml:"speed"`
	Policy string `yaml:"policy"`
	// Table — кривая усиления и пределы; nil — genlock.DefaultTable.
	Table *genlock.Table `yaml:"table"`
	// Interval — опрос без сигнала кадров (dry-run), например "20ms".
	Interval string `yaml:"interval"`
}

// HardwareConfig — доступ к периферии.
type HardwareConfig struct {
	// DryRun — регистры в памяти и синтетический источник развёртки.
	DryRun         bool   `yaml:"dry_run"`
	MemDevice      string `yaml:"mem_device"`
	PeripheralBase uint64 `yaml:"peripheral_base"`
	HsyncPin       string `yaml:"hsync_pin"`
	VsyncPin       string `yaml:"vsync_pin"`
	DisplayPin     string `yaml:"display_vsync_pin"`
}

// ConsoleConfig — последовательная и SSH-консоли.
type ConsoleConfig struct {
	Serial SerialConfig `yaml:"serial"`
	SSH    SSHConfig    `yaml:"ssh"`
}

// SerialConfig — mini-UART, скорость которого зависит от core clock.
type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
	// RefClockHz — частота ядра, от которой драйвер считает делитель.
	RefClockHz int `yaml:"ref_clock_hz"`
}

// SSHConfig — операторская консоль по SSH.
type SSHConfig struct {
	Listen   string `yaml:"listen"` // пусто — выключена
	HostKey  string `yaml:"host_key"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Default возвращает конфиг по умолчанию: BBC Micro, 16 МГц, PLLA.
func Default() *Config {
	return &Config{
		Clock: ClockConfig{
			ClockHz:      16000000,
			LineLength:   1024,
			TolerancePPM: 5000,
		},
		Sampling: SamplingConfig{
			PLL:           "plla",
			SysClkDivider: 3,
			PLLADivider:   4,
			NLines:        100,
			BusyPolls:     pll.DefaultMaxPolls,
		},
		Profile: ProfileConfig{
			Autoswitch:  "off",
			CPLDDivider: 6,
		},
		Capture: CaptureConfig{
			Width:        672,
			Height:       540,
			BPP:          4,
			CharsPerLine: 84,
			NLines:       270,
			SizeX2:       1,
		},
		Genlock: GenlockConfig{
			Mode:     "original",
			Line:     5,
			Speed:    "fast",
			Policy:   "narrow",
			Interval: "20ms",
		},
		Hardware: HardwareConfig{
			MemDevice:      "/dev/mem",
			PeripheralBase: 0x3f000000,
			HsyncPin:       "GPIO23",
			VsyncPin:       "GPIO22",
			DisplayPin:     "GPIO27",
		},
		Console: ConsoleConfig{
			Serial: SerialConfig{Baud: 115200, RefClockHz: 400000000},
			SSH:    SSHConfig{HostKey: "rgb-sync_host_key", User: "rgb"},
		},
	}
}

// Load читает конфиг из YAML и дополняет значениями по умолчанию.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Clock.ClockHz == 0 {
		c.Clock.ClockHz = d.Clock.ClockHz
	}
	if c.Clock.LineLength == 0 {
		c.Clock.LineLength = d.Clock.LineLength
	}
	if c.Sampling.PLL == "" {
		c.Sampling.PLL = d.Sampling.PLL
	}
	if c.Sampling.SysClkDivider == 0 {
		c.Sampling.SysClkDivider = d.Sampling.SysClkDivider
	}
	if c.Sampling.PLLADivider == 0 {
		c.Sampling.PLLADivider = d.Sampling.PLLADivider
	}
	if c.Sampling.NLines == 0 {
		c.Sampling.NLines = d.Sampling.NLines
	}
	if c.Sampling.BusyPolls == 0 {
		c.Sampling.BusyPolls = d.Sampling.BusyPolls
	}
	if c.Profile.Autoswitch == "" {
		c.Profile.Autoswitch = d.Profile.Autoswitch
	}
	if c.Profile.CPLDDivider == 0 {
		c.Profile.CPLDDivider = d.Profile.CPLDDivider
	}
	if c.Capture.Width == 0 && c.Capture.Height == 0 {
		dev := c.Capture.Device
		c.Capture = d.Capture
		c.Capture.Device = dev
	}
	if c.Capture.BPP == 0 {
		c.Capture.BPP = d.Capture.BPP
	}
	if c.Genlock.Mode == "" {
		c.Genlock.Mode = d.Genlock.Mode
	}
	if c.Genlock.Speed == "" {
		c.Genlock.Speed = d.Genlock.Speed
	}
	if c.Genlock.Policy == "" {
		c.Genlock.Policy = d.Genlock.Policy
	}
	if c.Genlock.Interval == "" {
		c.Genlock.Interval = d.Genlock.Interval
	}
	if c.Hardware.MemDevice == "" {
		c.Hardware.MemDevice = d.Hardware.MemDevice
	}
	if c.Hardware.PeripheralBase == 0 {
		c.Hardware.PeripheralBase = d.Hardware.PeripheralBase
	}
	if c.Hardware.HsyncPin == "" {
		c.Hardware.HsyncPin = d.Hardware.HsyncPin
	}
	if c.Hardware.VsyncPin == "" {
		c.Hardware.VsyncPin = d.Hardware.VsyncPin
	}
	if c.Hardware.DisplayPin == "" {
		c.Hardware.DisplayPin = d.Hardware.DisplayPin
	}
	if c.Console.Serial.Baud == 0 {
		c.Console.Serial.Baud = d.Console.Serial.Baud
	}
	if c.Console.Serial.RefClockHz == 0 {
		c.Console.Serial.RefClockHz = d.Console.Serial.RefClockHz
	}
	if c.Console.SSH.HostKey == "" {
		c.Console.SSH.HostKey = d.Console.SSH.HostKey
	}
}

// Validate проверяет значения, которые иначе всплыли бы только в управляющем цикле.
func (c *Config) Validate() error {
	var errs []error
	if c.Clock.ClockHz <= 0 || c.Clock.LineLength <= 0 {
		errs = append(errs, fmt.Errorf("clock: clock_hz %d, line_length %d must be positive",
			c.Clock.ClockHz, c.Clock.LineLength))
	}
	if c.Clock.TolerancePPM < 0 {
		errs = append(errs, fmt.Errorf("clock: tolerance_ppm %d < 0", c.Clock.TolerancePPM))
	}
	if _, err := pll.SamplingFor(c.Sampling.PLL, c.Sampling.SysClkDivider); err != nil {
		errs = append(errs, fmt.Errorf("sampling: %w", err))
	}
	if _, err := cpld.ParseAutoswitch(c.Profile.Autoswitch); err != nil {
		errs = append(errs, fmt.Errorf("profile: %w", err))
	}
	if c.Profile.CPLDDivider < 1 {
		errs = append(errs, fmt.Errorf("profile: cpld_divider %d < 1", c.Profile.CPLDDivider))
	}
	if c.Capture.BPP != 4 && c.Capture.BPP != 8 {
		errs = append(errs, fmt.Errorf("capture: bpp %d not 4 or 8", c.Capture.BPP))
	}
	if _, err := genlock.ParseMode(c.Genlock.Mode); err != nil {
		errs = append(errs, fmt.Errorf("genlock: %w", err))
	}
	if _, err := genlock.ParseSpeed(c.Genlock.Speed); err != nil {
		errs = append(errs, fmt.Errorf("genlock: %w", err))
	}
	if _, err := genlock.ParsePolicy(c.Genlock.Policy); err != nil {
		errs = append(errs, fmt.Errorf("genlock: %w", err))
	}
	if c.Genlock.Table != nil {
		if err := c.Genlock.Table.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TableOrDefault возвращает таблицу регулятора из конфига или по умолчанию.
func (g GenlockConfig) TableOrDefault() genlock.Table {
	if g.Table != nil {
		return *g.Table
	}
	return genlock.DefaultTable()
}

// ParseInterval разбирает длительность; пусто или ошибка — 20 мс.
func ParseInterval(s string) time.Duration {
	const def = 20 * time.Millisecond
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
