// Package align — калибровка точки выборки по захваченным кадрам: разности кадров
// по шести точкам выборки A..F, гистограмма ячейки символа и определение Electron.
package align

import (
	"math"

	"github.com/shiwa/rgb-sync/internal/capture"
	"github.com/shiwa/rgb-sync/internal/cpld"
	"github.com/shiwa/rgb-sync/internal/logger"
)

// NumOffsets — число точек выборки A..F.
const NumOffsets = 6

// NotApplicable — AnalyzeAlignment не нужен при текущем автопереключении.
const NotApplicable = -1

// Ширина ячейки символа в отсчётах.
const (
	DefaultCellWidth = 8
	Mode7CellWidth   = 12
)

// смещения битов пикселей 0..7 в слове 4bpp
var pxOffsetMap = [8]uint{4, 0, 12, 8, 20, 16, 28, 24}

// firstLine — строка захвата, соответствующая VOffset 0 (формат BBC).
const firstLine = 21

// Result — разности по точкам выборки за n пар кадров.
type Result struct {
	Sum [NumOffsets]int
	Min [NumOffsets]int
	Max [NumOffsets]int
}

// Total — сумма по всем точкам.
func (r Result) Total() int {
	t := 0
	for _, v := range r.Sum {
		t += v
	}
	return t
}

// Calibrator выполняет захваты через Grabber.
type Calibrator struct {
	grab capture.Grabber
	dev  cpld.Device

	Autoswitch cpld.Autoswitch
	Scanlines  bool
	// Geometry, если задан, обновляет параметры буфера перед сравнением кадров.
	Geometry func(info *capture.Info)

	last []uint32
}

// New создаёт Calibrator.
func New(grab capture.Grabber, dev cpld.Device) *Calibrator {
	return &Calibrator{grab: grab, dev: dev}
}

func (c *Calibrator) extraFlags(info *capture.Info, mode7 bool) uint32 {
	var extra uint32
	if c.dev != nil && c.dev.OldFirmwareSupport() {
		extra |= capture.FlagOldFirmwareSupport
	}
	if c.Autoswitch != cpld.AutoswitchMode7 {
		extra |= capture.FlagNoHScroll
	}
	if c.Autoswitch != cpld.AutoswitchPC {
		extra |= capture.FlagNoAutoswitch
	}
	if !c.Scanlines || !info.DoubleHeight() || mode7 {
		extra |= capture.FlagNoScanlines
	}
	return extra
}

func calibrateFlags(extra uint32) uint32 {
	return extra | capture.FlagCalibrate | 2<<capture.OffsetNBuffers
}

// cursorLine — строки, где может мигать курсор (подобраны по реальным источникам).
func cursorLine(line int, mode7, elk bool) bool {
	if mode7 {
		return line%10 == 7
	}
	if elk {
		return line%8 == 5 || line%10 == 3
	}
	return line%8 == 7 || (line%10 >= 5 && line%10 <= 7)
}

// Unpermute переводит порядок точек из захвата (A F C B E D) в A B C D E F.
func Unpermute(d [NumOffsets]int) [NumOffsets]int {
	out := d
	out[1], out[3], out[5] = d[3], d[5], d[1]
	return out
}

// DiffFrames захватывает n пар последовательных кадров и считает различающиеся
// пиксели по точкам выборки, пропуская строки курсора и биты OSD.
func (c *Calibrator) DiffFrames(info *capture.Info, n int, mode7, elk bool) Result {
	var r Result
	for j := range r.Min {
		r.Min[j] = math.MaxInt
		r.Max[j] = math.MinInt
	}

	flags := calibrateFlags(c.extraFlags(info, mode7))
	if mode7 {
		flags |= capture.FlagMode7
	} else if elk {
		flags |= capture.FlagElk
	}
	var pixMask, osdMask uint32 = 0x07, 0x77777777
	if info.BPP == 8 {
		pixMask, osdMask = 0x7f, 0x7f7f7f7f
	}
	bpp := uint(info.BPP)

	if c.Geometry != nil {
		c.Geometry(info)
	}
	info.NCapture = 1
	if mode7 {
		info.NCapture = 2
	}

	words := info.BufferWords()
	if cap(c.last) < words {
		c.last = make([]uint32, words)
	}
	last := c.last[:words]
	pw := info.Pitch >> 2
	start := info.VAdjust * pw

	ret := c.grab.Grab(info, flags)
	for i := 0; i < n; i++ {
		var diff [NumOffsets]int
		copy(last, info.Buffer(ret))
		ret = c.grab.Grab(info, flags)
		cur := info.Buffer(ret)

		for y := 0; y < info.ActiveLines(); y++ {
			row := start + y*pw
			if row+pw > len(cur) {
				break
			}
			line := y
			if info.DoubleHeight() {
				line = y >> 1
			}
			// рост VOffset поднимает изображение на строку захвата
			line += info.VOffset - firstLine
			if line >= 0 && cursorLine(line, mode7, elk) {
				continue
			}
			for x := 0; x < info.Pitch; x += 4 {
				d := (cur[row+x>>2] ^ last[row+x>>2]) & osdMask
				index := (x << 1) % NumOffsets
				for d != 0 {
					if d&pixMask != 0 {
						diff[index]++
					}
					d >>= bpp
					index = (index + 1) % NumOffsets
				}
			}
		}

		diff = Unpermute(diff)
		for j, v := range diff {
			r.Sum[j] += v
			if v < r.Min[j] {
				r.Min[j] = v
			}
			if v > r.Max[j] {
				r.Max[j] = v
			}
		}
	}
	for j := range r.Sum {
		logger.Debug("offset %d diff: sum = %d min = %d, max = %d", j, r.Sum[j], r.Min[j], r.Max[j])
	}
	return r
}

// DiffTotal — DiffFrames, свёрнутый по точкам выборки.
func (c *Calibrator) DiffTotal(info *capture.Info, n int, mode7, elk bool) int {
	return c.DiffFrames(info, n, mode7, elk).Total()
}

// AnalyzeAlignment строит гистограмму ненулевых пикселей по позиции в ячейке
// символа шириной width (8 или 12) и возвращает задержку width - минимум.
// Вне автопереключения mode 7 возвращает NotApplicable.
func (c *Calibrator) AnalyzeAlignment(info *capture.Info, width int) int {
	if c.Autoswitch != cpld.AutoswitchMode7 {
		return NotApplicable
	}
	mode7 := width == Mode7CellWidth
	if !mode7 {
		width = DefaultCellWidth
	}
	flags := calibrateFlags(c.extraFlags(info, mode7))
	info.NCapture = 1
	if mode7 {
		flags |= capture.FlagMode7
		info.NCapture = 2
	}
	ret := c.grab.Grab(info, flags)
	buf := info.Buffer(ret)

	counts := make([]int, width)
	pw := info.Pitch >> 2
	base := (info.VAdjust*info.Pitch + info.HAdjust) >> 2
	wide := !mode7 && info.BPP == 8
	for line := 0; line < info.ActiveLines(); line++ {
		p := base + line*pw
		index := 0
		for b := 0; b < info.CharsPerLine<<2; b += 4 {
			if wide {
				// 8bpp: ячейка в двух словах, по байту на пиксель
				for k := 0; k < 2 && p < len(buf); k++ {
					word := buf[p]
					p++
					for i := uint(0); i < 4; i++ {
						if (word>>(i*8))&0x7f != 0 {
							counts[index]++
						}
						index = (index + 1) % width
					}
				}
				continue
			}
			if p >= len(buf) {
				break
			}
			word := buf[p]
			p++
			for _, off := range pxOffsetMap {
				if (word>>off)&7 != 0 {
					counts[index]++
				}
				index = (index + 1) % width
			}
		}
	}
	for i, v := range counts {
		logger.Info("counter %2d = %d", i, v)
	}
	return MinimaDelay(counts, mode7)
}

// MinimaDelay находит минимум гистограммы (pair — по сумме с соседним справа,
// по кругу) и возвращает len(counts) - индекс. При равенстве берётся меньший индекс.
func MinimaDelay(counts []int, pair bool) int {
	w := len(counts)
	minCount, minI := math.MaxInt, -1
	for i := 0; i < w; i++ {
		v := counts[i]
		if pair {
			v += counts[(i+1)%w]
		}
		if v < minCount {
			minCount, minI = v, i
		}
	}
	logger.Info("minima at index: %d", minI)
	return w - minI
}

// DetectVariant сравнивает два соседних поля со сдвигом -2, 0, +2 строки.
// Ненулевой сдвиг минимума означает Electron. В mode 7 и при вырожденном
// захвате (один и тот же буфер, одинаковые поля, меньше 5 строк) возвращает elk без изменений.
func (c *Calibrator) DetectVariant(info *capture.Info, elk, mode7 bool) bool {
	if mode7 {
		return elk
	}
	flags := calibrateFlags(c.extraFlags(info, mode7))
	info.NCapture = 1

	ret1 := c.grab.Grab(info, flags)
	b1 := capture.LastBuffer(ret1)
	fb1 := info.Buffer(ret1)
	ret2 := c.grab.Grab(info, flags)
	fb2 := info.Buffer(ret2)
	if b1 == capture.LastBuffer(ret2) {
		logger.Warn("DetectVariant: both buffers the same")
		return elk
	}
	if equal(fb1, fb2) {
		logger.Warn("DetectVariant: both fields identical")
		return elk
	}

	pw := info.Pitch >> 2
	count := (info.Height - 4) * pw
	if count <= 0 {
		logger.Warn("DetectVariant: capture too small (%d lines)", info.Height)
		return elk
	}
	minDiff, minOffset := math.MaxInt, 0
	for offset := -2; offset <= 2; offset += 2 {
		p1 := fb1[2*pw:]
		p2 := fb2[(2+offset)*pw:]
		diff := 0
		for i := 0; i < count && i < len(p1) && i < len(p2); i++ {
			for d := p1[i] ^ p2[i]; d != 0; d >>= 4 {
				if d&0x0f != 0 {
					diff++
				}
			}
		}
		if diff < minDiff {
			minDiff, minOffset = diff, offset
		}
		logger.Debug("offset = %d, diff = %d", offset, diff)
	}
	logger.Debug("min offset = %d", minOffset)
	return minOffset != 0
}

func equal(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
