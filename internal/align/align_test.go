package align

import (
	"testing"

	"github.com/shiwa/rgb-sync/internal/capture"
	"github.com/shiwa/rgb-sync/internal/cpld"
)

// fakeGrabber кладёт очередной кадр в следующий буфер (или всегда в нулевой).
type fakeGrabber struct {
	frames     [][]uint32
	next       int
	buf        int
	sameBuffer bool
	flags      []uint32
}

func (g *fakeGrabber) Grab(info *capture.Info, flags uint32) uint32 {
	g.flags = append(g.flags, flags)
	f := g.frames[g.next%len(g.frames)]
	g.next++
	if !g.sameBuffer {
		g.buf = (g.buf + 1) % 2
	}
	copy(info.FB[g.buf*info.BufferWords():], f)
	return uint32(g.buf) << capture.OffsetLastBuffer
}

func newInfo(pitch, height, nlines int) *capture.Info {
	return &capture.Info{
		Pitch:  pitch,
		Height: height,
		NLines: nlines,
		BPP:    4,
		// VOffset 21 — строка буфера 0 соответствует строке 0
		VOffset: 21,
		FB:      make([]uint32, 3*height*pitch/4),
	}
}

func TestUnpermute(t *testing.T) {
	// a f c b e d → a b c d e f
	got := Unpermute([NumOffsets]int{1, 6, 3, 2, 5, 4})
	if got != [NumOffsets]int{1, 2, 3, 4, 5, 6} {
		t.Errorf("Unpermute = %v", got)
	}
}

func TestDiffFrames(t *testing.T) {
	info := newInfo(8, 4, 4)
	a := make([]uint32, 8)
	b := make([]uint32, 8)
	b[0] = 0x00000001 // x=0, пиксель 0 → индекс 0 (A)
	b[1] = 0x00000010 // x=4, пиксель 1 → индекс 3 (B после перестановки)
	b[2] = 0x00000008 // бит OSD — не считается
	g := &fakeGrabber{frames: [][]uint32{a, b, a}}
	c := New(g, cpld.NewNull(0, 6))

	r := c.DiffFrames(info, 2, false, true)
	want := [NumOffsets]int{2, 2, 0, 0, 0, 0}
	if r.Sum != want {
		t.Errorf("Sum = %v, want %v", r.Sum, want)
	}
	if r.Min[0] != 1 || r.Max[1] != 1 || r.Min[2] != 0 {
		t.Errorf("Min = %v Max = %v", r.Min, r.Max)
	}
	if r.Total() != 4 || c.DiffTotal(info, 1, false, true) != 2 {
		t.Errorf("Total = %d", r.Total())
	}
	if info.NCapture != 1 {
		t.Errorf("NCapture = %d, want 1", info.NCapture)
	}
	if g.flags[0]&capture.FlagElk == 0 || g.flags[0]&capture.FlagCalibrate == 0 {
		t.Errorf("flags = %#x", g.flags[0])
	}
}

func TestDiffFrames_SkipsCursorLines(t *testing.T) {
	info := newInfo(8, 4, 4)
	// строка буфера 0 → строка захвата 7: курсор в режимах 0..6
	info.VOffset = 28
	a := make([]uint32, 8)
	b := make([]uint32, 8)
	b[0] = 0x00000001
	g := &fakeGrabber{frames: [][]uint32{a, b}}
	c := New(g, cpld.NewNull(0, 6))
	if got := c.DiffTotal(info, 1, false, false); got != 0 {
		t.Errorf("строка курсора посчитана: %d", got)
	}
	// в варианте Electron строка 7 не курсорная
	g.next = 0
	if got := c.DiffTotal(info, 1, false, true); got != 1 {
		t.Errorf("elk: %d, want 1", got)
	}
}

func TestDiffFrames_Mode7(t *testing.T) {
	info := newInfo(8, 4, 4)
	a := make([]uint32, 8)
	g := &fakeGrabber{frames: [][]uint32{a}}
	c := New(g, cpld.NewNull(0, 6))
	c.DiffFrames(info, 1, true, true)
	if info.NCapture != 2 {
		t.Errorf("NCapture = %d, want 2", info.NCapture)
	}
	if g.flags[0]&capture.FlagMode7 == 0 || g.flags[0]&capture.FlagElk != 0 {
		t.Errorf("flags = %#x", g.flags[0])
	}
}

func TestMinimaDelay_TieLowestIndex(t *testing.T) {
	if got := MinimaDelay([]int{5, 5, 9, 9, 9, 9, 9, 9}, false); got != 8 {
		t.Errorf("MinimaDelay = %d, want 8", got)
	}
	// парная сумма по кругу: counts[11]+counts[0] меньше остальных
	counts := []int{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 0}
	counts[0] = 2
	if got := MinimaDelay(counts, true); got != 1 {
		t.Errorf("MinimaDelay(pair) = %d, want 1", got)
	}
}

func TestAnalyzeAlignment(t *testing.T) {
	t.Run("не mode 7", func(t *testing.T) {
		c := New(&fakeGrabber{}, cpld.NewNull(0, 6))
		if got := c.AnalyzeAlignment(newInfo(4, 2, 2), 8); got != NotApplicable {
			t.Errorf("got %d, want NotApplicable", got)
		}
	})

	t.Run("8 бит 4bpp", func(t *testing.T) {
		info := newInfo(4, 2, 1)
		info.CharsPerLine = 1
		frame := []uint32{0x11111011, 0}
		c := New(&fakeGrabber{frames: [][]uint32{frame}}, cpld.NewNull(0, 6))
		c.Autoswitch = cpld.AutoswitchMode7
		if got := c.AnalyzeAlignment(info, DefaultCellWidth); got != 5 {
			t.Errorf("delay = %d, want 5", got)
		}
	})

	t.Run("8 бит 8bpp", func(t *testing.T) {
		info := newInfo(8, 2, 1)
		info.BPP = 8
		info.CharsPerLine = 1
		frame := []uint32{0x01010101, 0x01000101, 0, 0}
		c := New(&fakeGrabber{frames: [][]uint32{frame}}, cpld.NewNull(0, 6))
		c.Autoswitch = cpld.AutoswitchMode7
		if got := c.AnalyzeAlignment(info, DefaultCellWidth); got != 2 {
			t.Errorf("delay = %d, want 2", got)
		}
	})

	t.Run("mode 7", func(t *testing.T) {
		info := newInfo(12, 2, 1)
		info.CharsPerLine = 3
		// нули в позициях 8, 9 обеих ячеек
		frame := []uint32{0x11111111, 0x11111100, 0x11001111, 0, 0, 0}
		g := &fakeGrabber{frames: [][]uint32{frame}}
		c := New(g, cpld.NewNull(0, 6))
		c.Autoswitch = cpld.AutoswitchMode7
		if got := c.AnalyzeAlignment(info, Mode7CellWidth); got != 4 {
			t.Errorf("delay = %d, want 4", got)
		}
		if info.NCapture != 2 || g.flags[0]&capture.FlagMode7 == 0 {
			t.Errorf("NCapture = %d flags = %#x", info.NCapture, g.flags[0])
		}
	})
}

func shiftedFields(height int) (f1, f2 []uint32) {
	f1 = make([]uint32, height)
	f2 = make([]uint32, height)
	for k := range f1 {
		f1[k] = 0x11111111 * uint32(k+1)
	}
	for k := 2; k < height; k++ {
		f2[k] = f1[k-2]
	}
	return f1, f2
}

func TestDetectVariant(t *testing.T) {
	f1, f2 := shiftedFields(8)

	t.Run("сдвиг на две строки", func(t *testing.T) {
		c := New(&fakeGrabber{frames: [][]uint32{f1, f2}}, cpld.NewNull(0, 6))
		if !c.DetectVariant(newInfo(4, 8, 8), false, false) {
			t.Error("ожидали Electron")
		}
	})

	t.Run("без сдвига", func(t *testing.T) {
		f3 := append([]uint32(nil), f1...)
		f3[7] ^= 1
		c := New(&fakeGrabber{frames: [][]uint32{f1, f3}}, cpld.NewNull(0, 6))
		if c.DetectVariant(newInfo(4, 8, 8), true, false) {
			t.Error("ожидали стандартный вариант")
		}
	})

	t.Run("одинаковые поля", func(t *testing.T) {
		c := New(&fakeGrabber{frames: [][]uint32{f1}}, cpld.NewNull(0, 6))
		if !c.DetectVariant(newInfo(4, 8, 8), true, false) {
			t.Error("вырожденный захват должен вернуть вход")
		}
	})

	t.Run("один буфер", func(t *testing.T) {
		c := New(&fakeGrabber{frames: [][]uint32{f1, f2}, sameBuffer: true}, cpld.NewNull(0, 6))
		if c.DetectVariant(newInfo(4, 8, 8), false, false) {
			t.Error("тот же буфер должен вернуть вход")
		}
	})

	t.Run("мало строк", func(t *testing.T) {
		s1, s2 := shiftedFields(2)
		c := New(&fakeGrabber{frames: [][]uint32{s1, s2}}, cpld.NewNull(0, 6))
		if !c.DetectVariant(newInfo(4, 2, 2), true, false) {
			t.Error("короткий захват должен вернуть вход")
		}
	})

	t.Run("mode 7", func(t *testing.T) {
		g := &fakeGrabber{frames: [][]uint32{f1, f2}}
		c := New(g, cpld.NewNull(0, 6))
		if !c.DetectVariant(newInfo(4, 8, 8), true, true) || len(g.flags) != 0 {
			t.Error("в mode 7 захвата быть не должно")
		}
	})
}
