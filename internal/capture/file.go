package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/shiwa/rgb-sync/internal/logger"
)

// FileGrabber берёт кадры из файла кадрового буфера (обычно /dev/fb0),
// раскладывая их по буферам Info.FB по кругу.
type FileGrabber struct {
	mu   sync.Mutex
	f    io.ReaderAt
	c    io.Closer
	path string
	next int
	raw  []byte
}

// OpenFile открывает файл кадрового буфера.
func OpenFile(path string) (*FileGrabber, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture open %s: %w", path, err)
	}
	return &FileGrabber{f: f, c: f, path: path}, nil
}

// NewReaderGrabber — FileGrabber над произвольным ReaderAt.
func NewReaderGrabber(r io.ReaderAt) *FileGrabber {
	return &FileGrabber{f: r, path: "reader"}
}

func nbuffers(flags uint32) int {
	n := int(flags>>OffsetNBuffers) & 3
	if n == 0 {
		return 1
	}
	return n
}

// Grab читает кадр в следующий буфер. Ошибка чтения оставляет буфер как есть.
func (g *FileGrabber) Grab(info *Info, flags uint32) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := nbuffers(flags)
	words := info.BufferWords()
	if len(info.FB) < n*words {
		info.FB = append(info.FB, make([]uint32, n*words-len(info.FB))...)
	}
	idx := g.next % n
	g.next = idx + 1

	if cap(g.raw) < words*4 {
		g.raw = make([]byte, words*4)
	}
	raw := g.raw[:words*4]
	if _, err := g.f.ReadAt(raw, 0); err != nil && err != io.EOF {
		logger.Warn("capture %s: %v", g.path, err)
	} else {
		buf := info.FB[idx*words : (idx+1)*words]
		for i := range buf {
			buf[i] = binary.LittleEndian.Uint32(raw[i*4:])
		}
	}

	status := uint32(idx) << OffsetLastBuffer
	if flags&FlagMode7 != 0 {
		status |= RetMode7
	}
	return status
}

// Close закрывает файл.
func (g *FileGrabber) Close() error {
	if g.c == nil {
		return nil
	}
	return g.c.Close()
}
