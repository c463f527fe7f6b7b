//go:build linux

package regs

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapped — блок регистров, отображённый из /dev/mem (или /dev/gpiomem). Требует root.
type Mapped struct {
	mem  []byte
	base uint64
}

// Map отображает size байт физической памяти начиная с base (base выровнен на страницу).
func Map(device string, base uint64, size int) (*Mapped, error) {
	if device == "" {
		device = "/dev/mem"
	}
	f, err := os.OpenFile(device, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrMapFailed, device, err)
	}
	defer f.Close()
	page := uint64(os.Getpagesize())
	if base%page != 0 {
		return nil, fmt.Errorf("%w: base 0x%x not page aligned", ErrMapFailed, base)
	}
	mem, err := unix.Mmap(int(f.Fd()), int64(base), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap 0x%x+%d: %v", ErrMapFailed, base, size, err)
	}
	return &Mapped{mem: mem, base: base}, nil
}

func (m *Mapped) word(off uint32) *uint32 {
	if int(off)+4 > len(m.mem) || off%4 != 0 {
		panic(fmt.Sprintf("regs: offset 0x%x outside mapping 0x%x+%d", off, m.base, len(m.mem)))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}

// Read читает регистр (volatile-чтение через atomic).
func (m *Mapped) Read(off uint32) uint32 {
	return atomic.LoadUint32(m.word(off))
}

// Write пишет регистр.
func (m *Mapped) Write(off uint32, v uint32) {
	atomic.StoreUint32(m.word(off), v)
}

// Close снимает отображение.
func (m *Mapped) Close() error {
	if m == nil || m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
