//go:build !linux

package regs

import "fmt"

// Mapped — заглушка на не-Linux: отображение физической памяти недоступно.
type Mapped struct{}

// Map всегда возвращает ErrMapFailed на не-Linux.
func Map(device string, base uint64, size int) (*Mapped, error) {
	return nil, fmt.Errorf("%w: %s unsupported on this platform", ErrMapFailed, device)
}

// Read — заглушка.
func (m *Mapped) Read(off uint32) uint32 {
	return 0
}

// Write — заглушка.
func (m *Mapped) Write(off uint32, v uint32) {}

// Close — заглушка.
func (m *Mapped) Close() error {
	return nil
}
