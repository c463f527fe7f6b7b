// Package uart — отладочная консоль на mini-UART. Делитель UART считается от
// частоты ядра, поэтому при перестройке PLLC скорость нужно пересчитать.
package uart

import (
	"fmt"
	"sync"

	"go.bug.st/serial"

	"github.com/shiwa/rgb-sync/internal/logger"
)

// CompensatedBaud — скорость, которую надо запросить у драйвера, чтобы при
// частоте ядра coreHz на линии получилось baud (драйвер считает от refHz).
func CompensatedBaud(baud, refHz, coreHz int) int {
	if refHz <= 0 || coreHz <= 0 {
		return baud
	}
	return int(int64(baud) * int64(refHz) / int64(coreHz))
}

// Console — последовательный порт с пересчётом скорости.
type Console struct {
	mu    sync.Mutex
	port  serial.Port
	name  string
	baud  int
	refHz int
}

// Open открывает порт 8N1.
func Open(device string, baud, refHz int) (*Console, error) {
	p, err := serial.Open(device, mode(baud))
	if err != nil {
		return nil, fmt.Errorf("serial open %s: %w", device, err)
	}
	return newConsole(p, device, baud, refHz), nil
}

func newConsole(p serial.Port, name string, baud, refHz int) *Console {
	return &Console{port: p, name: name, baud: baud, refHz: refHz}
}

func mode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Write отправляет в порт; годится для logger.SetOutput.
func (c *Console) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Write(b)
}

// Flush дожидается отправки буфера перед сменой частоты ядра.
func (c *Console) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Drain()
}

// Reinit перенастраивает скорость под новую частоту ядра.
func (c *Console) Reinit(coreClockHz int) error {
	c.mu.Lock()
	b := CompensatedBaud(c.baud, c.refHz, coreClockHz)
	err := c.port.SetMode(mode(b))
	c.mu.Unlock()
	// лог может идти в этот же порт, поэтому только после Unlock
	if err != nil {
		return fmt.Errorf("serial %s: set %d baud: %w", c.name, b, err)
	}
	logger.Debug("uart %s: core %d Hz, baud %d", c.name, coreClockHz, b)
	return nil
}

// Close закрывает порт.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Close()
}
