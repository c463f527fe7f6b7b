// Package regs — доступ к 32-битным регистрам периферии (clock manager, A2W PLL, pixel valve).
//
// Смещения задаются в байтах от базы блока, как в даташите BCM2835 и clk-bcm2835.
// Запись и чтение атомарны на уровне машинного слова; порядок операций сохраняется.
package regs

import "errors"

// Password — пароль clock manager (CM_PASSWORD), обязателен в старшем байте каждой записи.
const Password uint32 = 0x5a000000

// ErrMapFailed — не удалось отобразить физическую память периферии.
var ErrMapFailed = errors.New("regs: map failed")

// Bank — блок регистров.
type Bank interface {
	Read(off uint32) uint32
	Write(off uint32, v uint32)
}

// Memory — блок регистров в обычной памяти (для тестов и dry-run без /dev/mem).
// Hook, если задан, вызывается после каждой записи и может изменить содержимое
// (эмуляция BUSY-битов, регистров только для чтения и т.п.).
type Memory struct {
	words map[uint32]uint32
	Hook  func(m *Memory, off, v uint32)
	// Writes — журнал записей в порядке выполнения.
	Writes []Write
	// NoJournal отключает журнал (долгий dry-run).
	NoJournal bool
}

// Write — одна запись в журнале Memory.
type Write struct {
	Off   uint32
	Value uint32
}

// NewMemory создаёт пустой блок (все регистры читаются как 0).
func NewMemory() *Memory {
	return &Memory{words: make(map[uint32]uint32)}
}

// Read возвращает значение регистра.
func (m *Memory) Read(off uint32) uint32 {
	return m.words[off]
}

// Write сохраняет значение и вызывает Hook.
func (m *Memory) Write(off uint32, v uint32) {
	m.words[off] = v
	if !m.NoJournal {
		m.Writes = append(m.Writes, Write{Off: off, Value: v})
	}
	if m.Hook != nil {
		m.Hook(m, off, v)
	}
}

// Set выставляет регистр без журнала и без Hook (начальное состояние «железа»).
func (m *Memory) Set(off uint32, v uint32) {
	m.words[off] = v
}

// WritesTo возвращает значения, записанные в off, по порядку.
func (m *Memory) WritesTo(off uint32) []uint32 {
	var out []uint32
	for _, w := range m.Writes {
		if w.Off == off {
			out = append(out, w.Value)
		}
	}
	return out
}
