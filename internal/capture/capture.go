// Package capture — параметры захвата кадра (capture_info) и интерфейс примитива захвата.
package capture

// Флаги запроса захвата.
const (
	FlagMode7              = 1 << 0
	FlagCalibrate          = 1 << 2
	FlagNoHScroll          = 1 << 3
	FlagNoScanlines        = 1 << 4
	FlagElk                = 1 << 5
	FlagNoAutoswitch       = 1 << 6
	FlagOldFirmwareSupport = 1 << 7
	FlagOSD                = 1 << 8

	// OffsetNBuffers — поле числа буферов в флагах.
	OffsetNBuffers = 12
)

// Биты статуса, возвращаемого Grab.
const (
	RetMode7               = 1 << 0
	RetSyncTimingChanged   = 1 << 1
	RetInterlaceChanged    = 1 << 2
	RetVsyncPolarityChange = 1 << 3

	// OffsetLastBuffer — два бита номера буфера с последним захватом.
	OffsetLastBuffer = 8
)

// Info — геометрия буфера кадра и активной области захвата.
// Pitch и HAdjust — в байтах, VAdjust — в строках буфера.
type Info struct {
	// FB — все буферы подряд, по Height*Pitch байт каждый.
	FB []uint32

	Pitch  int
	Width  int
	Height int
	BPP    int

	CharsPerLine int
	NLines       int
	HOffset      int
	VOffset      int
	// SizeX2: бит 0 — удвоение по вертикали, бит 1 — по горизонтали.
	SizeX2 int

	HAdjust int
	VAdjust int

	NCapture         int
	PxSampling       int
	SyncType         int
	DetectedSyncType int
}

// Grabber — примитив захвата: заполняет один из буферов Info.FB и возвращает статус.
type Grabber interface {
	Grab(info *Info, flags uint32) uint32
}

// LastBuffer — номер буфера с последним захватом.
func LastBuffer(status uint32) int {
	return int(status>>OffsetLastBuffer) & 3
}

// BufferWords — размер одного буфера в словах.
func (i *Info) BufferWords() int {
	return i.Height * i.Pitch / 4
}

// Buffer возвращает буфер, указанный в статусе захвата.
func (i *Info) Buffer(status uint32) []uint32 {
	n := i.BufferWords()
	start := LastBuffer(status) * n
	return i.FB[start : start+n]
}

// DoubleHeight — захват с удвоением строк.
func (i *Info) DoubleHeight() bool {
	return i.SizeX2&1 != 0
}

// ActiveLines — число строк буфера, занятых активной областью.
func (i *Info) ActiveLines() int {
	return i.NLines << (i.SizeX2 & 1)
}

// Adjust центрирует активную область захвата в буфере кадра.
func (i *Info) Adjust() {
	dh := i.SizeX2 & 1
	v := (i.Height >> dh) - i.NLines
	if v < 0 {
		v = 0
	}
	i.VAdjust = v >> (dh ^ 1)

	h := (i.Width >> 3) - i.CharsPerLine
	if h < 0 {
		h = 0
	}
	shift := 2
	if i.BPP == 8 {
		shift = 3
	}
	i.HAdjust = (h >> 1) << shift
}
