package genlock

import "fmt"

// Table — параметры регулятора genlock. Thresholds — кривая усиления:
// порог разности строк, при котором шаг подстройки растёт на единицу,
// индексируется текущим |шагом|.
type Table struct {
	Thresholds      []int   `yaml:"thresholds"`
	MaxSteps        int     `yaml:"max_steps"`
	LockedThreshold int     `yaml:"locked_threshold"`
	FrameDelay      int     `yaml:"frame_delay"`
	PPMStep         int     `yaml:"ppm_step"`
	NLinesThreshold int     `yaml:"nlines_threshold"`
	MinPixelMHz     float64 `yaml:"min_pixel_mhz"`
	MaxPixelMHz     float64 `yaml:"max_pixel_mhz"`
	MaxPixel260MHz  float64 `yaml:"max_pixel_260_mhz"`
	FixedDivider    int     `yaml:"fixed_divider"`
}

// DefaultTable — значения, подобранные на реальных источниках.
func DefaultTable() Table {
	return Table{
		Thresholds:      []int{2, 3, 5, 8, 12, 17, 23, 30, 38, 47, 57, 68},
		MaxSteps:        12,
		LockedThreshold: 2,
		FrameDelay:      12,
		PPMStep:         333,
		NLinesThreshold: 350,
		MinPixelMHz:     25,
		MaxPixelMHz:     200,
		MaxPixel260MHz:  260,
		FixedDivider:    10,
	}
}

// Validate проверяет, что индексы регулятора не выходят за таблицу.
func (t Table) Validate() error {
	if t.MaxSteps < 1 {
		return fmt.Errorf("genlock: max_steps %d < 1", t.MaxSteps)
	}
	if len(t.Thresholds) < t.MaxSteps {
		return fmt.Errorf("genlock: %d thresholds for max_steps %d", len(t.Thresholds), t.MaxSteps)
	}
	for i := 1; i < len(t.Thresholds); i++ {
		if t.Thresholds[i] < t.Thresholds[i-1] {
			return fmt.Errorf("genlock: thresholds not monotonic at %d", i)
		}
	}
	if t.LockedThreshold < 2 || t.LockedThreshold >= len(t.Thresholds) {
		// medium уменьшает индекс на единицу
		return fmt.Errorf("genlock: locked_threshold %d out of [2, %d)", t.LockedThreshold, len(t.Thresholds))
	}
	if t.FrameDelay < 1 {
		return fmt.Errorf("genlock: frame_delay %d < 1", t.FrameDelay)
	}
	if t.FixedDivider < 1 {
		return fmt.Errorf("genlock: fixed_divider %d < 1", t.FixedDivider)
	}
	if t.MinPixelMHz <= 0 || t.MaxPixelMHz <= t.MinPixelMHz || t.MaxPixel260MHz < t.MaxPixelMHz {
		return fmt.Errorf("genlock: bad pixel clock bounds %.0f..%.0f/%.0f MHz",
			t.MinPixelMHz, t.MaxPixelMHz, t.MaxPixel260MHz)
	}
	return nil
}
