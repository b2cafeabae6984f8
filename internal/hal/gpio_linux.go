//go:build linux

package hal

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIODirect reads the HT pins through the Linux GPIO character device.
type GPIODirect struct {
	chip  *gpiocdev.Chip
	lines [NumDirectInputs]*gpiocdev.Line
}

// NewGPIODirect requests the three HT lines as inputs with pull-ups.
func NewGPIODirect(chipName string, offsets [NumDirectInputs]int) (*GPIODirect, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	g := &GPIODirect{chip: chip}
	for i, off := range offsets {
		line, err := chip.RequestLine(off, gpiocdev.AsInput, gpiocdev.WithPullUp)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("request HT%d pin %d: %w", i+1, off, err)
		}
		g.lines[i] = line
	}
	return g, nil
}

// Levels returns the raw pin levels, true = high.
func (g *GPIODirect) Levels() ([NumDirectInputs]bool, error) {
	var out [NumDirectInputs]bool
	for i, line := range g.lines {
		v, err := line.Value()
		if err != nil {
			return out, fmt.Errorf("read HT%d: %w", i+1, err)
		}
		out[i] = v != 0
	}
	return out, nil
}

func (g *GPIODirect) Close() error {
	var errs []error
	for i, line := range g.lines {
		if line == nil {
			continue
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close HT%d: %w", i+1, err))
		}
	}
	if g.chip != nil {
		if err := g.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
