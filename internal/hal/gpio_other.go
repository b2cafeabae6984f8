//go:build !linux

package hal

import "errors"

// GPIODirect is not available on non-Linux platforms.
type GPIODirect struct{}

// NewGPIODirect returns an error on non-Linux platforms.
func NewGPIODirect(chipName string, offsets [NumDirectInputs]int) (*GPIODirect, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

func (g *GPIODirect) Levels() ([NumDirectInputs]bool, error) {
	return [NumDirectInputs]bool{}, errors.New("gpio: not supported")
}

func (g *GPIODirect) Close() error {
	return nil
}
