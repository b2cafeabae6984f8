package hal

// MemPort is an in-memory Port for simulation and tests.
type MemPort struct {
	// Value is returned by Read and replaced by Write.
	Value    byte
	Writes   []byte
	ReadErr  error
	WriteErr error
}

// NewMemPort creates a MemPort with all pins high (inactive).
func NewMemPort() *MemPort {
	return &MemPort{Value: 0xFF}
}

func (m *MemPort) Read() (byte, error) {
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	return m.Value, nil
}

func (m *MemPort) Write(v byte) error {
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.Value = v
	m.Writes = append(m.Writes, v)
	return nil
}

// SetActive drives pin i low (active) or high.
func (m *MemPort) SetActive(i int, active bool) {
	if active {
		m.Value &^= 1 << i
	} else {
		m.Value |= 1 << i
	}
}

// MemDirect is an in-memory DirectReader. Raw levels default to high.
type MemDirect struct {
	Raw    [NumDirectInputs]bool
	Err    error
	Closed bool
}

// NewMemDirect creates a MemDirect with every pin inactive.
func NewMemDirect() *MemDirect {
	return &MemDirect{Raw: [NumDirectInputs]bool{true, true, true}}
}

func (m *MemDirect) Levels() ([NumDirectInputs]bool, error) {
	if m.Err != nil {
		return [NumDirectInputs]bool{}, m.Err
	}
	return m.Raw, nil
}

func (m *MemDirect) Close() error {
	m.Closed = true
	return nil
}

// MemADC is an in-memory ADC returning fixed raw values.
type MemADC struct {
	Values [NumAnalog]int
	Err    error
}

func (m *MemADC) ReadRaw(ch int) (int, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	if ch < 0 || ch >= NumAnalog {
		return 0, ErrIndex
	}
	return m.Values[ch], nil
}
