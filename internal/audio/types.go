package audio

// Levels is the live level meter reading for the capture input.
type Levels struct {
	// RMS is the RMS level of the last chunk in dBFS.
	RMS float64 `json:"rms"`
	// Peak is the held peak level in dBFS.
	Peak float64 `json:"peak"`
	// Loud reports whether the last chunk crossed the detection threshold.
	Loud bool `json:"loud,omitzero"`
}

// SilentLevels is the meter reading used while nothing is captured.
var SilentLevels = Levels{RMS: MinDB, Peak: MinDB}

// Device represents an available audio input device.
type Device struct {
	// ID is the device identifier.
	ID string `json:"id"`
	// Name is the device display name.
	Name string `json:"name"`
}
