package tts

// VoiceProfile selects and tunes a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	Name string

	// Provider identifies which backend the voice belongs to.
	Provider string

	// PitchShift adjusts pitch (-10 to +10, 0 = default).
	PitchShift float64

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default, 0 = unset).
	SpeedFactor float64

	// Volume in [0, 100]; 0 leaves the backend default.
	Volume int

	// SampleRate and Format of the produced audio. Zero values leave the
	// backend default.
	SampleRate int
	Format     string

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}
