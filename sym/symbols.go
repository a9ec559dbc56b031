// Package sym defines the glyphs pulsed uses to tag log lines and CLI output
// by segment. Logs carry the glyph as a structured field so they stay
// queryable by segment.
package sym

// Pulse segment glyphs.
const (
	Pulse      = "꩜" // scheduling, timers, executions
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
)

// System glyphs.
const (
	AM     = "≡" // configuration
	DB     = "⊔" // storage
	Leader = "♛" // leader election
	Stream = "⟶" // status streams and sinks
)

// All returns every glyph keyed by its short name.
func All() map[string]string {
	return map[string]string{
		"pulse":       Pulse,
		"pulse_open":  PulseOpen,
		"pulse_close": PulseClose,
		"am":          AM,
		"db":          DB,
		"leader":      Leader,
		"stream":      Stream,
	}
}
