package tools

type Mode string

const (
	ModeIdle      Mode = "idle"
	ModePlacing   Mode = "placing"
	ModeExtending Mode = "extending"
	ModeAdvanced  Mode = "advanced"
)

type Event string

const (
	EventToggleBuild    Event = "toggle_build"
	EventToggleExtender Event = "toggle_extender"
	EventToggleAdvanced Event = "toggle_advanced"
	EventExit           Event = "exit"
)

// transitions is the whole mode machine. Pairs missing from the table are
// ignored.
var transitions = map[Mode]map[Event]Mode{
	ModeIdle: {
		EventToggleBuild:    ModePlacing,
		EventToggleExtender: ModeExtending,
		EventToggleAdvanced: ModeAdvanced,
	},
	ModePlacing: {
		EventToggleBuild:    ModeIdle,
		EventToggleExtender: ModeExtending,
		EventToggleAdvanced: ModeAdvanced,
		EventExit:           ModeIdle,
	},
	ModeExtending: {
		EventToggleBuild:    ModePlacing,
		EventToggleExtender: ModePlacing,
		EventToggleAdvanced: ModeAdvanced,
		EventExit:           ModeIdle,
	},
	ModeAdvanced: {
		EventToggleBuild:    ModePlacing,
		EventToggleExtender: ModeExtending,
		EventToggleAdvanced: ModePlacing,
		EventExit:           ModeIdle,
	},
}

// Next returns the mode reached from m on e, and false when e does nothing in m.
func Next(m Mode, e Event) (Mode, bool) {
	to, ok := transitions[m][e]
	return to, ok
}

// Placing reports whether the mode shows a placement preview.
func (m Mode) Placing() bool { return m == ModePlacing || m == ModeAdvanced }
