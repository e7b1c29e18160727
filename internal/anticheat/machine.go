// Package anticheat implements the client-resident escalation state machine
// that watches tab visibility, counts switches, and escalates through a
// warning dialog to a forced submission. It runs next to the quiz UI; the
// server only ever sees its side effects (switch reports and the terminal
// submission), so the machine must converge to a submission even if the
// network drops or the user never returns to the tab.
package anticheat

import "sync"

// State is the escalation level of the machine.
type State int

const (
	// StateNormal means no warning dialog is showing.
	StateNormal State = iota
	// StateWarned means the warning dialog with an acknowledgement countdown
	// is showing and the switch count is below the threshold.
	StateWarned
	// StateForceSubmitPending means the threshold was exceeded and the dialog
	// counts down to an automatic submission.
	StateForceSubmitPending
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarned:
		return "warned"
	case StateForceSubmitPending:
		return "force_submit_pending"
	default:
		return "unknown"
	}
}

// Config tunes the machine. Threshold 3 with a forced countdown-to-submit is
// the default policy; both knobs are deployment-configurable.
type Config struct {
	// Threshold is the switch count at which escalation becomes forced.
	Threshold int
	// CountdownTicks is how many ticks the warning dialog stays up before it
	// resolves on its own.
	CountdownTicks int
}

// DefaultConfig returns the shipped escalation policy.
func DefaultConfig() Config {
	return Config{Threshold: 3, CountdownTicks: 10}
}

// Machine tracks tab switches for one attempt in progress.
//
// Report is called (non-blocking, best-effort) on every switch so the server
// counter can follow along; Submit is the terminal submission path and is
// guaranteed to be invoked at most once no matter how triggers race.
type Machine struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	switches  int
	countdown int
	hidden    bool // visibility is currently hidden, escalation armed
	submitted bool

	report func(switches int)
	submit func()
}

// New builds a machine for one attempt. report and submit may be nil.
func New(cfg Config, report func(switches int), submit func()) *Machine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.CountdownTicks <= 0 {
		cfg.CountdownTicks = DefaultConfig().CountdownTicks
	}
	return &Machine{cfg: cfg, report: report, submit: submit}
}

// State returns the current escalation state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Switches returns the local switch count.
func (m *Machine) Switches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switches
}

// Submitted reports whether the terminal submission already fired.
func (m *Machine) Submitted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitted
}

// VisibilityHidden records the user leaving the foreground: the switch count
// increments immediately and is reported to the server without blocking the
// UI; the escalation dialog is armed for when visibility returns.
func (m *Machine) VisibilityHidden() {
	m.mu.Lock()
	if m.submitted || m.hidden {
		m.mu.Unlock()
		return
	}
	m.hidden = true
	m.switches++
	count := m.switches
	report := m.report
	m.mu.Unlock()

	if report != nil {
		// Persistence is best-effort per event; the local count stays
		// authoritative for the user experience.
		go report(count)
	}
}

// VisibilityVisible resolves an armed switch into the warning dialog: plain
// Warned below the threshold, ForceSubmitPending at or above it.
func (m *Machine) VisibilityVisible() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitted || !m.hidden {
		return
	}
	m.hidden = false
	m.countdown = m.cfg.CountdownTicks
	if m.switches >= m.cfg.Threshold {
		m.state = StateForceSubmitPending
	} else {
		m.state = StateWarned
	}
}

// Tick advances the dialog countdown by one unit; at zero it behaves as
// CountdownExpired.
func (m *Machine) Tick() {
	m.mu.Lock()
	if m.state == StateNormal || m.submitted {
		m.mu.Unlock()
		return
	}
	m.countdown--
	expired := m.countdown <= 0
	m.mu.Unlock()
	if expired {
		m.CountdownExpired()
	}
}

// CountdownExpired resolves the dialog: back to Normal while below the
// threshold, the terminal submission once the threshold was exceeded.
func (m *Machine) CountdownExpired() {
	m.mu.Lock()
	switch m.state {
	case StateWarned:
		m.state = StateNormal
		m.mu.Unlock()
		return
	case StateForceSubmitPending:
		m.triggerSubmitLocked()
		return
	default:
		m.mu.Unlock()
	}
}

// ManualDismiss closes the warning dialog. Below the threshold it returns to
// Normal; in ForceSubmitPending closing the dialog still submits.
func (m *Machine) ManualDismiss() {
	m.mu.Lock()
	switch m.state {
	case StateWarned:
		m.state = StateNormal
		m.mu.Unlock()
	case StateForceSubmitPending:
		m.triggerSubmitLocked()
	default:
		m.mu.Unlock()
	}
}

// ManualForceSubmit is the user clicking "submit now" in the dialog.
func (m *Machine) ManualForceSubmit() {
	m.mu.Lock()
	m.triggerSubmitLocked()
}

// Abandon is the page-unload path: an attempt left without completion is
// submitted with whatever answers exist, through the same guarded path.
func (m *Machine) Abandon() {
	m.mu.Lock()
	m.triggerSubmitLocked()
}

// triggerSubmitLocked fires the terminal submission at most once. Callers
// hold m.mu; the lock is released before invoking the callback so a submit
// implementation may call back into the machine.
func (m *Machine) triggerSubmitLocked() {
	if m.submitted {
		m.mu.Unlock()
		return
	}
	m.submitted = true
	submit := m.submit
	m.mu.Unlock()

	if submit != nil {
		submit()
	}
}
