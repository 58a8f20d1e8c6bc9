// Package menu holds the static USSD menu table and the pure transition
// function over it. Rendering and persistence live in the USSD service.
package menu

import "fmt"

type ID string

const (
	Main                  ID = "main"
	CheckBalance          ID = "checkBalance"
	RecentCollections     ID = "recentCollections"
	NearestHub            ID = "nearestHub"
	HealthTokens          ID = "healthTokens"
	ReportCollection      ID = "reportCollection"
	SubmitCollection      ID = "submitCollection"
	CheckCollectionStatus ID = "checkCollectionStatus"
	Exit                  ID = "exit"
)

// Menu is one screen: its text template with {placeholder} tokens and the
// digits it accepts.
type Menu struct {
	ID       ID
	Template string
	Options  map[string]ID
}

type Table map[ID]Menu

// Step is the outcome of feeding one input to the table.
type Step struct {
	Current   ID // menu the input was applied to, after recovery
	Next      ID
	Recovered bool // current menu was unknown and replaced by Main
	Invalid   bool // input not accepted; Next == Current
	Exit      bool
}

// Step is pure: it neither reads nor writes session state.
func (t Table) Step(current ID, input string) Step {
	step := Step{Current: current}
	m, ok := t[current]
	if !ok {
		step.Current = Main
		step.Recovered = true
		m = t[Main]
	}

	next, ok := m.Options[input]
	switch {
	case !ok:
		step.Invalid = true
		step.Next = step.Current
	case next == Exit:
		step.Exit = true
		step.Next = Exit
	default:
		step.Next = next
	}
	return step
}

func (t Table) Has(id ID) bool {
	_, ok := t[id]
	return ok
}

// Validate checks that Main exists and every option points at a known menu
// or Exit.
func (t Table) Validate() error {
	if !t.Has(Main) {
		return fmt.Errorf("menu table has no %q entry", Main)
	}
	for id, m := range t {
		if m.ID != id {
			return fmt.Errorf("menu %q registered under key %q", m.ID, id)
		}
		for digit, target := range m.Options {
			if target != Exit && !t.Has(target) {
				return fmt.Errorf("menu %q option %q points at unknown menu %q", id, digit, target)
			}
		}
	}
	return nil
}
