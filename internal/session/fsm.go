package session

import "github.com/JakeFAU/channel-scraper/internal/scraper"

// Step names one user-driven action of the login flow.
type Step string

// Login steps.
const (
	StepPhone    Step = "phone"
	StepCode     Step = "code"
	StepPassword Step = "password"
	// StepRevoke is taken when the platform rejects a stored credential.
	StepRevoke Step = "revoke"
)

type edge struct {
	from scraper.SessionState
	step Step
}

// transitions lists every allowed move. Code and password steps may land in more than
// one state depending on what the platform answers, so the table stores the options.
var transitions = map[edge][]scraper.SessionState{
	{scraper.SessionUnauthenticated, StepPhone}:     {scraper.SessionChallengeSent},
	{scraper.SessionChallengeSent, StepPhone}:       {scraper.SessionChallengeSent},
	{scraper.SessionPasswordRequired, StepPhone}:    {scraper.SessionChallengeSent},
	{scraper.SessionChallengeSent, StepCode}:        {scraper.SessionAuthenticated, scraper.SessionPasswordRequired},
	{scraper.SessionPasswordRequired, StepPassword}: {scraper.SessionAuthenticated},
	{scraper.SessionAuthenticated, StepRevoke}:      {scraper.SessionUnauthenticated},
	{scraper.SessionChallengeSent, StepRevoke}:      {scraper.SessionUnauthenticated},
	{scraper.SessionPasswordRequired, StepRevoke}:   {scraper.SessionUnauthenticated},
}

// Allowed reports whether step may be taken from state.
func Allowed(state scraper.SessionState, step Step) bool {
	_, ok := transitions[edge{state, step}]
	return ok
}

// CanMove reports whether step taken from state may end in next.
func CanMove(state scraper.SessionState, step Step, next scraper.SessionState) bool {
	for _, s := range transitions[edge{state, step}] {
		if s == next {
			return true
		}
	}
	return false
}

func checkStep(state scraper.SessionState, step Step) error {
	if !Allowed(state, step) {
		return scraper.Errorf(scraper.ErrInvalidTransition, "session "+string(step), "step %s not allowed in state %s", step, state)
	}
	return nil
}
