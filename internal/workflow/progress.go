package workflow

import (
	"time"

	"github.com/ashureev/site-insights/internal/session"
)

// progressCeiling keeps the cosmetic bar short of full until the lookup resolves.
const progressCeiling = 95

// startProgress advances the session's cosmetic progress counters on a fixed
// schedule while the lookup identified by t is pending. With a domain list, the
// bar is split into one segment per domain: subProgress tracks the position
// inside the segment and currentCompetitor names it. The returned func stops the
// timer and waits for it to exit.
func (c *Controller) startProgress(st *session.Store, t session.Ticket, domains []string) func() {
	quit := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(c.cfg.ProgressTick)
		defer ticker.Stop()

		progress := 0
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
			}
			progress = min(progress+c.cfg.ProgressStep, progressCeiling)
			intents := []session.Intent{session.SetProgress{Progress: progress, SubProgress: subProgress(progress, len(domains))}}
			if len(domains) > 0 {
				intents = append(intents, session.SetCurrentCompetitor{Domain: domains[segment(progress, len(domains))]})
			}
			if !st.Touch(t, intents...) {
				return
			}
		}
	}()

	return func() {
		close(quit)
		<-exited
	}
}

func segment(progress, n int) int {
	return min(progress*n/100, n-1)
}

func subProgress(progress, n int) int {
	if n == 0 {
		return 0
	}
	within := progress*n - segment(progress, n)*100
	return min(within, 100)
}
