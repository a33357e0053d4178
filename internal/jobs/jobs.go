// Package jobs holds the moderation job handlers shipped with the bot.
package jobs

import (
	"time"

	"github.com/cuongbtq/jobserver/internal/platform"
	"github.com/cuongbtq/jobserver/internal/registry"
)

// Job kinds
const (
	KindSweep  = "sweep"
	KindBackup = "backup"
)

const defaultPageSize = 100

// Deps are the collaborators handlers need
type Deps struct {
	Platform platform.Client
	Now      func() time.Time
}

// Register adds every built-in handler to r
func Register(r *registry.Registry, deps Deps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r.Register(KindSweep, NewSweep(deps))
	r.Register(KindBackup, NewBackup(deps))
}
