package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/platform"
	"github.com/cuongbtq/jobserver/internal/progress"
	"github.com/cuongbtq/jobserver/internal/registry"
)

// BackupInput selects the guild to back up
type BackupInput struct {
	Guild string `json:"guild"`
}

// Backup is a snapshot of a guild's member list
type Backup struct {
	Guild   string            `json:"guild"`
	TakenAt time.Time         `json:"taken_at"`
	Members []platform.Member `json:"members"`
}

// NewBackup returns the handler that snapshots a guild's members. Large
// backups end up in the artifact store.
func NewBackup(deps Deps) registry.Handler {
	return registry.Typed(registry.Definition[BackupInput]{
		Check: func(in BackupInput) error {
			if in.Guild == "" {
				return domain.NewValidationError("guild", "is required")
			}
			return nil
		},
		Run: func(ctx context.Context, in BackupInput, rep progress.Reporter, cancel progress.Cancellation) (any, error) {
			backup := Backup{Guild: in.Guild, TakenAt: deps.Now(), Members: []platform.Member{}}

			after := ""
			for {
				if err := cancel.Err(); err != nil {
					return nil, err
				}
				page, err := deps.Platform.Members(ctx, in.Guild, after, defaultPageSize)
				if err != nil {
					return nil, fmt.Errorf("list members of %s: %w", in.Guild, err)
				}
				backup.Members = append(backup.Members, page...)
				rep.Report(progress.Update{
					Stage:   "members",
					Message: fmt.Sprintf("copied %d members", len(backup.Members)),
				})
				if len(page) < defaultPageSize {
					break
				}
				after = page[len(page)-1].ID
			}

			rep.Report(progress.Update{Percent: 100, Stage: "done"})
			return backup, nil
		},
	})
}
