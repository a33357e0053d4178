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

const defaultMinAccountAge = 7 * 24 * time.Hour

// SweepInput selects which members an anti-raid sweep removes
type SweepInput struct {
	Guild string `json:"guild"`
	// MinAccountAge removes accounts younger than this, e.g. "72h". Defaults to 7 days.
	MinAccountAge string `json:"min_account_age,omitempty"`
	// JoinedWithin only considers members who joined this recently. Empty means all.
	JoinedWithin string `json:"joined_within,omitempty"`
	IncludeBots  bool   `json:"include_bots,omitempty"`
	Reason       string `json:"reason,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
}

// SweepResult is the output of a sweep
type SweepResult struct {
	Removed int `json:"removed"`
}

type sweepRule struct {
	minAge       time.Duration
	joinedWithin time.Duration
	includeBots  bool
}

func parseSweep(in SweepInput) (sweepRule, error) {
	rule := sweepRule{minAge: defaultMinAccountAge, includeBots: in.IncludeBots}
	if in.Guild == "" {
		return rule, domain.NewValidationError("guild", "is required")
	}
	if in.MinAccountAge != "" {
		d, err := time.ParseDuration(in.MinAccountAge)
		if err != nil || d <= 0 {
			return rule, domain.NewValidationError("min_account_age", "must be a positive duration, got %q", in.MinAccountAge)
		}
		rule.minAge = d
	}
	if in.JoinedWithin != "" {
		d, err := time.ParseDuration(in.JoinedWithin)
		if err != nil || d <= 0 {
			return rule, domain.NewValidationError("joined_within", "must be a positive duration, got %q", in.JoinedWithin)
		}
		rule.joinedWithin = d
	}
	return rule, nil
}

func (r sweepRule) matches(m platform.Member, now time.Time) bool {
	if m.Bot && !r.includeBots {
		return false
	}
	if r.joinedWithin > 0 && now.Sub(m.JoinedAt) > r.joinedWithin {
		return false
	}
	return now.Sub(m.CreatedAt) < r.minAge
}

// NewSweep returns the handler that removes suspicious members from a guild.
func NewSweep(deps Deps) registry.Handler {
	return registry.Typed(registry.Definition[SweepInput]{
		Check: func(in SweepInput) error {
			_, err := parseSweep(in)
			return err
		},
		Run: func(ctx context.Context, in SweepInput, rep progress.Reporter, cancel progress.Cancellation) (any, error) {
			rule, err := parseSweep(in)
			if err != nil {
				return nil, err
			}
			now := deps.Now()

			rep.Report(progress.Update{Stage: "scanning", Message: "listing members"})
			var suspects []platform.Member
			scanned := 0
			after := ""
			for {
				if err := cancel.Err(); err != nil {
					return nil, err
				}
				page, err := deps.Platform.Members(ctx, in.Guild, after, defaultPageSize)
				if err != nil {
					return nil, fmt.Errorf("list members of %s: %w", in.Guild, err)
				}
				if len(page) == 0 {
					break
				}
				for _, m := range page {
					if rule.matches(m, now) {
						suspects = append(suspects, m)
					}
				}
				scanned += len(page)
				after = page[len(page)-1].ID
				rep.Report(progress.Update{
					Stage:   "scanning",
					Message: fmt.Sprintf("scanned %d members", scanned),
					Meta:    map[string]any{"scanned": scanned, "matched": len(suspects)},
				})
				if len(page) < defaultPageSize {
					break
				}
			}

			if in.DryRun {
				rep.Report(progress.Update{Percent: 100, Stage: "done", Message: fmt.Sprintf("%d members would be removed", len(suspects))})
				return SweepResult{Removed: 0}, nil
			}

			reason := in.Reason
			if reason == "" {
				reason = "anti-raid sweep"
			}

			removed := 0
			for i, m := range suspects {
				if err := cancel.Err(); err != nil {
					return nil, err
				}
				if err := deps.Platform.RemoveMember(ctx, in.Guild, m.ID, reason); err != nil {
					return nil, fmt.Errorf("remove member %s: %w", m.ID, err)
				}
				removed++
				rep.Report(progress.Update{
					Percent: float64(i+1) * 100 / float64(len(suspects)),
					Stage:   "removing",
					Message: fmt.Sprintf("removed %d of %d", removed, len(suspects)),
				})
			}

			return SweepResult{Removed: removed}, nil
		},
	})
}
