// Command jobctl submits and follows jobs through the job API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/cuongbtq/jobserver/internal/api/dto"
)

var version = "dev"

func main() {
	if err := app(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		os.Exit(1)
	}
}

func app(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "jobctl",
		Version: version,
		Usage:   "Submit, inspect and cancel moderation jobs",
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "Base URL of the job API",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("JOBCTL_URL"),
			},
			&cli.StringFlag{
				Name:     "as",
				Usage:    "Requester in type/id form, e.g. user/42",
				Required: true,
				Sources:  cli.EnvVars("JOBCTL_REQUESTER"),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Timeout of a single request",
				Value: 30 * time.Second,
			},
		},
		Commands: []*cli.Command{
			submitCmd(),
			statusCmd(),
			listCmd(),
			cancelCmd(),
			deleteCmd(),
			watchCmd(),
			artifactCmd(),
		},
	}
}

func clientFrom(cmd *cli.Command) *client {
	return newClient(cmd.String("url"), cmd.String("as"), cmd.Duration("timeout"))
}

func jobArg(cmd *cli.Command) (string, error) {
	id := cmd.Args().First()
	if id == "" {
		return "", cli.Exit("job id argument is required", 2)
	}
	return id, nil
}

func submitCmd() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Submit a job",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Usage: "Job kind", Required: true},
			&cli.StringFlag{Name: "input", Usage: "JSON input, or @file to read it from a file", Value: "{}"},
			&cli.StringFlag{Name: "owner", Usage: "Owner in type/id form; defaults to the requester"},
			&cli.StringFlag{Name: "expiry", Usage: "Deadline relative to now, e.g. 15m"},
			&cli.BoolFlag{Name: "watch", Usage: "Follow the job until it finishes"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			input, err := readInput(cmd.String("input"))
			if err != nil {
				return err
			}

			c := clientFrom(cmd)
			job, err := c.submit(ctx, dto.CreateJobRequest{
				Kind:   cmd.String("kind"),
				Input:  input,
				Owner:  cmd.String("owner"),
				Expiry: cmd.String("expiry"),
			})
			if err != nil {
				return err
			}
			if !cmd.Bool("watch") {
				return printJSON(cmd.Root().Writer, job)
			}
			fmt.Fprintf(cmd.Root().Writer, "submitted %s\n", job.JobID)
			return follow(ctx, c, job.JobID, cmd.Root().Writer)
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the current snapshot of a job",
		ArgsUsage: "JOB_ID",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := jobArg(cmd)
			if err != nil {
				return err
			}
			job, err := clientFrom(cmd).status(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.Root().Writer, job)
		},
	}
}

func listCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List jobs newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "owner", Usage: "Owner in type/id form; defaults to the requester"},
			&cli.StringFlag{Name: "kind", Usage: "Only jobs of this kind"},
			&cli.StringFlag{Name: "state", Usage: "Only jobs in this state"},
			&cli.IntFlag{Name: "page-size", Usage: "Jobs per page", Value: 20},
			&cli.StringFlag{Name: "cursor", Usage: "Cursor returned by a previous page"},
			&cli.BoolFlag{Name: "all", Usage: "Follow cursors until the last page"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c := clientFrom(cmd)
			w := cmd.Root().Writer
			req := dto.ListJobsRequest{
				Owner:    cmd.String("owner"),
				Kind:     cmd.String("kind"),
				State:    cmd.String("state"),
				PageSize: cmd.Int("page-size"),
				Cursor:   cmd.String("cursor"),
			}
			for {
				page, err := c.list(ctx, req)
				if err != nil {
					return err
				}
				for _, job := range page.Jobs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", job.JobID, job.Kind, job.Owner, job.State, job.CreatedAt)
				}
				if page.NextCursor == "" {
					return nil
				}
				if !cmd.Bool("all") {
					fmt.Fprintf(w, "next cursor: %s\n", page.NextCursor)
					return nil
				}
				req.Cursor = page.NextCursor
			}
		},
	}
}

func cancelCmd() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a pending or running job",
		ArgsUsage: "JOB_ID",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := jobArg(cmd)
			if err != nil {
				return err
			}
			job, err := clientFrom(cmd).cancel(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.Root().Writer, job)
		},
	}
}

func deleteCmd() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a finished job and its artifacts",
		ArgsUsage: "JOB_ID",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := jobArg(cmd)
			if err != nil {
				return err
			}
			if err := clientFrom(cmd).delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "deleted %s\n", id)
			return nil
		},
	}
}

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Follow a job until it finishes",
		ArgsUsage: "JOB_ID",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := jobArg(cmd)
			if err != nil {
				return err
			}
			return follow(ctx, clientFrom(cmd), id, cmd.Root().Writer)
		},
	}
}

func artifactCmd() *cli.Command {
	return &cli.Command{
		Name:      "artifact",
		Usage:     "Download the output file of a job",
		ArgsUsage: "JOB_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Destination file; - for stdout", Value: "-"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := jobArg(cmd)
			if err != nil {
				return err
			}
			c := clientFrom(cmd)
			if cmd.String("out") == "-" {
				return c.download(ctx, id, cmd.Root().Writer)
			}
			f, err := os.Create(cmd.String("out"))
			if err != nil {
				return err
			}
			if err := c.download(ctx, id, f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
}

// follow prints watch events and fails when the job does not complete
func follow(ctx context.Context, c *client, id string, w io.Writer) error {
	var (
		last       *dto.JobDTO
		seenStatus int64
	)
	err := c.watch(ctx, id, func(ev sseEvent) error {
		switch ev.Name {
		case "progress":
			var p dto.ProgressDTO
			if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
				return err
			}
			fmt.Fprintf(w, "[%d] %5.1f%% %s %s\n", p.Seq, p.Percent, p.Stage, p.Message)
		case "job":
			var job dto.JobDTO
			if err := json.Unmarshal([]byte(ev.Data), &job); err != nil {
				return err
			}
			if last == nil || last.State != job.State {
				fmt.Fprintf(w, "state: %s\n", job.State)
			}
			// info lines repeat progress messages; only surface the rest
			for _, st := range job.Statuses {
				if st.Seq <= seenStatus {
					continue
				}
				seenStatus = st.Seq
				if st.Level != "info" {
					fmt.Fprintf(w, "%s: %s\n", st.Level, st.Message)
				}
			}
			last = &job
		case "error":
			return fmt.Errorf("watch ended: %s", ev.Data)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if last == nil {
		return fmt.Errorf("no snapshot received for job %s", id)
	}

	switch last.State {
	case "completed":
		if len(last.Result) > 0 {
			fmt.Fprintf(w, "result: %s\n", last.Result)
		}
		if last.Artifact != nil {
			fmt.Fprintf(w, "artifact: %s (%d bytes)\n", last.Artifact.Filename, last.Artifact.Size)
		}
		return nil
	case "failed", "cancelled":
		msg := last.State
		if last.Error != nil {
			msg = fmt.Sprintf("%s: %s: %s", last.State, last.Error.Code, last.Error.Message)
		}
		return cli.Exit(msg, 1)
	default:
		return fmt.Errorf("stream ended with job %s", last.State)
	}
}

func readInput(raw string) (json.RawMessage, error) {
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		raw = string(data)
	}
	if !json.Valid([]byte(raw)) {
		return nil, cli.Exit("input is not valid JSON", 2)
	}
	return json.RawMessage(raw), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
