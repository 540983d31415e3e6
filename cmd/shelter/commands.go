package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/ipanova/pulp-shelter/pkg/api"
	"github.com/ipanova/pulp-shelter/pkg/client"
	"github.com/ipanova/pulp-shelter/pkg/config"
	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/tasking"
	"github.com/ipanova/pulp-shelter/pkg/versioning"
)

const closeTimeout = 10 * time.Second

// withBackend opens the backend, runs fn and closes it. Errors are printed
// and mapped to exit code 1.
func withBackend(server string, stdout, stderr io.Writer, fn func(ctx context.Context, b backend) (any, error)) int {
	ctx := context.Background()
	b, err := openBackend(ctx, server, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = b.Close(closeCtx)
	}()

	out, err := fn(ctx, b)
	if task, ok := out.(*tasking.Task); err == nil || (ok && task != nil) {
		if werr := writeJSON(stdout, out); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runRepoCmd implements `shelter repo create|list`.
func runRepoCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: shelter repo <create|list> [flags]")
		return 2
	}
	cmd := flag.NewFlagSet("repo "+args[0], flag.ContinueOnError)
	cmd.SetOutput(stderr)
	server := serverFlag(cmd)
	description := cmd.String("description", "", "Repository description")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	switch args[0] {
	case "create":
		if cmd.NArg() != 1 {
			_, _ = fmt.Fprintln(stderr, "Usage: shelter repo create [--description D] NAME")
			return 2
		}
		return withBackend(*server, stdout, stderr, func(ctx context.Context, b backend) (any, error) {
			return b.CreateRepository(ctx, cmd.Arg(0), *description)
		})
	case "list":
		return withBackend(*server, stdout, stderr, func(ctx context.Context, b backend) (any, error) {
			return b.Repositories(ctx)
		})
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown repo subcommand: %s\n", args[0])
		return 2
	}
}

// runRemoteCmd implements `shelter remote create|list`.
func runRemoteCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: shelter remote <create|list> [flags]")
		return 2
	}
	cmd := flag.NewFlagSet("remote "+args[0], flag.ContinueOnError)
	cmd.SetOutput(stderr)
	server := serverFlag(cmd)
	url := cmd.String("url", "", "Manifest URL (http, https or file)")
	policy := cmd.String("policy", string(content.PolicyImmediate), "Download policy: immediate or on_demand")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	switch args[0] {
	case "create":
		if cmd.NArg() != 1 || *url == "" {
			_, _ = fmt.Fprintln(stderr, "Usage: shelter remote create --url URL [--policy P] NAME")
			return 2
		}
		return withBackend(*server, stdout, stderr, func(ctx context.Context, b backend) (any, error) {
			return b.CreateRemote(ctx, cmd.Arg(0), *url, content.Policy(*policy))
		})
	case "list":
		return withBackend(*server, stdout, stderr, func(ctx context.Context, b backend) (any, error) {
			return b.Remotes(ctx)
		})
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown remote subcommand: %s\n", args[0])
		return 2
	}
}

// runSyncCmd implements `shelter sync`.
//
// Exit codes:
//
//	0 = sync committed
//	1 = sync failed
//	2 = usage error
func runSyncCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sync", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	server := serverFlag(cmd)
	repo := cmd.String("repository", "", "Repository name or id (REQUIRED)")
	rem := cmd.String("remote", "", "Remote name or id (REQUIRED)")
	mirror := cmd.Bool("mirror", true, "Remove content the remote no longer lists")
	wait := cmd.Bool("wait", true, "Wait for the task to finish")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *repo == "" || *rem == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --repository and --remote are required")
		return 2
	}
	return withBackend(*server, stdout, stderr, func(ctx context.Context, b backend) (any, error) {
		task, err := b.Sync(ctx, *repo, *rem, *mirror)
		if err != nil {
			return nil, err
		}
		return settle(ctx, b, task, *wait)
	})
}

// runPublishCmd implements `shelter publish`.
func runPublishCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("publish", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	server := serverFlag(cmd)
	repo := cmd.String("repository", "", "Repository name or id (REQUIRED)")
	version := cmd.Int("version", -1, "Version number; -1 publishes the latest")
	wait := cmd.Bool("wait", true, "Wait for the task to finish")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *repo == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --repository is required")
		return 2
	}
	return withBackend(*server, stdout, stderr, func(ctx context.Context, b backend) (any, error) {
		task, err := b.Publish(ctx, *repo, *version)
		if err != nil {
			return nil, err
		}
		return settle(ctx, b, task, *wait)
	})
}

// settle waits for task when asked to, or always for a local backend whose
// tasks would be canceled on exit. A task that did not complete is an error.
func settle(ctx context.Context, b backend, task *tasking.Task, wait bool) (*tasking.Task, error) {
	if !wait && !b.Local() {
		return task, nil
	}
	done, err := b.WaitTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if done.State != tasking.StateCompleted {
		return done, fmt.Errorf("task %s %s: %s", done.ID, done.State, done.Error)
	}
	return done, nil
}

// runVersionsCmd implements `shelter versions`.
func runVersionsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("versions", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	server := serverFlag(cmd)
	repo := cmd.String("repository", "", "Repository name or id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *repo == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --repository is required")
		return 2
	}
	return withBackend(*server, stdout, stderr, func(ctx context.Context, b backend) (any, error) {
		return b.Versions(ctx, *repo)
	})
}

// runContentCmd implements `shelter content`.
func runContentCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("content", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	server := serverFlag(cmd)
	var q client.ContentQuery
	cmd.StringVar(&q.Species, "species", "", "Filter by species")
	cmd.StringVar(&q.Breed, "breed", "", "Filter by breed")
	cmd.StringVar(&q.Shelter, "shelter", "", "Filter by shelter")
	cmd.StringVar(&q.Repository, "repository", "", "Restrict to a repository version")
	cmd.IntVar(&q.Version, "version", -1, "Version number with --repository; -1 is the latest")
	cmd.StringVar(&q.Where, "where", "", `CEL filter, e.g. 'age > 2 && !reserved'`)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	return withBackend(*server, stdout, stderr, func(ctx context.Context, b backend) (any, error) {
		return b.Content(ctx, q)
	})
}

// runTaskCmd implements `shelter task list|show|wait`.
func runTaskCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: shelter task <list|show|wait> [flags] [ID]")
		return 2
	}
	cmd := flag.NewFlagSet("task "+args[0], flag.ContinueOnError)
	cmd.SetOutput(stderr)
	server := serverFlag(cmd)
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	switch args[0] {
	case "list":
		return withBackend(*server, stdout, stderr, func(ctx context.Context, b backend) (any, error) {
			return b.Tasks(ctx)
		})
	case "show", "wait":
		if cmd.NArg() != 1 {
			_, _ = fmt.Fprintf(stderr, "Usage: shelter task %s [--server URL] ID\n", args[0])
			return 2
		}
		return withBackend(*server, stdout, stderr, func(ctx context.Context, b backend) (any, error) {
			if args[0] == "wait" {
				return b.WaitTask(ctx, cmd.Arg(0))
			}
			return b.Task(ctx, cmd.Arg(0))
		})
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown task subcommand: %s\n", args[0])
		return 2
	}
}

// runVersionCmd implements `shelter version`. With --server it also checks
// that the server is compatible.
func runVersionCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("version", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	server := cmd.String("server", "", "Also check compatibility with this server")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	info := map[string]any{"client": versioning.CurrentInfo()}
	code := 0
	if *server != "" {
		c := newClient(*server)
		ctx := context.Background()
		if srv, err := c.Version(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			code = 1
		} else {
			info["server"] = srv
			if err := c.CheckServer(ctx); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				code = 1
			}
		}
	}
	_ = writeJSON(stdout, info)
	return code
}

// runTokenCmd implements `shelter token`, signing a bearer token with the
// configured API_JWT_SECRET.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	subject := cmd.String("subject", "", "Token subject (REQUIRED)")
	ttl := cmd.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject is required")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.APIJWTSecret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: API_JWT_SECRET is not configured")
		return 1
	}
	token, err := api.IssueToken(cfg.APIJWTSecret, *subject, *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
