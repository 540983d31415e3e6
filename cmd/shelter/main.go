// Command shelter runs the shelter server and drives it from the command
// line, either against a running server (--server) or directly against the
// configured database.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "repo", "repository":
		return runRepoCmd(args[2:], stdout, stderr)
	case "remote":
		return runRemoteCmd(args[2:], stdout, stderr)
	case "sync":
		return runSyncCmd(args[2:], stdout, stderr)
	case "publish":
		return runPublishCmd(args[2:], stdout, stderr)
	case "versions":
		return runVersionsCmd(args[2:], stdout, stderr)
	case "content":
		return runContentCmd(args[2:], stdout, stderr)
	case "task", "tasks":
		return runTaskCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version":
		return runVersionCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sPulp Shelter%s\n", ColorBold+ColorBlue, ColorReset)
	_, _ = fmt.Fprintf(w, "%sSync, version and publish animal shelter manifests.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  shelter <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the HTTP API and content server")

	printSection(w, "REPOSITORIES")
	printCommand(w, "repo", "Create or list repositories (create|list)")
	printCommand(w, "remote", "Create or list remotes (create|list)")
	printCommand(w, "versions", "List the versions of a repository")
	printCommand(w, "content", "Query content (--species, --repository, --where)")

	printSection(w, "TASKS")
	printCommand(w, "sync", "Sync a repository from a remote")
	printCommand(w, "publish", "Publish a repository version")
	printCommand(w, "task", "Inspect tasks (list|show|wait)")

	printSection(w, "UTILITIES")
	printCommand(w, "token", "Issue an API bearer token (needs API_JWT_SECRET)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Every command but serve accepts --server URL to talk to a running server.")
	_, _ = fmt.Fprintln(w, "Set SHELTER_TOKEN when that server requires authentication.")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
