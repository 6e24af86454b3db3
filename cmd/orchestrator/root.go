package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/elemental-run/agentcore/internal/orcherr"
)

// Exit codes per the External API contract: 0 success, 1 general error,
// 2 invalid arguments, 3 not found, 4 validation.
const (
	exitOK         = 0
	exitGeneral    = 1
	exitInvalidArg = 2
	exitNotFound   = 3
	exitValidation = 4
)

var apiAddr string

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Agent Orchestration Core operator CLI",
	Long: `orchestrator drives the Agent Orchestration Core: spawn, resume, and
message agent sessions, trigger the dispatch loop, and run the core itself
as a long-lived server fronting the Session Manager and Dispatch Daemon
over HTTP, SSE, and WebSocket.

With no subcommand, equivalent to "orchestrator serve".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// Execute runs the root command, translating errors into the External
// API's exit-code contract.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(exitForError(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080", "address of a running orchestrator serve instance")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(serveCmd)
}

// exitForError maps an orcherr.Kind (from a direct, in-process call) to
// this CLI's exit-code contract. HTTP-client commands use
// exitForHTTPStatus instead, since they only see a response status, not a
// Kind.
func exitForError(err error) int {
	if se, ok := err.(*httpStatusError); ok {
		return exitForHTTPStatus(se.status)
	}
	if _, ok := err.(*cliArgError); ok {
		return exitInvalidArg
	}
	switch orcherr.Of(err) {
	case orcherr.NotFound:
		return exitNotFound
	case orcherr.ParseFailure:
		return exitValidation
	default:
		return exitGeneral
	}
}

// exitForHTTPStatus maps a response status from the External API to this
// CLI's exit-code contract, mirroring respondErr's Kind-to-status mapping
// in reverse.
func exitForHTTPStatus(status int) int {
	switch status {
	case http.StatusNotFound:
		return exitNotFound
	case http.StatusBadRequest:
		return exitValidation
	case http.StatusOK:
		return exitOK
	default:
		return exitGeneral
	}
}

// cliArgError marks a usage-level mistake (bad flag value, missing
// required argument) distinctly from a request that reached the core and
// was rejected — so Execute can exit 2 rather than 1.
type cliArgError struct{ msg string }

func (e *cliArgError) Error() string { return e.msg }

func argError(format string, args ...any) error {
	return &cliArgError{msg: fmt.Sprintf(format, args...)}
}
