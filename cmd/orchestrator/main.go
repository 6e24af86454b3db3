// Command orchestrator is the operator CLI for the Agent Orchestration
// Core: it drives the Session Manager, Dispatch Daemon and External API
// either as a long-running server (`serve`) or as a thin HTTP client
// against one already running (`agent`, `dispatch poll-now`).
package main

func main() {
	Execute()
}
