package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/elemental-run/agentcore/pkg/models"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start, stop, resume, and message agent sessions",
}

var (
	agentRole       string
	agentWorkerMode string
	agentMode       string
	agentProvider   string
	agentWorkDir    string
	agentModel      string
	agentPrompt     string
	agentGraceful   bool
)

func init() {
	startCmd := &cobra.Command{
		Use:   "start <agent-id>",
		Short: "Start a fresh session for an agent",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentStart(false),
	}
	resumeCmd := &cobra.Command{
		Use:   "resume <agent-id>",
		Short: "Resume the most recent prior session for an agent, starting fresh if none exists",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentStart(true),
	}
	stopCmd := &cobra.Command{
		Use:   "stop <agent-id>",
		Short: "Stop an agent's active session",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentStop,
	}
	sendCmd := &cobra.Command{
		Use:   "send <agent-id>",
		Short: "Send a message to an agent's active session",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentSend,
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List known agent sessions",
		Args:  cobra.NoArgs,
		RunE:  runAgentList,
	}

	for _, c := range []*cobra.Command{startCmd, resumeCmd} {
		c.Flags().StringVar(&agentRole, "role", "worker", "agent_role: director, worker, or steward")
		c.Flags().StringVar(&agentWorkerMode, "worker-mode", "", "worker_mode: ephemeral or persistent (worker role only)")
		c.Flags().StringVar(&agentMode, "mode", "headless", "session mode: headless or interactive")
		c.Flags().StringVar(&agentProvider, "provider", "claude", "provider CLI to spawn")
		c.Flags().StringVar(&agentWorkDir, "work-dir", "", "working directory for the spawned process")
		c.Flags().StringVar(&agentModel, "model", "", "model name to pass to the provider")
		c.Flags().StringVar(&agentPrompt, "prompt", "", "initial prompt (start only; ignored by resume)")
	}
	stopCmd.Flags().BoolVar(&agentGraceful, "graceful", true, "signal the process and wait before force-killing")
	sendCmd.Flags().StringVar(&agentPrompt, "content", "", "message content to send")

	agentCmd.AddCommand(startCmd, resumeCmd, stopCmd, sendCmd, listCmd)
}

func runAgentStart(resume bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		agentID := args[0]
		if !models.AgentRole(agentRole).Valid() {
			return argError("invalid --role %q", agentRole)
		}
		body := map[string]any{
			"role":           agentRole,
			"worker_mode":    agentWorkerMode,
			"mode":           agentMode,
			"provider":       agentProvider,
			"work_dir":       agentWorkDir,
			"model":          agentModel,
			"initial_prompt": agentPrompt,
			"resume":         resume,
		}
		out, err := apiPost("/agents/"+agentID+"/start", body)
		if err != nil {
			return err
		}
		var data struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(out.Data, &data); err != nil {
			return fmt.Errorf("decode start response: %w", err)
		}
		fmt.Println(data.SessionID)
		return nil
	}
}

func runAgentStop(cmd *cobra.Command, args []string) error {
	agentID := args[0]
	_, err := apiPost("/agents/"+agentID+"/stop", map[string]any{"graceful": agentGraceful})
	if err != nil {
		return err
	}
	fmt.Println("stopped")
	return nil
}

func runAgentSend(cmd *cobra.Command, args []string) error {
	agentID := args[0]
	if agentPrompt == "" {
		return argError("--content is required")
	}
	_, err := apiPost("/agents/"+agentID+"/message", map[string]any{"content": agentPrompt})
	if err != nil {
		return err
	}
	fmt.Println("sent")
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	out, err := apiGet("/agents")
	if err != nil {
		return err
	}
	var sessions []models.Session
	if err := json.Unmarshal(out.Data, &sessions); err != nil {
		return fmt.Errorf("decode list response: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  agent=%s role=%s status=%s provider=%s\n", s.ID, s.AgentID, s.Role, s.Status, s.Provider)
	}
	return nil
}
