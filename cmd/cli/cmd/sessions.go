package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/podgate/podgate/internal/orchestrator"
	"github.com/podgate/podgate/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"s"},
	Short:   "Inspect and evict session records",
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all session records",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := session.NewStore(redisAddr, redisPassword)
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ids, err := store.ScanSessions(ctx)
		if err != nil {
			return fmt.Errorf("failed to scan sessions: %w", err)
		}
		if len(ids) == 0 {
			fmt.Println("No sessions found")
			return nil
		}

		now := time.Now().Unix()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tSTATUS\tADDR\tPOD\tIDLE")
		for _, id := range ids {
			rec, err := store.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to read session %s: %w", id, err)
			}
			if rec == nil {
				continue
			}
			idle := "-"
			if d := rec.Idle(now); d >= 0 {
				idle = (time.Duration(d) * time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, rec.Status, rec.Addr, session.PodName(id), idle)
		}
		return w.Flush()
	},
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get <user-id>",
	Short: "Show one session record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := session.NewStore(redisAddr, redisPassword)
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rec, err := store.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}
		if rec == nil {
			return fmt.Errorf("no session for %q", args[0])
		}

		out := map[string]any{
			"user_id":     args[0],
			"pod_name":    session.PodName(args[0]),
			"status":      rec.Status,
			"addr":        rec.Addr,
			"last_active": rec.LastActive,
			"created_at":  rec.CreatedAt,
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

var sessionsEvictCmd = &cobra.Command{
	Use:   "evict <user-id>",
	Short: "Delete a session's pod and record",
	Long: `Delete the session pod and then the session record, the same order the
reaper uses. The next request from the user provisions a fresh pod.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := session.NewStore(redisAddr, redisPassword)
		defer store.Close()

		orch, err := orchestrator.New(namespace, "", 0)
		if err != nil {
			return fmt.Errorf("failed to build kubernetes client: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		userID := args[0]
		podName := session.PodName(userID)

		if err := orch.Delete(ctx, podName); err != nil {
			return fmt.Errorf("failed to delete pod %s: %w", podName, err)
		}
		if err := store.Delete(ctx, userID); err != nil {
			return fmt.Errorf("pod deleted but record removal failed: %w", err)
		}

		fmt.Printf("✓ Session evicted: %s (pod %s)\n", userID, podName)
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsGetCmd)
	sessionsCmd.AddCommand(sessionsEvictCmd)
	rootCmd.AddCommand(sessionsCmd)
}
