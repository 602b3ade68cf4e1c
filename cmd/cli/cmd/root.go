package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	redisAddr     string
	redisPassword string
	namespace     string
)

var rootCmd = &cobra.Command{
	Use:   "podgatectl",
	Short: "podgatectl - Operate the session-pod control plane",
	Long: `podgatectl is the operator tool for the podgate control plane.

It talks directly to the state store and the cluster, so it works even when
the gateway itself is unhealthy. Use it to inspect session records and to
evict sessions whose pods need manual recovery.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", getEnvOrDefault("PODGATE_REDIS_ADDR", "redis-master:6379"), "State store address")
	rootCmd.PersistentFlags().StringVar(&redisPassword, "redis-password", os.Getenv("PODGATE_REDIS_PASSWORD"), "State store password")
	rootCmd.PersistentFlags().StringVar(&namespace, "namespace", getEnvOrDefault("PODGATE_NAMESPACE", "default"), "Kubernetes namespace for session pods")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
