package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/craftloghq/connect/internal/pkg/cache"
	"github.com/craftloghq/connect/internal/pkg/connect"
	"github.com/craftloghq/connect/internal/pkg/database"
	"github.com/craftloghq/connect/internal/pkg/env"
	"github.com/craftloghq/connect/internal/pkg/metrics/counter"
)

// connectctl exercises every path of the token lifecycle core without a
// browser. It talks to the same Service contract as the HTTP surface; there
// is no private backdoor into internals.

var svc *connect.Service

var rootCmd = &cobra.Command{
	Use:          "connectctl",
	Short:        "Operational tooling for third-party tool connections",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		env.SetupEnvFile()
		database.SetupDatabase()
		cache.SetupCache()
		var err error
		svc, err = connect.NewFromEnv()
		return err
	},
}

func parseUser(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid user id %q", arg)
	}
	return uint(id), nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status <user>",
	Short: "Show connection status for every provider of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUser(args[0])
		if err != nil {
			return err
		}
		infos, err := svc.Connections(cmd.Context(), userID)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("no active connections")
			return nil
		}
		return printJSON(infos)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <user> <provider>",
	Short: "Show token metadata for one connection (never the secret)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUser(args[0])
		if err != nil {
			return err
		}
		info, err := svc.Inspect(cmd.Context(), userID, args[1])
		if err != nil {
			return err
		}
		if err := printJSON(info); err != nil {
			return err
		}
		if stats, err := counter.GetRefreshStats(args[1]); err == nil {
			fmt.Printf("refresh outcomes for %s: success=%d transient=%d permanent=%d\n",
				args[1], stats.Success, stats.Transient, stats.Permanent)
		}
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <user> <provider>",
	Short: "Force a token refresh even when not expired",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUser(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		if _, err := svc.ForceRefresh(ctx, userID, args[1]); err != nil {
			return err
		}
		fmt.Printf("refreshed %s for user %d\n", args[1], userID)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <user>",
	Short: "Validate every connection of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUser(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()
		statuses, err := svc.ValidateAll(ctx, userID)
		if err != nil {
			return err
		}
		return printJSON(statuses)
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <user> <provider>",
	Short: "Revoke (best-effort) and deactivate a connection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUser(args[0])
		if err != nil {
			return err
		}
		if err := svc.Disconnect(cmd.Context(), userID, args[1]); err != nil {
			return err
		}
		fmt.Printf("disconnected %s for user %d (revocation attempted, record kept inactive)\n", args[1], userID)
		return nil
	},
}

var breakTokenCmd = &cobra.Command{
	Use:   "break-token <user> <provider>",
	Short: "Corrupt the stored refresh token, observe the failure path, then restore it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUser(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		result, err := svc.SimulateRefreshFailure(ctx, userID, args[1])
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

func main() {
	rootCmd.AddCommand(statusCmd, inspectCmd, refreshCmd, validateCmd, disconnectCmd, breakTokenCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
