// The nexus command runs the game server backend and bundles the related
// operational tools.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hfrick/nexus/internal"
	"github.com/hfrick/nexus/internal/core"
)

var (
	ConfigFlag string

	LoginOnlyFlag bool
	ShardOnlyFlag bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nexus",
		Short: "Nexus game server backend and related tools",
		Run:   ServerCommand,
	}
	rootCmd.PersistentFlags().StringVarP(&ConfigFlag, "config", "c", "./", "Path to the directory containing the server config file")
	rootCmd.Flags().BoolVar(&LoginOnlyFlag, "login-only", false, "Run only the login server")
	rootCmd.Flags().BoolVar(&ShardOnlyFlag, "shard-only", false, "Run only the shard server")

	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountBanCmd)
	accountCmd.AddCommand(accountDeleteCmd)
	accountBanCmd.Flags().BoolVar(&UnbanFlag, "unban", false, "Lift the ban instead of setting it")
	accountDeleteCmd.Flags().BoolVar(&PermanentFlag, "permanent", false, "Permanently delete the account (as opposed to a soft delete)")
	rootCmd.AddCommand(accountCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
	}
}

func ServerCommand(cmd *cobra.Command, args []string) {
	config := core.LoadConfig(ConfigFlag)
	fmt.Println("using configuration file in:", ConfigFlag)

	// Change to the same directory as the config file so that any relative
	// paths in the config file will resolve.
	if err := os.Chdir(ConfigFlag); err != nil {
		fmt.Println("error changing to config directory:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Ctrl-C shuts the servers down gracefully; a second one kills.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Println("waiting to shut down gracefully...")
		cancel()
		<-signals
		fmt.Println("hard exiting (killed)")
		os.Exit(1)
	}()

	controller := &internal.Controller{
		Config: config,
		Run: internal.ServerSelection{
			Login: !ShardOnlyFlag,
			Shard: !LoginOnlyFlag,
		},
	}
	if err := controller.Start(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Println("shut down")
}
