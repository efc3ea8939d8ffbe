// Meshbridge - MeshCore repeater to MQTT gateway
//
// Bridges a MeshCore repeater attached over USB serial to one or more MQTT
// brokers: packet telemetry and status flow out, signed remote commands flow
// in. Designed to run unattended under a service supervisor; unrecoverable
// broker failure exits non-zero so the supervisor restarts the process.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshcore-net/meshbridge/pkg/bridge"
	"github.com/meshcore-net/meshbridge/pkg/config"
	"github.com/meshcore-net/meshbridge/pkg/util"
	"github.com/meshcore-net/meshbridge/pkg/version"
)

var (
	debugMode   bool
	configPaths []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "meshbridge",
	Short:             "MeshCore repeater to MQTT gateway",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Meshbridge connects a MeshCore repeater on a serial port to MQTT.

Packet traces, status, and debug output are published to templated topics;
allowlisted companions can execute signed remote commands over the broker.

With no --config flags, configuration is read from ` + config.DefaultBasePath + `
plus any ` + config.DefaultDropInDir + `/*.yaml overlays.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPaths)
		if err != nil {
			return err
		}

		if debugMode {
			util.SetLogLevel("debug")
		} else if cfg.General.LogLevel != "" {
			util.SetLogLevel(cfg.General.LogLevel)
		}

		util.Infof("meshbridge %s starting", version.Info())
		cfg.LogSummary()

		b := bridge.New(cfg, debugMode)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			util.Infof("Received signal %v, shutting down...", sig)
			b.Stop()
		}()

		return b.Run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Info())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output (also forwards firmware DEBUG lines)")
	rootCmd.PersistentFlags().StringArrayVar(&configPaths, "config", nil, "Config file path (repeatable; later files override earlier ones)")
	rootCmd.AddCommand(versionCmd)
}
