// efimeral
//
// On-demand sandbox boxes with a hard lifetime. Launch a box, get a URL;
// the box is reclaimed when you stop it or when its time runs out.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "efimeral",
	Short: "efimeral - on-demand sandbox boxes",
	Long: `efimeral launches short-lived sandbox boxes behind a public URL and
reclaims them when they are stopped or reach their maximum lifetime.

  efimeral serve                      Start the server
  efimeral launch --image debian      Launch a box
  efimeral list                       List boxes
  efimeral status <id>                Check a box
  efimeral stop <id>                  Stop a box
  efimeral events <id> --follow       Stream a box's lifecycle events
  efimeral config set KEY VALUE       Persist a setting`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("EFIMERAL_SERVER", "http://localhost:8090"), "efimeral server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
