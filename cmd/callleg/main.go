package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig          string
	flagServer          string
	flagName            string
	flagAudioOnly       bool
	flagSimulateQuality bool
	flagTrickle         bool
	flagNoCamera        bool
	flagNoMicrophone    bool
	flagDenyPermission  bool
	flagLogLevel        string
)

var rootCmd = &cobra.Command{
	Use:   "callleg",
	Short: "Headless participant for consultnet video consultations",
	Long: `callleg joins a consultnet consultation as one of its two participants.
It negotiates a WebRTC session through the signaling server, relays chat
typed on stdin and reports call state and connection quality.

While in a call:
  /end     leave the consultation
  /mute    toggle the microphone
  /video   toggle the camera
  anything else is sent as a chat message`,
}

var hostCmd = &cobra.Command{
	Use:   "host <room-id>",
	Short: "Open a consultation room and wait for the other participant",
	Example: `  callleg host apt-42 --name "Dr. Reyes"
  callleg host apt-42 --audio-only --simulate-quality`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(cmd, args[0], true)
	},
}

var joinCmd = &cobra.Command{
	Use:     "join <room-id>",
	Short:   "Join a consultation room opened by the other participant",
	Example: `  callleg join apt-42 --name Sam`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(cmd, args[0], false)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "configs/config.yaml", "configuration file")
	pf.StringVarP(&flagServer, "server", "s", "", "signaling server websocket URL (overrides call.server_url)")
	pf.StringVarP(&flagName, "name", "n", "", "display name shown to the other participant")
	pf.BoolVar(&flagAudioOnly, "audio-only", false, "do not send video")
	pf.BoolVar(&flagSimulateQuality, "simulate-quality", false, "report simulated connection quality instead of transport statistics")
	pf.BoolVar(&flagTrickle, "trickle", false, "send ICE candidates as they are gathered")
	pf.BoolVar(&flagNoCamera, "no-camera", false, "behave as if no camera is attached")
	pf.BoolVar(&flagNoMicrophone, "no-microphone", false, "behave as if no microphone is attached")
	pf.BoolVar(&flagDenyPermission, "deny-permission", false, "behave as if media permission was refused")
	pf.StringVar(&flagLogLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(hostCmd, joinCmd)
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
