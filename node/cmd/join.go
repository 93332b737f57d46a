package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/relay"
)

var (
	joinUserFlag        string
	joinMessageFlag     string
	joinMessageTypeFlag string
)

var joinCmd = &cobra.Command{
	Use:   "join <target>",
	Short: "Join a game session",
	Long:  `Join a game session hosted at a relay host such as alice.relay:7777 or at an IP address`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		parsed, err := relay.ParseTarget(target, cfg.RelayDomain, cfg.Port)
		if err != nil {
			return err
		}
		if joinMessageFlag != "" && !parsed.Relay {
			return fmt.Errorf("--message needs a relay target, got %q", target)
		}

		n, err := newNode()
		if err != nil {
			return err
		}
		if joinUserFlag != "" {
			if err := n.Login(0, relay.Identity(joinUserFlag)); err != nil {
				_ = n.Close()
				return err
			}
		}
		if err := n.Join(cmd.Context(), target); err != nil {
			_ = n.Close()
			return err
		}

		if joinMessageFlag != "" {
			receiver := parsed.Identity
			err := n.SendMessage(relay.Identity(joinUserFlag), receiver, joinMessageTypeFlag, joinMessageFlag, func(ok bool) {
				logger.Info("Message delivery finished",
					logging.Stringer("receiver", receiver),
					logging.Bool("acknowledged", ok))
			})
			if err != nil {
				_ = n.Close()
				return err
			}
		}

		cmd.Printf("Joining %s\n", target)
		return runUntilSignal(cmd.Context(), n)
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)
	joinCmd.Flags().StringVarP(&joinUserFlag, "user", "u", "", "Identity of the local user joining the session")
	joinCmd.Flags().StringVarP(&joinMessageFlag, "message", "m", "", "Send one reliable message to the host after joining")
	joinCmd.Flags().StringVar(&joinMessageTypeFlag, "message-type", "chat", "Type of the message sent with --message")
}
