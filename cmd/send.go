package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"argus/bootstrap"
	"argus/config"
	"argus/core"
	"argus/ingest"

	"github.com/spf13/cobra"
)

type sendOptions struct {
	socket  string
	host    string
	program string
	domain  string
	control bool
}

func newSendCmd() *cobra.Command {
	opts := &sendOptions{}
	sendCmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send messages to a running daemon",
		Long: `Send a message to the daemon's input socket the way a scanner does. Without
a message argument every line of standard input is sent.`,
		Example: `  argus send --program sshd 'Failed password for root from 10.0.0.1'
  tail -F /var/log/auth.log | argus send --program sshd`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.socket == "" {
				cfg, err := config.LoadConfig(configFile)
				if err != nil {
					return err
				}
				opts.socket = cfg.Input.SocketPath
			}
			if opts.host == "" {
				opts.host, _ = os.Hostname()
			}

			if len(args) > 0 {
				if err := opts.send(strings.Join(args, " ")); err != nil {
					return err
				}
				successColor.Fprintln(cmd.OutOrStdout(), "sent 1 message")
				return nil
			}

			_, sugar, err := bootstrap.InitLogger("error", "console")
			if err != nil {
				return err
			}
			reader := ingest.NewLineReader(cmd.InOrStdin(), sugar)
			sent := 0
			for {
				se, err := reader.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				if err := opts.send(se.Message); err != nil {
					return fmt.Errorf("sent %d message(s): %w", sent, err)
				}
				sent++
			}
			successColor.Fprintf(cmd.OutOrStdout(), "sent %d message(s)\n", sent)
			return nil
		},
	}
	sendCmd.Flags().StringVarP(&opts.socket, "socket", "s", "", "Input socket (default: input.socket_path)")
	sendCmd.Flags().StringVar(&opts.host, "host", "", "Hostname to report (default: this host)")
	sendCmd.Flags().StringVar(&opts.program, "program", "argus-send", "Source program to report")
	sendCmd.Flags().StringVar(&opts.domain, "domain", "cli", "Source domain to report")
	sendCmd.Flags().BoolVar(&opts.control, "control", false, "Mark the messages as control messages")
	return sendCmd
}

func (o *sendOptions) send(msg string) error {
	now := time.Now()
	return ingest.Send(o.socket, &core.SourceEvent{
		Hostname:       o.host,
		SourceProgram:  o.program,
		SourceDomain:   o.domain,
		Message:        msg,
		ControlMessage: o.control,
		TimeScanned:    now,
		TimeSend:       now,
	})
}
