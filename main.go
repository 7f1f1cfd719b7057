package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pigeon/crypto"
	"pigeon/models"
	"pigeon/orchestrator"
)

type rootOptions struct {
	ConfigPath string
	Handle     string
	Verbose    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "pigeon",
		Short:         "Hybrid relay and replicated-log messaging client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default <data dir>/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Handle, "handle", "", "handle to run as (overrides config)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newRunCommand(opts),
		newSendCommand(opts),
		newConversationsCommand(opts),
		newLeaveCommand(opts),
		newIdentityCommand(opts),
	)
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a session and stream conversation updates until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.start(ctx); err != nil {
				return err
			}
			unsubscribe := a.orch.Subscribe(func(u orchestrator.Update) {
				if u.Typing != nil {
					a.logger.Debug("typing",
						zap.String("conversation", u.Typing.ConversationID),
						zap.String("handle", u.Typing.Handle),
						zap.Bool("typing", u.Typing.IsTyping),
					)
					return
				}
				unread := 0
				for _, conv := range u.Conversations {
					unread += conv.UnreadCount
				}
				a.logger.Info("conversations updated",
					zap.Int("conversations", len(u.Conversations)),
					zap.Int("unread", unread),
				)
			})
			defer unsubscribe()

			fmt.Fprintln(cmd.OutOrStdout(), "running (press Ctrl+C to stop)")
			<-ctx.Done()
			fmt.Fprintln(cmd.OutOrStdout(), "shutting down")
			return nil
		},
	}
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	var to string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send --to <handle> <text>",
		Short: "Send one direct message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := a.start(ctx); err != nil {
				return err
			}
			msg, err := a.orch.SendDirectMessage(ctx, to, models.Text(strings.Join(args, " ")))
			if msg.ID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", msg.ID, msg.SyncStatus)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient handle")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall send timeout")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newConversationsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List the local conversation index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			handle, err := a.handle()
			if err != nil {
				return err
			}
			a.store.SwitchUser(models.NormalizeHandle(handle))

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tUNREAD\tLAST MESSAGE")
			for _, conv := range a.store.Conversations() {
				name := conv.GroupName
				if name == "" {
					name = "@" + strings.Join(conv.ParticipantHandles(), ", @")
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", conv.ID, name, conv.UnreadCount, conv.LastMessagePreview)
			}
			return w.Flush()
		},
	}
}

func newLeaveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "leave <conversation-id>",
		Short: "Leave a conversation and stop it from coming back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := a.start(ctx); err != nil {
				return err
			}
			return a.orch.LeaveConversation(ctx, args[0])
		},
	}
}

func newIdentityCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the local identity fingerprints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Signing Key:     %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(a.identity.SigningPublicKey)))
			fmt.Fprintf(out, "Messaging Key:   %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(a.identity.MessagingPublicKey[:])))
			fmt.Fprintf(out, "Config File:     %s\n", a.cfgPath)
			fmt.Fprintf(out, "Data Directory:  %s\n", a.cfg.DataDir)
			return nil
		},
	}
}
