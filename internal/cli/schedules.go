package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"timerquiz/internal/app"
	"timerquiz/internal/config"
	"timerquiz/internal/planner"
	"timerquiz/internal/storage"
	logx "timerquiz/pkg/logx"
)

const cliTimeLayout = "2006-01-02 15:04 MST"

func withOffline(ctx context.Context, cfgPath string, fn func(o *app.Offline) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o, err := app.OpenOffline(ctx, cfgPath, logx.NewConsole("WARN"))
	if err != nil {
		return err
	}
	defer o.Close()
	return fn(o)
}

// NewAddCmd plans a quiz without a running bot. The bot arms it on its
// next reconcile sweep.
func NewAddCmd(configPath *string) *cobra.Command {
	var (
		timer int
		chat  int64
		owner int64
	)
	cmd := &cobra.Command{
		Use:   "add <ref> <DD-MM-YYYY> <HH:MM>",
		Short: "Schedule a quiz",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(cmd.Context(), *configPath, func(o *app.Offline) error {
				at, err := planner.ParseWhen(args[1], args[2], o.Location())
				if err != nil {
					return err
				}
				s, err := o.Add(cmd.Context(), planner.AddRequest{
					ContentRef: args[0], Owner: owner, Target: o.Target(chat), At: at, TimerSeconds: timer,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scheduled %s for %s\n", s.ID, s.ScheduledAt.In(o.Location()).Format(cliTimeLayout))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&timer, "timer", planner.DefaultTimerSeconds, "seconds per question")
	cmd.Flags().Int64Var(&chat, "chat", 0, "target chat id (default delivery.target_chat_id)")
	cmd.Flags().Int64Var(&owner, "owner", 0, "owner user id, notified on failure")
	return cmd
}

func NewListCmd(configPath *string) *cobra.Command {
	var owner int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending schedules and active sequences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(cmd.Context(), *configPath, func(o *app.Offline) error {
				scheds, err := o.List(cmd.Context(), owner)
				if err != nil {
					return err
				}
				seqs, err := o.ListSequences(cmd.Context(), owner)
				if err != nil {
					return err
				}
				writeSchedules(cmd.OutOrStdout(), scheds, seqs, o.Location())
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "only this owner (0 = everyone)")
	return cmd
}

func NewCancelCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Remove a pending schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(cmd.Context(), *configPath, func(o *app.Offline) error {
				if err := o.Cancel(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
				return nil
			})
		},
	}
}

func NewDeadLettersCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Show deliveries that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(cmd.Context(), *configPath, func(o *app.Offline) error {
				list, err := o.DeadLetters(cmd.Context(), limit)
				if err != nil {
					return err
				}
				writeDeadLetters(cmd.OutOrStdout(), list, o.Location())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

// NewCheckCmd validates a config file without starting anything.
func NewCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.NewConfigManager(*configPath).Load(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	}
}

func writeSchedules(w io.Writer, scheds []storage.Schedule, seqs []storage.Sequence, loc *time.Location) {
	if len(scheds) == 0 && len(seqs) == 0 {
		fmt.Fprintln(w, "nothing scheduled")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tWHEN\tCHAT\tDETAIL")
	for _, s := range scheds {
		fmt.Fprintf(tw, "%s\tquiz\t%s\t%d\t%s (%ds)\n", s.ID, s.ScheduledAt.In(loc).Format(cliTimeLayout), s.TargetChatID, s.ContentRef, s.TimerSeconds)
	}
	for _, s := range seqs {
		refs := make([]string, 0, len(s.Quizzes))
		for _, q := range s.Quizzes {
			refs = append(refs, q.ContentRef)
		}
		fmt.Fprintf(tw, "%s\tsequence/%s\t%s\t%d\t%s: %s\n", s.ID, s.Status, s.ScheduledAt.In(loc).Format(cliTimeLayout), s.TargetChatID, s.Name, strings.Join(refs, ", "))
	}
	_ = tw.Flush()
}

func writeDeadLetters(w io.Writer, list []storage.DeadLetter, loc *time.Location) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no dead letters")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCHEDULE\tREF\tINTENDED\tATTEMPTS\tREASON")
	for _, d := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.ScheduleID, d.ContentRef, d.IntendedAt.In(loc).Format(cliTimeLayout), d.Attempts, d.Reason)
	}
	_ = tw.Flush()
}
