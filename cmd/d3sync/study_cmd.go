package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	d3 "github.com/jsnika87/d3-pwa"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	studyUser string
	studyJSON bool

	completeUndo bool
	passageBible int
)

func init() {
	for _, c := range []*cobra.Command{respondCmd, completeCmd, groupCmd, groupsCmd} {
		c.Flags().StringVar(&studyUser, "user", "", "User id (defaults to auth.user_id)")
	}
	for _, c := range []*cobra.Command{passageCmd, groupCmd, groupsCmd} {
		c.Flags().BoolVar(&studyJSON, "json", false, "Output raw JSON")
	}
	completeCmd.Flags().BoolVar(&completeUndo, "undo", false, "Clear the completion mark instead")
	passageCmd.Flags().IntVar(&passageBible, "bible", 0, "Bible version id (defaults to default.bible_id)")

	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(passageCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(groupsCmd)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func parseWeek(s string) (int, error) {
	week, err := strconv.Atoi(s)
	if err != nil || week < 1 {
		return 0, fmt.Errorf("invalid week %q", s)
	}
	return week, nil
}

// reportWrite prints whether a write reached the remote or is waiting in
// the queue.
func reportWrite(ctx context.Context, s *session, what string) error {
	n, err := s.engine.Queue().Len(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		fmt.Printf("%s: queued (%d pending). Run 'd3sync sync' when back online.\n", what, n)
		return nil
	}
	fmt.Printf("%s: applied.\n", what)
	return nil
}

// ============================================================================
// respond
// ============================================================================

var respondCmd = &cobra.Command{
	Use:   "respond <group-id> <week> <passage-key> <response-key> <text>",
	Short: "Save one answer",
	Long:  "Save an answer for a passage slot (p1..p5) and response slot (r1..r4). It is queued when the remote is unreachable.",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		week, err := parseWeek(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		user, err := userID(s.cfg, studyUser)
		if err != nil {
			return err
		}

		err = s.engine.SaveResponse(ctx, d3.ResponsePayload{
			GroupID:      args[0],
			UserID:       user,
			WeekNumber:   week,
			PassageKey:   args[2],
			ResponseKey:  args[3],
			ResponseText: args[4],
		})
		if err != nil {
			return fmt.Errorf("save answer: %w", err)
		}
		return reportWrite(ctx, s, "Answer")
	},
}

// ============================================================================
// complete
// ============================================================================

var completeCmd = &cobra.Command{
	Use:   "complete <group-id> <week>",
	Short: "Mark a study week complete",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		week, err := parseWeek(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		user, err := userID(s.cfg, studyUser)
		if err != nil {
			return err
		}

		k := d3.WeekKey{GroupID: args[0], UserID: user, WeekNumber: week}
		if completeUndo {
			if err := s.engine.ClearWeekComplete(ctx, k); err != nil {
				return fmt.Errorf("clear completion: %w", err)
			}
			return reportWrite(ctx, s, "Completion cleared")
		}
		if err := s.engine.MarkWeekComplete(ctx, k, time.Time{}); err != nil {
			return fmt.Errorf("mark complete: %w", err)
		}
		return reportWrite(ctx, s, "Completion")
	},
}

// ============================================================================
// passage
// ============================================================================

var passageCmd = &cobra.Command{
	Use:   "passage <ref>",
	Short: "Print a passage, from the network or the local cache",
	Long:  "Fetch scripture HTML for a reference such as JHN.3.16. When offline, a previously cached copy is served.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		bible := passageBible
		if bible == 0 {
			bible = bibleID(s.cfg)
		}
		p, err := s.engine.ReadPassage(ctx, bible, args[0])
		if err != nil {
			if errors.Is(err, d3.ErrNotAvailableOffline) {
				return fmt.Errorf("%s is not cached and the network is unreachable", args[0])
			}
			return err
		}
		if studyJSON {
			return printJSON(p)
		}
		fmt.Printf("%s (bible %d)\n\n%s\n", p.Reference, p.BibleID, p.HTML)
		return nil
	},
}

// ============================================================================
// group / groups
// ============================================================================

var groupCmd = &cobra.Command{
	Use:   "group <group-id>",
	Short: "Show your role in a group and its current week",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		user, err := userID(s.cfg, studyUser)
		if err != nil {
			return err
		}

		gc, err := s.engine.ReadGroupContext(ctx, args[0], user)
		if err != nil {
			if errors.Is(err, d3.ErrNotFound) {
				return fmt.Errorf("user %s is not a member of group %s", user, args[0])
			}
			return err
		}
		if studyJSON {
			return printJSON(gc)
		}
		fmt.Printf("Group:    %s (%s)\n", valueOrDefault(gc.Group.Name, "(unnamed)"), gc.GroupID)
		fmt.Printf("Role:     %s\n", gc.Role)
		fmt.Printf("Starts:   %s\n", valueOrDefault(gc.Group.StartDate, "(not set)"))
		fmt.Printf("Timezone: %s\n", valueOrDefault(gc.Group.Timezone, "UTC"))
		if gc.Group.StartDate != "" {
			if week, err := d3.CurrentWeek(gc.Group.StartDate, gc.Group.Timezone, time.Now()); err == nil {
				fmt.Printf("Week:     %d\n", week)
			}
		}
		return nil
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List the groups you belong to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		user, err := userID(s.cfg, studyUser)
		if err != nil {
			return err
		}

		ms, err := s.engine.ReadMemberships(ctx, user)
		if err != nil {
			return err
		}
		if studyJSON {
			return printJSON(ms)
		}
		if len(ms.Items) == 0 {
			fmt.Println("No groups.")
			return nil
		}
		for _, m := range ms.Items {
			fmt.Printf("%-38s %-8s %s\n", m.GroupID, m.Role, m.Group.Name)
		}
		return nil
	},
}
