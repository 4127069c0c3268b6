package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jxucoder/efimeral/pkg/model"
)

var (
	launchImage  string
	listAll      bool
	eventsFollow bool
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a box",
	Long: `Launch a box from the configured task template and print its URL.

The box is reclaimed automatically when its maximum lifetime runs out.`,
	Args: cobra.NoArgs,
	RunE: runLaunch,
}

var stopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a box",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a box's status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List boxes",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var eventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Show a box's lifecycle events",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func init() {
	launchCmd.Flags().StringVarP(&launchImage, "image", "i", "", "image tag to launch (default: configured tag)")
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "include terminated boxes")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "keep streaming until the box is reclaimed")

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(eventsCmd)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	res, err := newAPIClient(serverURL).launch(cmd.Context(), launchImage)
	if err != nil {
		return fmt.Errorf("launching box: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Box %s launched\n", res.LeaseID)
	fmt.Fprintf(out, "  URL:      %s\n", res.URL)
	fmt.Fprintf(out, "  Target:   %s\n", res.RouteTarget)
	fmt.Fprintf(out, "  Deadline: %s\n", res.Deadline.Local().Format(time.RFC3339))
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	res, err := newAPIClient(serverURL).stop(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("stopping box: %w", err)
	}
	if res.Result == model.AlreadyReclaimed.String() {
		fmt.Fprintf(cmd.OutOrStdout(), "Box %s was already reclaimed\n", args[0])
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Box %s stopped\n", args[0])
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := newAPIClient(serverURL).status(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("fetching status: %w", err)
	}
	printSummary(cmd.OutOrStdout(), *s, time.Now())
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	leases, err := newAPIClient(serverURL).list(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing boxes: %w", err)
	}
	return printList(cmd.OutOrStdout(), leases, listAll, time.Now())
}

func runEvents(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	return newAPIClient(serverURL).events(cmd.Context(), args[0], eventsFollow, func(e *model.Event) {
		fmt.Fprintf(out, "%s  %-10s %s\n", e.CreatedAt.Local().Format("15:04:05"), e.Type, e.Data)
	})
}

func printSummary(w io.Writer, s model.LeaseSummary, now time.Time) {
	fmt.Fprintf(w, "Box:       %s\n", s.LeaseID)
	fmt.Fprintf(w, "State:     %s\n", s.State)
	fmt.Fprintf(w, "Image:     %s\n", s.Image)
	if s.URL != "" {
		fmt.Fprintf(w, "URL:       %s\n", s.URL)
	}
	if s.TaskID != "" {
		fmt.Fprintf(w, "Task:      %s\n", s.TaskID)
	}
	fmt.Fprintf(w, "Created:   %s\n", s.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Deadline:  %s\n", s.Deadline.Local().Format(time.RFC3339))
	if s.State.Terminal() {
		fmt.Fprintf(w, "Ended:     %s (%s)\n", s.TerminatedAt.Local().Format(time.RFC3339), s.Reason)
	} else {
		fmt.Fprintf(w, "Remaining: %s\n", s.Remaining(now).Truncate(time.Second))
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", s.Error)
	}
}

func printList(w io.Writer, leases []model.LeaseSummary, all bool, now time.Time) error {
	var shown []model.LeaseSummary
	for _, s := range leases {
		if all || !s.State.Terminal() {
			shown = append(shown, s)
		}
	}
	if len(shown) == 0 {
		fmt.Fprintln(w, "No boxes found. Launch one with: efimeral launch")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tIMAGE\tREMAINING\tURL")
	fmt.Fprintln(tw, "--\t-----\t-----\t---------\t---")
	for _, s := range shown {
		remaining := "-"
		if !s.State.Terminal() {
			remaining = s.Remaining(now).Truncate(time.Second).String()
		}
		url := s.URL
		if s.State.Terminal() {
			url = string(s.Reason)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.LeaseID, s.State, s.Image, remaining, url)
	}
	return tw.Flush()
}
