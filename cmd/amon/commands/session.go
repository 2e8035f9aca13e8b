package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/amon-ai/amon/pkg/types"
)

var exportFormat string

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage stored sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: withSessions(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		if _, err := a.sessions.LoadAll(ctx); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMESSAGES\tUPDATED\tWORKSPACE")
		for _, s := range a.sessions.List() {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				s.ID, s.Name, s.MessageCount,
				time.UnixMilli(s.UpdatedAt).Format("2006-01-02 15:04"),
				s.WorkspacePath)
		}
		return w.Flush()
	}),
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session's conversation",
	Args:  cobra.ExactArgs(1),
	RunE: withSessions(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		s, err := a.sessions.EnsureLoaded(ctx, args[0])
		if err != nil {
			return err
		}
		printConversation(cmd.OutOrStdout(), s)
		return nil
	}),
}

var sessionExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Write a session document as JSON or YAML",
	Args:  cobra.ExactArgs(1),
	RunE: withSessions(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		s, err := a.sessions.EnsureLoaded(ctx, args[0])
		if err != nil {
			return err
		}
		return export(cmd.OutOrStdout(), s, exportFormat)
	}),
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: withSessions(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		ok, err := a.sessions.Delete(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("session %s not found", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	}),
}

var sessionRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a session",
	Args:  cobra.ExactArgs(2),
	RunE: withSessions(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		if _, err := a.sessions.EnsureLoaded(ctx, args[0]); err != nil {
			return err
		}
		return a.sessions.Rename(ctx, args[0], args[1])
	}),
}

func init() {
	sessionExportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format (json|yaml)")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionExportCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	sessionCmd.AddCommand(sessionRenameCmd)
}

// withSessions runs fn with a session registry and closes it afterwards.
func withSessions(fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		runErr := fn(ctx, cmd, a, args)

		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.close(closeCtx); err != nil && runErr == nil {
			runErr = err
		}
		return runErr
	}
}

func export(w io.Writer, s *types.Session, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case "yaml", "yml":
		// Round trip through JSON so YAML keys match the JSON document.
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unknown format %q (want json or yaml)", format)
	}
}

func printConversation(w io.Writer, s *types.Session) {
	fmt.Fprintf(w, "# %s\n", s.Name)
	if s.WorkspacePath != "" {
		fmt.Fprintf(w, "workspace: %s\n", s.WorkspacePath)
	}
	for i := range s.Messages {
		m := &s.Messages[i]
		fmt.Fprintf(w, "\n[%s] %s\n", m.Role, time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04:05"))
		for _, b := range m.ContentBlocks {
			if b.Permission != nil {
				fmt.Fprintf(w, "  (%s %s)\n", b.Permission.ToolName, b.Permission.Result)
			}
		}
		fmt.Fprintln(w, m.Text())
	}
}
