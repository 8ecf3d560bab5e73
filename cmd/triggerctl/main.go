// Package main provides triggerctl, the command line client for the
// TriggerFlow API. All commands print the API response as indented JSON;
// status renders a short human summary instead.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"go.triggerflow.dev/internal/client"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "triggerctl"
)

// defaultManageScope matches the server's default manage_triggers_scope.
const defaultManageScope = "https://auth.globus.org/scopes/5292be17-96f0-4ab6-957a-ecd516a1759e/manage_triggers"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	url     string
	token   string
	scope   string
	timeout time.Duration
}

func (o *cliOptions) newClient() (*client.Client, error) {
	if o.token == "" {
		return nil, fmt.Errorf("no bearer token (set --token or TRIGGERFLOW_TOKEN)")
	}
	return client.New(client.Config{
		BaseURL:             o.url,
		ManageTriggersScope: o.scope,
		Tokens:              client.StaticTokens(o.token),
		Timeout:             o.timeout,
	}), nil
}

func rootCmd() *cobra.Command {
	opts := &cliOptions{}

	cmd := &cobra.Command{
		Use:   "triggerctl",
		Short: "TriggerFlow command line client",
		Long: `Triggerctl manages triggers on a TriggerFlow service.

A trigger binds a queue to an action provider: while enabled, the service
polls the queue, evaluates the event filter against each event and posts
the rendered event template to the action provider.

Authentication uses a static bearer token passed via --token or the
TRIGGERFLOW_TOKEN environment variable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.url, "url", envOr("TRIGGERFLOW_URL", client.DefaultBaseURL), "TriggerFlow service URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("TRIGGERFLOW_TOKEN"), "Bearer token")
	cmd.PersistentFlags().StringVar(&opts.scope, "scope", envOr("TRIGGERFLOW_SCOPE", defaultManageScope), "Scope tokens are requested under")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	cmd.AddCommand(
		createCmd(opts),
		getCmd(opts),
		listCmd(opts),
		enableCmd(opts),
		disableCmd(opts),
		deleteCmd(opts),
		eventCmd(opts),
		statusCmd(opts),
		versionCmd(),
	)

	return cmd
}

func createCmd(opts *cliOptions) *cobra.Command {
	var (
		queueID       string
		actionURL     string
		actionScope   string
		eventFilter   string
		eventTemplate string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a trigger",
		Long: `Create registers a new trigger. The trigger comes back PENDING;
run "triggerctl enable" to start polling its queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := parseJSONObject(eventTemplate)
			if err != nil {
				return fmt.Errorf("invalid --event-template: %w", err)
			}
			api, err := opts.newClient()
			if err != nil {
				return err
			}
			t, err := api.Create(cmd.Context(), client.CreateRequest{
				QueueID:       queueID,
				ActionURL:     actionURL,
				ActionScope:   actionScope,
				EventFilter:   eventFilter,
				EventTemplate: tmpl,
			})
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}

	cmd.Flags().StringVar(&queueID, "queue-id", "", "Queue to poll")
	cmd.Flags().StringVar(&actionURL, "action-url", "", "Action provider URL")
	cmd.Flags().StringVar(&actionScope, "action-scope", "", "Action provider scope (discovered from the provider when omitted)")
	cmd.Flags().StringVar(&eventFilter, "event-filter", "", "Filter expression evaluated against each event")
	cmd.Flags().StringVar(&eventTemplate, "event-template", "", "Action body template as JSON, or @file")
	_ = cmd.MarkFlagRequired("queue-id")
	_ = cmd.MarkFlagRequired("action-url")
	_ = cmd.MarkFlagRequired("event-filter")
	_ = cmd.MarkFlagRequired("event-template")

	return cmd
}

func getCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <trigger-id>",
		Short: "Show a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.newClient()
			if err != nil {
				return err
			}
			t, err := api.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

func listCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List triggers created by the caller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.newClient()
			if err != nil {
				return err
			}
			ts, err := api.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(ts)
		},
	}
}

func enableCmd(opts *cliOptions) *cobra.Command {
	var triggerScope string

	cmd := &cobra.Command{
		Use:   "enable <trigger-id>",
		Short: "Enable a trigger",
		Long: `Enable starts polling the trigger's queue. The call authenticates
under the trigger's own scope; when --trigger-scope is omitted the scope
is looked up from the trigger record first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.newClient()
			if err != nil {
				return err
			}
			t, err := api.Enable(cmd.Context(), args[0], triggerScope)
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}

	cmd.Flags().StringVar(&triggerScope, "trigger-scope", "", "Trigger composite scope (looked up when omitted)")

	return cmd
}

func disableCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <trigger-id>",
		Short: "Disable a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.newClient()
			if err != nil {
				return err
			}
			t, err := api.Disable(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

func deleteCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <trigger-id>",
		Short: "Delete a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.newClient()
			if err != nil {
				return err
			}
			t, err := api.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

func eventCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "event <trigger-id> <payload>",
		Short: "Send an event to an enabled trigger",
		Long:  `Event posts a JSON payload (inline or @file) to the trigger.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseJSONValue(args[1])
			if err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
			api, err := opts.newClient()
			if err != nil {
				return err
			}
			if err := api.Event(cmd.Context(), args[0], payload); err != nil {
				return err
			}
			fmt.Println("accepted")
			return nil
		},
	}
}

func statusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <trigger-id>",
		Short: "Show a short status summary for a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.newClient()
			if err != nil {
				return err
			}
			t, err := api.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Trigger:     %s\n", t.TriggerID)
			fmt.Printf("State:       %s\n", t.State)
			fmt.Printf("Queue:       %s\n", t.QueueID)
			fmt.Printf("Action URL:  %s\n", t.ActionURL)
			fmt.Printf("Events seen: %d\n", t.EventCount)
			if t.LastEvent != nil {
				fmt.Printf("Last event:  %s at %s\n", t.LastEvent.EventID, t.LastEvent.Timestamp)
			}
			if t.LastActionStatus != nil {
				fmt.Printf("Last action: %s (%s)\n", t.LastActionStatus.Status, t.LastActionStatus.ActionID)
			}
			if t.LastErrorActionStatus != nil {
				fmt.Printf("Last error:  %s (%s)\n", t.LastErrorActionStatus.Status, t.LastErrorActionStatus.ActionID)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseJSONObject parses an inline JSON object or, with a leading @, the
// contents of a file.
func parseJSONObject(arg string) (map[string]any, error) {
	data, err := jsonArgBytes(arg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	return m, nil
}

// parseJSONValue is parseJSONObject for arbitrary JSON values.
func parseJSONValue(arg string) (any, error) {
	data, err := jsonArgBytes(arg)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	return v, nil
}

func jsonArgBytes(arg string) ([]byte, error) {
	if strings.HasPrefix(arg, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		return data, nil
	}
	return []byte(arg), nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
