package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shrtyk/initial-sync/initsync"
	"github.com/spf13/cobra"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Addr    string
	Timeout time.Duration
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the progress of a running initial sync",
		Long: `Fetch the progress snapshot from a running "initsync run".

The address defaults to node.progress_listener from the config file.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "progress server address (host:port)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

type statusSummary struct {
	State                        string `json:"state"`
	FailedInitialSyncAttempts    int    `json:"failedInitialSyncAttempts"`
	MaxFailedInitialSyncAttempts int    `json:"maxFailedInitialSyncAttempts"`
	AppliedOps                   int64  `json:"appliedOps"`
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	addr := opts.Addr
	if addr == "" {
		cfg, err := LoadConfig(opts.Fs, opts.ConfigPath)
		if err != nil {
			return err
		}
		addr = cfg.Node.ProgressListener
	}

	summary := new(statusSummary)
	resp, err := resty.New().
		SetTimeout(opts.Timeout).
		R().
		SetHeader("Accept", "application/json").
		SetResult(summary).
		Get("http://" + addr + initsync.ProgressPath)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("progress request to %s failed: %s", addr, resp.Status())
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "state: %s, failed attempts: %d/%d, applied ops: %d\n",
		summary.State, summary.FailedInitialSyncAttempts, summary.MaxFailedInitialSyncAttempts, summary.AppliedOps)

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Body(), "", "  "); err != nil {
		return fmt.Errorf("malformed progress reply: %w", err)
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}
