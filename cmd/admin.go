package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type adminOptions struct {
	addr    string
	timeout time.Duration
}

// newAdminCmd groups commands that drive a running instance over its admin
// HTTP surface.
func newAdminCmd() *cobra.Command {
	opts := &adminOptions{}
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative triggers against a running releasebot",
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "base URL of the running instance (default http://localhost:<server.port>)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")

	var gameID string
	recheck := &cobra.Command{
		Use:   "recheck",
		Short: "Starts a link health sweep, or checks one game with --game",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/admin/recheck"
			if gameID != "" {
				path += "?game_id=" + url.QueryEscape(gameID)
			}
			return adminCall(cmd, opts, http.MethodPost, path)
		},
	}
	recheck.Flags().StringVar(&gameID, "game", "", "check a single game")

	cmd.AddCommand(
		recheck,
		&cobra.Command{
			Use:   "backup",
			Short: "Takes a snapshot now",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return adminCall(cmd, opts, http.MethodPost, "/v1/admin/backup")
			},
		},
		&cobra.Command{
			Use:   "enqueue <game-id>",
			Short: "Re-submits a game's links for resolution",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return adminCall(cmd, opts, http.MethodPost, "/v1/admin/games/"+url.PathEscape(args[0])+"/enqueue")
			},
		},
		&cobra.Command{
			Use:   "report",
			Short: "Lists failed tasks and broken links",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return adminCall(cmd, opts, http.MethodGet, "/v1/admin/report")
			},
		},
	)
	return cmd
}

func adminCall(cmd *cobra.Command, opts *adminOptions, method, path string) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	base := opts.addr
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if cfg.Auth.Enabled {
		req.Header.Set("X-API-Key", cfg.Auth.APIKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		body = append(pretty.Bytes(), '\n')
	}
	if _, err := cmd.OutOrStdout().Write(body); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
