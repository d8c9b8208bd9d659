package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/socialgouv/buildsrv/pkg/channel"
	"github.com/socialgouv/buildsrv/pkg/config"
	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
	"github.com/socialgouv/buildsrv/pkg/logger"
)

func newCallCommand(cfg *config.Config) *cobra.Command {
	var (
		req     requestFlags
		method  string
		params  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Start a build server, make one call and shut it down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var p interface{}
			if params != "" {
				if err := json.Unmarshal([]byte(params), &p); err != nil {
					return pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeInvalidInput, "params must be JSON")
				}
			}

			log := newLogger(cmd, cfg)
			registry, err := buildRegistry(cfg, log)
			if err != nil {
				return err
			}
			// Close terminates the server on every path, including failures
			defer registry.Close(context.Background())

			r := req.request()
			factory := registry.ForProject(r.Project)
			s, err := factory.Create(r)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			h, err := s.Acquire(ctx)
			if err != nil {
				return err
			}
			log.WithFields(map[string]interface{}{
				logger.FieldFactoryType: factory.Type(),
				logger.FieldPID:         h.PID(),
				logger.FieldMethod:      method,
			}).Info("Calling build server")

			var result json.RawMessage
			if err := h.Call(ctx, method, p, &result); err != nil {
				return err
			}

			if err := s.Terminate(context.Background()); err != nil {
				logger.WithError(log, err).Warn("Failed to terminate build server")
			}
			return printResult(cmd, result)
		},
	}

	req.register(cmd.Flags())
	cmd.Flags().StringVar(&method, "method", channel.MethodPing, "Method to call")
	cmd.Flags().StringVar(&params, "params", "", "Call parameters as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Timeout for start plus call")
	return cmd
}

func printResult(cmd *cobra.Command, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	var out bytes.Buffer
	if err := json.Indent(&out, result, "", "  "); err != nil {
		return fmt.Errorf("malformed result: %w", err)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), out.String())
	return err
}
