package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/socialgouv/buildsrv/pkg/config"
	"github.com/socialgouv/buildsrv/pkg/logger"
)

func newArgsCommand(cfg *config.Config) *cobra.Command {
	var (
		req         requestFlags
		showSecrets bool
	)

	cmd := &cobra.Command{
		Use:   "args",
		Short: "Print the VM arguments a build server would be started with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := newLogger(cmd, cfg)
			registry, err := buildRegistry(cfg, log)
			if err != nil {
				return err
			}
			defer registry.Close(context.Background())

			r := req.request()
			factory := registry.ForProject(r.Project)
			s, err := factory.Create(r)
			if err != nil {
				return err
			}
			log.WithFields(map[string]interface{}{
				logger.FieldFactoryType: factory.Type(),
				logger.FieldLaunchKey:   s.Key().ShortID(),
			}).Debug("Arguments computed")

			out := s.Arguments().Redacted()
			if showSecrets {
				out = s.Arguments().String()
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}

	req.register(cmd.Flags())
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print secret-looking system properties unmasked")
	return cmd
}
