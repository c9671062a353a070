package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jacksonkasi1/tiger-schema-sub001/pkg/mcphub"
)

func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the hub configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := mcphub.LoadConfig(configPath)
			if err != nil {
				return err
			}
			enabled := 0
			for _, sc := range cfg.Servers {
				if sc.IsEnabled() {
					enabled++
				}
			}
			fmt.Printf("%s: OK (%d servers, %d enabled)\n", configPath, len(cfg.Servers), enabled)
			return nil
		},
	}
}
