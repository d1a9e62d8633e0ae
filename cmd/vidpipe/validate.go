package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/epeer1/axon-vision-ha/config"
)

var (
	printEffective bool
	printSchema    bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and exit",
	Long: `Loads the configuration files, the VIDPIPE_* environment overrides and the
logging flags exactly as "run" does, and reports the first problem found.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		if printSchema {
			_, err := out.Write(config.Schema())
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if printEffective {
			_, _ = fmt.Fprintln(out, cfg.String())
			return nil
		}
		_, _ = fmt.Fprintln(out, "Configuration is valid")
		return nil
	},
}

func init() {
	validateCmd.Flags().BoolVar(&printEffective, "print", false, "Print the effective configuration")
	validateCmd.Flags().BoolVar(&printSchema, "schema", false, "Print the JSON Schema of configuration files")
	rootCmd.AddCommand(validateCmd)
}
