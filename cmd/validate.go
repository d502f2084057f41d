package cmd

import (
	"fmt"

	"github.com/banhammer/banhammer/config"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var ValidateConfigCommand = &cli.Command{
	Name:      "validate",
	Usage:     "validate a configuration file",
	UsageText: "validate [--config FILE]",
	Args:      false,
	Flags: []cli.Flag{
		ConfigFlag(false),
	},
	Action: func(cCtx *cli.Context) error {
		// check if a config was provided and is not empty
		if cCtx.String("config") == "" {
			return ErrMissingConfigPath
		}

		// check if too many arguments were provided
		if cCtx.NArg() > 0 {
			return ErrTooManyArguments
		}

		afs := afero.NewOsFs()

		// validate config file
		if _, err := RunValidateConfigCommand(afs, cCtx.String("config")); err != nil {
			fmt.Printf("\n\t[!] Configuration file is not valid...")
			return err
		}

		return nil
	},
}

func RunValidateConfigCommand(afs afero.Fs, configPath string) (*config.Config, error) {
	// validate config file path
	if err := ValidateConfigPath(afs, configPath); err != nil {
		return nil, err
	}

	// load and validate config
	cfg, err := config.LoadConfig(afs, configPath)
	if err != nil {
		return nil, err
	}

	fmt.Printf("\n\t[✨] Configuration file is valid \n\n")

	return cfg, nil
}
