package cmd

import (
	"github.com/ethpandaops/rpz/pkg/config"
	"github.com/ethpandaops/rpz/pkg/simulate"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	simulateConfigFilename string
	simulateNObj           int
	simulateMagNoise       float64
	simulateSeed           uint64
	simulateOutputPath     string
	simulateOutputFilename string
	simulateOutputFormat   string
)

// simulateCmd represents the simulate command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Generate a synthetic Roman catalog",
	Long: `Simulate asks the engine for its model-magnitude library, samples objects
from it, perturbs their magnitudes, converts them to nJy fluxes and writes them in
the Roman source catalog layout.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().StringVar(&simulateConfigFilename, "config-filename", "", "Keymap file, JSON or .para (default: built-in Roman keymap)")
	simulateCmd.Flags().IntVar(&simulateNObj, "nobj", simulate.DefaultNObjects, "Number of objects to sample")
	simulateCmd.Flags().Float64Var(&simulateMagNoise, "mag-noise", 0.1, "Standard deviation of the magnitude noise (0 disables)")
	simulateCmd.Flags().Uint64Var(&simulateSeed, "seed", simulate.DefaultSeed, "Random seed")
	simulateCmd.Flags().StringVar(&simulateOutputPath, "output-path", "", "Output directory (default: $LEPHAREWORK)")
	simulateCmd.Flags().StringVar(&simulateOutputFilename, "output-filename", simulate.DefaultOutputFilename, "Output filename")
	simulateCmd.Flags().StringVar(&simulateOutputFormat, "output-format", "", "Output format, parquet or asdf (default: from the output filename)")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cliCfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer writeMetrics(log, cliCfg, "")

	keymap, err := config.Load(simulateConfigFilename)
	if err != nil {
		return err
	}

	eng, closeEngine, err := cliCfg.NewEngine(log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeEngine(); closeErr != nil {
			log.WithError(closeErr).Error("Failed to close engine")
		}
	}()

	gen, err := simulate.New(log, keymap, config.DefaultOverrides(), eng)
	if err != nil {
		return err
	}

	outputPath := simulateOutputPath
	if outputPath == "" {
		outputPath = config.WorkDir()
	}

	_, path, err := gen.Process(cmd.Context(), simulate.Options{
		NObjects:       simulateNObj,
		MagNoise:       simulateMagNoise,
		Seed:           simulateSeed,
		OutputPath:     outputPath,
		OutputFilename: simulateOutputFilename,
		Format:         simulateOutputFormat,
	})
	if err != nil {
		return err
	}

	log.WithField("path", path).Info("Simulated catalog ready")

	return nil
}
