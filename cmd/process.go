package cmd

import (
	"github.com/ethpandaops/rpz/pkg/band"
	"github.com/ethpandaops/rpz/pkg/config"
	"github.com/ethpandaops/rpz/pkg/observability"
	"github.com/ethpandaops/rpz/pkg/process"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	processConfigFilename string
	processModelFilename  string
	processOutputKeys     string
	processInputPath      string
	processInputFilename  string
	processOutputPath     string
	processOutputFilename string
	processOutputFormat   string
	processSaveResults    bool
	processFitColname     string
	processFitErrColname  string
	processRefreshModel   bool
	processMetricsFile    string
)

// processCmd represents the process command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Estimate photometric redshifts for a catalog",
	Long: `Process formats a catalog for the photo-z engine, reuses or trains the
redshift model, estimates redshifts and either writes a results file or merges
the photo-z columns back into the input catalog.

Examples:
  # Merge results into a parquet source catalog
  rpz process --input-path ./data --input-filename r00001_cat.parquet

  # Write a standalone ASDF results file and retrain the model
  rpz process --input-filename cat.parquet --save-results --output-format asdf --refresh-model`,
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().StringVar(&processConfigFilename, "config-filename", "", "Keymap file, JSON or .para (default: built-in Roman keymap)")
	processCmd.Flags().StringVar(&processModelFilename, "model-filename", process.DefaultModelFilename, "Informer model filename")
	processCmd.Flags().StringVar(&processOutputKeys, "output-keys", "", "Engine output key list (default: built-in list)")
	processCmd.Flags().StringVar(&processInputPath, "input-path", "", "Directory of the input catalog (default: $LEPHAREWORK)")
	processCmd.Flags().StringVar(&processInputFilename, "input-filename", "", "Input catalog filename")
	processCmd.Flags().StringVar(&processOutputPath, "output-path", "", "Directory for the results file (default: $LEPHAREWORK)")
	processCmd.Flags().StringVar(&processOutputFilename, "output-filename", process.DefaultOutputFilename, "Results filename")
	processCmd.Flags().StringVar(&processOutputFormat, "output-format", "", "Results format, parquet or asdf (default: from the output filename)")
	processCmd.Flags().BoolVar(&processSaveResults, "save-results", false, "Write a standalone results file instead of updating the input catalog")
	processCmd.Flags().StringVar(&processFitColname, "fit-colname", string(band.SegmentFlux), "Flux column template")
	processCmd.Flags().StringVar(&processFitErrColname, "fit-err-colname", string(band.SegmentFluxErr), "Flux error column template")
	processCmd.Flags().BoolVar(&processRefreshModel, "refresh-model", false, "Retrain the model even if it exists")
	processCmd.Flags().StringVar(&processMetricsFile, "metrics-textfile", "", "Write metrics to this file when done")

	_ = processCmd.MarkFlagRequired("input-filename")
}

func runProcess(cmd *cobra.Command, _ []string) error {
	cliCfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer writeMetrics(log, cliCfg, processMetricsFile)

	keymap, err := config.Load(processConfigFilename)
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

	p, err := process.New(log, keymap, eng, process.Options{
		ModelFilename:  processModelFilename,
		OutputKeysFile: processOutputKeys,
		FluxTemplate:   band.Template(processFitColname),
		ErrTemplate:    band.Template(processFitErrColname),
		Overrides:      config.DefaultOverrides(),
	})
	if err != nil {
		return err
	}

	inputPath := processInputPath
	if inputPath == "" {
		inputPath = config.WorkDir()
	}
	outputPath := processOutputPath
	if outputPath == "" {
		outputPath = config.WorkDir()
	}

	out, err := p.Run(cmd.Context(), process.RunOptions{
		InputPath:      inputPath,
		InputFilename:  processInputFilename,
		OutputPath:     outputPath,
		OutputFilename: processOutputFilename,
		OutputFormat:   processOutputFormat,
		SaveResults:    processSaveResults,
		Refresh:        processRefreshModel,
	})
	if err != nil {
		return err
	}

	log.WithField("path", out).Info("Photo-z processing complete")

	return nil
}

// writeMetrics snapshots the metrics to the flag path, else the configured textfile.
func writeMetrics(log logrus.FieldLogger, cfg *CLIConfig, path string) {
	if path == "" {
		path = cfg.Metrics.Textfile
	}

	if err := observability.WriteTextfile(path); err != nil {
		log.WithError(err).Warn("Failed to write metrics textfile")
	}
}
