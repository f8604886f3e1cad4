package cmd

import (
	"github.com/ethpandaops/rpz/pkg/filters"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	filtersInputFilename string
	filtersOutputPath    string
	filtersForce         bool
	filtersHeaderRow     int
)

// filtersCmd represents the filters command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var filtersCmd = &cobra.Command{
	Use:   "filters",
	Short: "Build the Roman filter transmission files",
	Long: `Filters reads the Roman effective-area spreadsheet, downloading it when it
is not present, writes one transmission file per band plus the filter parameter
file, and compiles them with the engine. Existing filter files are reused unless
--force is given.`,
	RunE: runFilters,
}

func init() {
	rootCmd.AddCommand(filtersCmd)

	filtersCmd.Flags().StringVar(&filtersInputFilename, "input-filename", "", "Effective-area spreadsheet (default: <output-path>/"+filters.DefaultEffAreaFile+")")
	filtersCmd.Flags().StringVar(&filtersOutputPath, "output-path", "", "Filter directory (default: $LEPHAREDIR/filt/roman, else the current directory)")
	filtersCmd.Flags().BoolVar(&filtersForce, "force", false, "Rebuild even if filter files exist")
	filtersCmd.Flags().IntVar(&filtersHeaderRow, "header-row", filters.DefaultHeaderRow, "Zero-based spreadsheet row holding the column names")
}

func runFilters(cmd *cobra.Command, _ []string) error {
	cliCfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer writeMetrics(log, cliCfg, "")

	eng, closeEngine, err := cliCfg.NewEngine(log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeEngine(); closeErr != nil {
			log.WithError(closeErr).Error("Failed to close engine")
		}
	}()

	b := filters.NewBuilder(log, eng)
	b.HeaderRow = filtersHeaderRow

	parFile, err := b.Run(cmd.Context(), filtersInputFilename, filtersOutputPath, filtersForce)
	if err != nil {
		return err
	}

	log.WithField("par_file", parFile).Info("Filters ready")

	return nil
}
