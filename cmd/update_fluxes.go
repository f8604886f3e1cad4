package cmd

import (
	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/ethpandaops/rpz/pkg/config"
	"github.com/ethpandaops/rpz/pkg/fluxes"
	"github.com/ethpandaops/rpz/pkg/simulate"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	updateTargetCatalog  string
	updateFluxCatalog    string
	updateOutputFilename string
	updateNSources       int
	updateApplyScaling   bool
	updateRefFilter      string
	updateFudgeFactor    float64
	updateSeed           uint64
)

// updateFluxesCmd represents the update-fluxes command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var updateFluxesCmd = &cobra.Command{
	Use:   "update-fluxes",
	Short: "Replace image-simulation catalog fluxes with simulated photo-z fluxes",
	Long: `Update-fluxes converts the nJy fluxes of a synthetic photo-z catalog to maggies
and writes them into an image-simulation input catalog, optionally rescaling every
object so its reference-band flux matches the target.

Without --flux-catalog the synthetic catalog is generated in memory with one
object per target row.

Examples:
  rpz update-fluxes --target-catalog romanisim_input.ecsv --output-filename updated.ecsv --apply-scaling`,
	RunE: runUpdateFluxes,
}

func init() {
	rootCmd.AddCommand(updateFluxesCmd)

	updateFluxesCmd.Flags().StringVar(&updateTargetCatalog, "target-catalog", "", "Image-simulation input catalog")
	updateFluxesCmd.Flags().StringVar(&updateFluxCatalog, "flux-catalog", "", "Synthetic photo-z catalog (default: generated in memory)")
	updateFluxesCmd.Flags().StringVar(&updateOutputFilename, "output-filename", "", "Updated catalog path")
	updateFluxesCmd.Flags().IntVar(&updateNSources, "n-sources", 0, "Rows to draw from the flux catalog (default: one per target row)")
	updateFluxesCmd.Flags().BoolVar(&updateApplyScaling, "apply-scaling", false, "Scale each object to the target's reference-band flux")
	updateFluxesCmd.Flags().StringVar(&updateRefFilter, "ref-filter", fluxes.DefaultRefFilter, "Reference band code")
	updateFluxesCmd.Flags().Float64Var(&updateFudgeFactor, "fudge-factor", fluxes.DefaultFudgeFactor, "Brightness factor applied to every output flux")
	updateFluxesCmd.Flags().Uint64Var(&updateSeed, "seed", simulate.DefaultSeed, "Random seed")

	_ = updateFluxesCmd.MarkFlagRequired("target-catalog")
	_ = updateFluxesCmd.MarkFlagRequired("output-filename")
}

func runUpdateFluxes(cmd *cobra.Command, _ []string) error {
	cliCfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer writeMetrics(log, cliCfg, "")

	target, err := catalog.Read(updateTargetCatalog)
	if err != nil {
		return err
	}

	n := updateNSources
	if n <= 0 {
		n = target.Len()
	}

	flux, err := loadFluxCatalog(cmd, cliCfg, log, n)
	if err != nil {
		return err
	}

	updated, err := fluxes.UpdateFluxes(target, flux, fluxes.Options{
		ApplyScaling: updateApplyScaling,
		RefFilter:    updateRefFilter,
		FudgeFactor:  updateFudgeFactor,
	})
	if err != nil {
		return err
	}

	if err := catalog.Write(updateOutputFilename, updated); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"path":    updateOutputFilename,
		"objects": updated.Len(),
		"scaled":  updateApplyScaling,
	}).Info("Fluxes updated")

	return nil
}

// loadFluxCatalog draws n objects from --flux-catalog, or simulates them.
func loadFluxCatalog(cmd *cobra.Command, cliCfg *CLIConfig, log logrus.FieldLogger, n int) (*catalog.Table, error) {
	if updateFluxCatalog != "" {
		flux, err := catalog.Read(updateFluxCatalog)
		if err != nil {
			return nil, err
		}
		if flux.Len() == 0 {
			return nil, fluxes.ErrEmptyFluxCatalog
		}

		return fluxes.CreateRandomCatalog(flux, n, updateSeed)
	}

	eng, closeEngine, err := cliCfg.NewEngine(log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := closeEngine(); closeErr != nil {
			log.WithError(closeErr).Error("Failed to close engine")
		}
	}()

	gen, err := simulate.New(log, config.Default(), config.DefaultOverrides(), eng)
	if err != nil {
		return nil, err
	}

	flux, _, err := gen.Process(cmd.Context(), simulate.Options{
		NObjects: n,
		Seed:     updateSeed,
		Return:   true,
	})

	return flux, err
}
