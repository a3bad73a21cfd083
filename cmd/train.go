package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model for a project and print the result",
		Long: `Runs one training synchronously. Flags override the project's stored
parameters for this run only, unless --save-to-config is given.`,
		RunE: runTrainCommand,
	}
	addTrainFlags(cmd)
	return cmd
}

func addTrainFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("project", "", "project to train (default: current project)")
	f.String("data-source", "", "default, github, web or crawl")
	f.String("source-url", "", "archive, page or crawl seed URL")
	f.Int("max-pages", 0, "crawl page budget")
	f.String("model-name", "", "name to store the model under")
	f.Int("max-depth", 0, "maximum tree depth")
	f.Float64("eta", 0, "learning rate")
	f.Int("max-features", 0, "vocabulary size for text sources")
	f.Float64("positive-ratio", 0, "fraction of entries labeled positive")
	f.Int("rounds", 0, "boosting rounds")
	f.Bool("load", false, "activate the trained model")
	f.Bool("save-to-config", false, "store the resolved parameters on the project")
}

// parseTrainRequest maps flags onto a request. Only flags set on the command
// line override the project.
func parseTrainRequest(cmd *cobra.Command) (pipeline.TrainRequest, error) {
	f := cmd.Flags()
	var req pipeline.TrainRequest
	var err error
	if req.Project, err = f.GetString("project"); err != nil {
		return req, err
	}
	if req.Load, err = f.GetBool("load"); err != nil {
		return req, err
	}
	if req.SaveToConfig, err = f.GetBool("save-to-config"); err != nil {
		return req, err
	}
	for name, dst := range map[string]**string{
		"data-source": &req.DataSource,
		"source-url":  &req.SourceURL,
		"model-name":  &req.ModelName,
	} {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetString(name)
		if err != nil {
			return req, err
		}
		*dst = &v
	}
	for name, dst := range map[string]**int{
		"max-pages":    &req.MaxPages,
		"max-depth":    &req.MaxDepth,
		"max-features": &req.MaxFeatures,
		"rounds":       &req.Rounds,
	} {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetInt(name)
		if err != nil {
			return req, err
		}
		*dst = &v
	}
	for name, dst := range map[string]**float64{
		"eta":            &req.Eta,
		"positive-ratio": &req.PositiveRatio,
	} {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetFloat64(name)
		if err != nil {
			return req, err
		}
		*dst = &v
	}
	return req, nil
}

func runTrainCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	req, err := parseTrainRequest(cmd)
	if err != nil {
		return err
	}
	result, err := appInstance.Registry().TrainAndMaybeLoad(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}
