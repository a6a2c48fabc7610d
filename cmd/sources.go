package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/windworldwire/newsbot/internal/model"
)

var sourcesSeedPath string

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage feed sources",
}

// sourcesFile is the sources.yaml seed format.
type sourcesFile struct {
	Sources []struct {
		Name string `yaml:"name"`
		URL  string `yaml:"url"`
		Lang string `yaml:"lang"`
	} `yaml:"sources"`
}

// parseSourcesFile turns sources.yaml bytes into seed rows. Every
// source needs a URL; language defaults to English.
func parseSourcesFile(data []byte) ([]model.Source, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "unmarshal sources")
	}
	if len(f.Sources) == 0 {
		return nil, eris.New("no sources defined")
	}

	seeds := make([]model.Source, 0, len(f.Sources))
	for _, s := range f.Sources {
		if s.URL == "" {
			return nil, eris.Errorf("source %q has no url", s.Name)
		}
		lang := s.Lang
		if lang == "" {
			lang = "en"
		}
		seeds = append(seeds, model.Source{
			Name: s.Name, URL: s.URL, Lang: lang, Active: true,
		})
	}
	return seeds, nil
}

var sourcesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load feed definitions from the sources file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		path := sourcesSeedPath
		if path == "" {
			path = cfg.Sources.Path
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "read %s", path)
		}
		seeds, err := parseSourcesFile(data)
		if err != nil {
			return eris.Wrapf(err, "parse %s", path)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.SeedSources(ctx, seeds)
		if err != nil {
			return eris.Wrap(err, "seed sources")
		}
		zap.L().Info("sources seeded", zap.String("path", path), zap.Int64("count", n))
		return nil
	},
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		sources, err := st.ListActiveSources(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "list sources")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sources)
	},
}

func init() {
	sourcesSeedCmd.Flags().StringVar(&sourcesSeedPath, "file", "", "sources file (default from config)")
	sourcesCmd.AddCommand(sourcesSeedCmd, sourcesListCmd)
	rootCmd.AddCommand(sourcesCmd)
}
