package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/face-id/internal/config"
	"github.com/example/face-id/internal/logging"
	"github.com/example/face-id/internal/matcher"
	"github.com/example/face-id/internal/repository"
)

// migrateAnnotation marks commands that may create the schema.
const migrateAnnotation = "faceid/migrate"

var rootCmd = &cobra.Command{
	Use:   "faceid-enroll",
	Short: "Bulk enrollment and inspection of the face store",
	Long: `Loads precomputed face embeddings into the face store and inspects it.
Connection settings are read from the same environment as the API server.`,
	SilenceUsage: true,
}

var loadCmd = &cobra.Command{
	Use:   "load <file.jsonl>",
	Short: "Enroll embeddings from a JSON lines file",
	Long: `Each line is {"person_id":1,"name":"..","surname":"..","embedding":[...]}.
Lines without person_id create a new person per distinct name and surname.
Every embedding is validated before anything is written.`,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{migrateAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, func(cfg *config.Config, repo *repository.Repository, logger *zap.Logger) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			entries, err := readEntries(f, cfg.Match.EmbeddingDim)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%d persons, %d faces valid\n", len(entries), countVectors(entries))
				return nil
			}

			res, err := repo.ImportBatch(cmd.Context(), entries)
			if err != nil {
				return err
			}
			logger.Info("import completed", zap.Int("persons_created", res.PersonsCreated), zap.Int("faces_inserted", res.FacesInserted))
			fmt.Fprintf(cmd.OutOrStdout(), "created %d persons, inserted %d faces\n", res.PersonsCreated, res.FacesInserted)
			return nil
		})
	},
}

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of enrolled persons and faces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, func(cfg *config.Config, repo *repository.Repository, logger *zap.Logger) error {
			persons, err := repo.CountPersons(cmd.Context())
			if err != nil {
				return err
			}
			faces, err := repo.CountFaces(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "persons: %d\nfaces: %d\n", persons, faces)
			return nil
		})
	},
}

var matchCmd = &cobra.Command{
	Use:   "match <v1,v2,...>",
	Short: "Match a single embedding against the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := parseVector(args[0])
		if err != nil {
			return err
		}
		return withRepository(cmd, func(cfg *config.Config, repo *repository.Repository, logger *zap.Logger) error {
			threshold := cfg.Match.Threshold
			if cmd.Flags().Changed("threshold") {
				threshold, _ = cmd.Flags().GetFloat64("threshold")
			}
			res, err := matcher.Match(query, repo.Candidates(cmd.Context()), threshold)
			if err != nil {
				return err
			}
			switch {
			case res.Matched:
				fmt.Fprintf(cmd.OutOrStdout(), "identity %d at distance %.6f\n", res.Identity, res.Distance)
			case res.NoCandidates():
				fmt.Fprintln(cmd.OutOrStdout(), "no enrolled faces")
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "no match (closest distance %.6f, threshold %.6f)\n", res.Distance, threshold)
			}
			return nil
		})
	},
}

func init() {
	loadCmd.Flags().Bool("dry-run", false, "validate the file without writing")
	matchCmd.Flags().Float64("threshold", config.DefaultThreshold, "acceptance threshold (defaults to THRESHOLD)")
	rootCmd.AddCommand(loadCmd, countCmd, matchCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// needsMigration reports whether cmd writes to the store. Read-only commands
// run against the existing schema.
func needsMigration(cmd *cobra.Command) bool {
	if cmd.Annotations[migrateAnnotation] != "true" {
		return false
	}
	dryRun, err := cmd.Flags().GetBool("dry-run")
	return err != nil || !dryRun
}

func withRepository(cmd *cobra.Command, fn func(*config.Config, *repository.Repository, *zap.Logger) error) error {
	ctx := cmd.Context()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	repo := repository.NewRepository(db, logger)
	if needsMigration(cmd) {
		if err := repo.AutoMigrate(ctx); err != nil {
			return err
		}
	}
	return fn(cfg, repo, logger)
}

func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vector := make([]float32, 0, len(parts))
	for _, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector format: %w", err)
		}
		vector = append(vector, float32(val))
	}
	return vector, nil
}
