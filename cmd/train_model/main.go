// Command train_model fits the attendance forest on the full historical
// dataset and writes the model artifact. Evaluation output is diagnostic
// only; nothing downstream parses it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"attendcast/config"
	"attendcast/db"
	"attendcast/logging"
	"attendcast/ml"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file path")
	modelPath := flag.String("model_path", "", "override model output path")
	trees := flag.Int("trees", 0, "override tree count")
	seed := flag.Int64("seed", 0, "override random seed")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.Log.Level})
	defer logger.Sync()

	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}
	if *trees > 0 {
		cfg.Model.Trees = *trees
	}
	if *seed != 0 {
		cfg.Model.Seed = *seed
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("training failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	store, err := db.Open(cfg.Database.Driver, cfg.DSN())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	logger.Info("pulling training data", zap.String("driver", cfg.Database.Driver))
	rows, err := store.TrainingRows(ctx)
	if err != nil {
		return err
	}
	logger.Info("pulled records", zap.Int("rows", len(rows)))

	opts := ml.TrainOptions{
		Forest: ml.ForestOptions{
			Trees:    cfg.Model.Trees,
			MaxDepth: cfg.Model.MaxDepth,
			MinLeaf:  cfg.Model.MinLeaf,
			Seed:     cfg.Model.Seed,
		},
		TestRatio: cfg.Model.TestRatio,
		MinRows:   cfg.Model.MinRows,
	}

	forest, eval, err := ml.Train(rows, opts)
	if err != nil {
		return err
	}

	fmt.Println("--- Model Evaluation ---")
	fmt.Print(eval.Report())

	if err := forest.Save(cfg.Model.Path); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	logger.Info("model saved",
		zap.String("path", cfg.Model.Path),
		zap.Float64("accuracy", eval.Accuracy),
		zap.Int("data_points", forest.DataPoints))

	if err := store.RecordTrainingRun(ctx, "attendance_forest", eval.Accuracy, forest.DataPoints); err != nil {
		logger.Warn("failed to record training run", zap.Error(err))
	}
	return nil
}
