// Command sftkit fine-tunes a decoder-only transformer and exports the
// weights in a dense binary format for external inference runtimes.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"sftkit/checkpoint"
	"sftkit/dist"
	"sftkit/nn"
	"sftkit/tokenizer"
	"sftkit/train"
)

// appConfig is the JSON config file layout.
type appConfig struct {
	Model nn.ModelConfig `json:"model"`
	Train train.Config   `json:"train"`
}

func loadConfig(path string) (appConfig, error) {
	cfg := appConfig{Model: nn.DefaultModelConfig(), Train: train.DefaultConfig()}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	var configPath string
	root := &cobra.Command{
		Use:           "sftkit",
		Short:         "Supervised fine-tuning for small transformer language models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "JSON config file")

	root.AddCommand(trainCmd(&configPath, log))
	root.AddCommand(exportCmd(&configPath))
	root.AddCommand(generateCmd(&configPath))

	if err := root.Execute(); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func trainCmd(configPath *string, log *slog.Logger) *cobra.Command {
	var dataPath, valPath, basePath, resumePath string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run supervised fine-tuning over a TSV prompt/response file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Train.Validate(cfg.Model); err != nil {
				return err
			}
			distCfg, err := dist.FromEnv()
			if err != nil {
				return err
			}
			coord, err := dist.Connect(distCfg)
			if err != nil {
				return err
			}
			defer coord.Close()

			// The rank offset perturbs only the dropout stream; rank 0
			// broadcasts its weights below so every replica is identical.
			model, err := nn.NewModel(cfg.Model, cfg.Train.Seed+int64(coord.Rank))
			if err != nil {
				return err
			}
			if basePath != "" {
				if err := checkpoint.Load(basePath, model, checkpoint.ModeAll); err != nil {
					return err
				}
				log.Info("loaded base weights", "path", basePath)
			}
			if resumePath != "" {
				if err := checkpoint.Load(resumePath, model, cfg.Train.SaveMode); err != nil {
					return err
				}
				log.Info("resumed", "path", resumePath, "mode", cfg.Train.SaveMode)
			}
			if err := coord.SyncParams(model.Parameters()); err != nil {
				return err
			}

			tok := tokenizer.NewByteTokenizer()
			data, err := loadDataset(dataPath, tok, cfg.Model.MaxSeqLen)
			if err != nil {
				return err
			}
			var val *train.Dataset
			if valPath != "" {
				if val, err = loadDataset(valPath, tok, cfg.Model.MaxSeqLen); err != nil {
					return err
				}
			}

			tr, err := train.New(model, cfg.Train, coord, log)
			if err != nil {
				return err
			}
			return tr.Run(data, val)
		},
	}
	cmd.Flags().StringVar(&dataPath, "data", "", "training data, one prompt<TAB>response per line")
	cmd.Flags().StringVar(&valPath, "val", "", "validation data in the same format")
	cmd.Flags().StringVar(&basePath, "base", "", "pretrained full-weight checkpoint to fine-tune from")
	cmd.Flags().StringVar(&resumePath, "resume", "", "checkpoint from an earlier run, read in the configured save mode")
	cmd.MarkFlagRequired("data")
	return cmd
}

func exportCmd(configPath *string) *cobra.Command {
	var basePath, loraPath, outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Merge adapters if present and write a full-precision weight file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			model, err := nn.NewModel(cfg.Model, cfg.Train.Seed)
			if err != nil {
				return err
			}
			if err := checkpoint.Load(basePath, model, checkpoint.ModeAll); err != nil {
				return err
			}
			if loraPath != "" {
				if err := checkpoint.Load(loraPath, model, checkpoint.ModeLoRA); err != nil {
					return err
				}
				model.MergeAdapters()
			}
			return checkpoint.Save(outPath, model, checkpoint.ModeAll)
		},
	}
	cmd.Flags().StringVar(&basePath, "base", "", "full-weight checkpoint")
	cmd.Flags().StringVar(&loraPath, "lora", "", "adapter checkpoint to merge")
	cmd.Flags().StringVar(&outPath, "out", "model.bin", "output path")
	cmd.MarkFlagRequired("base")
	return cmd
}

func generateCmd(configPath *string) *cobra.Command {
	var ckptPath, prompt string
	var maxNew, topK int
	var temperature float64
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Sample a continuation from a trained checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			model, err := nn.NewModel(cfg.Model, cfg.Train.Seed)
			if err != nil {
				return err
			}
			if ckptPath != "" {
				if err := checkpoint.Load(ckptPath, model, checkpoint.ModeAll); err != nil {
					return err
				}
			}
			tok := tokenizer.NewByteTokenizer()
			ids := append([]int{tokenizer.BosID}, tok.Encode(prompt)...)
			out, err := model.Generate(ids, tokenizer.EosID, maxNew, temperature, topK)
			if err != nil {
				return err
			}
			fmt.Println(tok.Decode(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&ckptPath, "checkpoint", "", "weight file to load")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text")
	cmd.Flags().IntVar(&maxNew, "max-new-tokens", 128, "generation length limit")
	cmd.Flags().IntVar(&topK, "top-k", 40, "top-k cutoff, 0 disables")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.8, "sampling temperature, 0 for greedy")
	return cmd
}

// loadDataset reads prompt<TAB>response lines and tokenizes them. Loss
// applies to the response span and the closing eos only.
func loadDataset(path string, tok tokenizer.Tokenizer, seqLen int) (*train.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var samples [][]int
	var masks [][]float32
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		promptText, response, _ := strings.Cut(line, "\t")

		ids := []int{tokenizer.BosID}
		ids = append(ids, tok.Encode(promptText)...)
		promptLen := len(ids)
		ids = append(ids, tok.Encode(response)...)
		ids = append(ids, tokenizer.EosID)

		mask := make([]float32, len(ids))
		for i := promptLen; i < len(ids); i++ {
			mask[i] = 1
		}
		samples = append(samples, ids)
		masks = append(masks, mask)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return train.NewDataset(samples, masks, seqLen)
}
