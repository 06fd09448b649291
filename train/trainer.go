package train

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat"

	"sftkit/amp"
	"sftkit/checkpoint"
	"sftkit/dist"
	"sftkit/nn"
	"sftkit/optim"
)

// Trainer executes supervised fine-tuning over an epoch iterator.
type Trainer struct {
	Model  *nn.Model
	Opt    *optim.AdamW
	Sched  *optim.Schedule
	Scaler *amp.GradScaler
	Coord  *dist.Coordinator
	Cfg    Config
	State  *State

	log        *slog.Logger
	trainables []*nn.Parameter
}

// New wires the optimizer, schedule and scaler for a built model. The
// config is validated against the model before anything is allocated.
func New(model *nn.Model, cfg Config, coord *dist.Coordinator, log *slog.Logger) (*Trainer, error) {
	if err := cfg.Validate(model.Config); err != nil {
		return nil, err
	}
	sched, err := optim.NewSchedule(cfg.LearningRate, cfg.MinLR, cfg.WarmupIters, cfg.LRDecayIters)
	if err != nil {
		return nil, err
	}
	optCfg := optim.DefaultAdamWConfig(cfg.LearningRate)
	optCfg.WeightDecay = cfg.WeightDecay
	tr := &Trainer{
		Model:      model,
		Opt:        optim.NewAdamW(model.Parameters(), optCfg),
		Sched:      sched,
		Scaler:     amp.NewGradScaler(cfg.MixedPrecision),
		Coord:      coord,
		Cfg:        cfg,
		State:      NewState(cfg.Seed, coord.Rank),
		log:        log,
		trainables: model.TrainableParameters(),
	}

	summary := model.Summary()
	decayed, nonDecayed := tr.Opt.GroupSizes()
	log.Info("trainer ready",
		"total_params", summary.TotalParams,
		"trainable_params", summary.TrainableParams,
		"decayed_params", decayed,
		"non_decayed_params", nonDecayed,
		"fused_adamw", tr.Opt.Fused(),
		"world_size", coord.WorldSize,
		"tokens_per_step", cfg.TokensPerStep(coord.WorldSize, model.Config.MaxSeqLen),
	)
	return tr, nil
}

// Run trains for the configured number of epochs, validating and
// checkpointing after each one. Only the master rank touches the
// filesystem.
func (tr *Trainer) Run(data, val *Dataset) error {
	if tr.Coord.IsMaster() {
		if err := os.MkdirAll(tr.Cfg.OutDir, 0o755); err != nil {
			return fmt.Errorf("train: %w", err)
		}
	}
	for epoch := 0; epoch < tr.Cfg.Epochs; epoch++ {
		tr.State.Epoch = epoch
		source := data.Shard(epoch, tr.Coord.Rank, tr.Coord.WorldSize, tr.Cfg.BatchSize, tr.Cfg.Seed)
		if err := tr.TrainEpoch(source); err != nil {
			return err
		}

		if val != nil {
			valLoss, err := tr.Validate(val)
			if err != nil {
				return err
			}
			tr.log.Info("validation", "epoch", epoch, "val_loss", valLoss, "best", tr.State.BestValLoss)
			if valLoss < tr.State.BestValLoss {
				tr.State.BestValLoss = valLoss
				if err := tr.save("sft_best.bin"); err != nil {
					return err
				}
			}
		}
		if err := tr.save(fmt.Sprintf("sft_epoch%d.bin", epoch)); err != nil {
			return err
		}
		if err := tr.Coord.Barrier(); err != nil {
			return err
		}
	}
	return nil
}

// TrainEpoch runs one pass over a batch shard. Gradients accumulate over
// Cfg.GradAccumSteps micro-batches; cross-process synchronization and the
// optimizer update happen only on the last micro-step of each window.
func (tr *Trainer) TrainEpoch(source BatchSource) error {
	start := time.Now()
	total := source.Len()
	running := 0.0

	micro := 0
	for {
		batch, ok := source.Next()
		if !ok {
			break
		}
		lr := tr.Sched.LR(tr.State.Step)
		tr.Opt.SetLR(lr)
		tr.State.LR = lr

		loss, err := tr.microStep(batch)
		if err != nil {
			return err
		}
		running = smooth(running, loss)

		shouldSync := (micro+1)%tr.Cfg.GradAccumSteps == 0
		if shouldSync {
			if err := tr.step(); err != nil {
				return err
			}
		}

		micro++
		if tr.Cfg.LogInterval > 0 && micro%tr.Cfg.LogInterval == 0 && tr.Coord.IsMaster() {
			elapsed := time.Since(start)
			remaining := time.Duration(float64(elapsed) / float64(micro) * float64(total-micro))
			tr.log.Info("train",
				"epoch", tr.State.Epoch,
				"batch", fmt.Sprintf("%d/%d", micro, total),
				"loss", running,
				"lr", lr,
				"remaining", remaining.Round(time.Second),
			)
		}
	}
	return nil
}

// microStep runs forward and backward for one micro-batch and returns the
// unscaled masked loss. The logit gradient carries the loss scale and the
// 1/grad_accum_steps factor so a full window is numerically equivalent to
// one large batch. Under mixed precision the scaled gradient rounds
// through half precision before backward.
func (tr *Trainer) microStep(batch *Batch) (float64, error) {
	logits, cache, err := tr.Model.ForwardWithCache(batch.Inputs, batch.B, batch.T)
	if err != nil {
		return 0, err
	}
	loss, dLogits := nn.MaskedCrossEntropy(logits, batch.Targets, batch.Mask, tr.Model.Config.RoundedVocab())

	factor := float32(tr.Scaler.ScaleFactor() / float64(tr.Cfg.GradAccumSteps))
	if factor != 1 {
		for i := range dLogits {
			dLogits[i] *= factor
		}
	}
	if tr.Scaler.Enabled() {
		// A scaled gradient outside the fp16 range becomes Inf here and
		// the window is skipped downstream.
		amp.RoundHalfSlice(dLogits)
	}
	tr.Model.Backward(cache, dLogits)
	return loss, nil
}

// step closes one accumulation window: synchronize gradients across
// ranks, unscale, clip, update, refresh the scaler, zero gradients. A
// window with non-finite gradients is skipped and the scale backs off.
func (tr *Trainer) step() error {
	if err := tr.Coord.SyncGrads(tr.trainables); err != nil {
		return err
	}
	if tr.Scaler.ShouldStep(tr.trainables) {
		if tr.Cfg.GradClip > 0 {
			optim.ClipGradNorm(tr.trainables, tr.Cfg.GradClip)
		}
		tr.Opt.Step()
	} else {
		tr.log.Warn("skipping step, non-finite gradients",
			"step", tr.State.Step, "scale", tr.Scaler.ScaleFactor())
	}
	tr.Scaler.Update()
	tr.Model.ZeroGrad()
	tr.State.Step++
	return nil
}

// Validate computes the mean cross-entropy over a validation set. Padding
// targets are ignored; no mask beyond that applies.
func (tr *Trainer) Validate(val *Dataset) (float64, error) {
	source := val.Shard(tr.State.Epoch, tr.Coord.Rank, tr.Coord.WorldSize, tr.Cfg.BatchSize, tr.Cfg.Seed)
	var losses []float64
	for {
		batch, ok := source.Next()
		if !ok {
			break
		}
		_, mean, _, err := tr.Model.Forward(batch.Inputs, batch.Targets, batch.B, batch.T)
		if err != nil {
			return 0, err
		}
		losses = append(losses, mean)
	}
	if len(losses) == 0 {
		return 0, fmt.Errorf("train: validation set produced no batches")
	}
	local := stat.Mean(losses, nil)
	buf := []float32{float32(local)}
	if err := tr.Coord.AllReduce(buf); err != nil {
		return 0, err
	}
	return float64(buf[0]), nil
}

// save writes a checkpoint from the master rank.
func (tr *Trainer) save(name string) error {
	if !tr.Coord.IsMaster() {
		return nil
	}
	path := filepath.Join(tr.Cfg.OutDir, name)
	if err := checkpoint.Save(path, tr.Model, tr.Cfg.SaveMode); err != nil {
		return err
	}
	tr.log.Info("checkpoint saved", "path", path, "mode", tr.Cfg.SaveMode)
	return nil
}

func smooth(running, loss float64) float64 {
	if running == 0 {
		return loss
	}
	return 0.95*running + 0.05*loss
}
