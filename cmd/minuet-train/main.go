// minuet-train fine-tunes a composer adapter on a synthetic corpus using
// the tiny built-in model. It demonstrates the full pipeline: windowing,
// stratified batching, memory planning, accumulation, mixed precision,
// and disk checkpoints. Real runs swap the model behind the same
// interfaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os/signal"
	"syscall"

	"minuet-go/minuet"
)

func main() {
	composerName := flag.String("composer", "chopin", "composer to fine-tune for")
	epochs := flag.Int("epochs", 2, "training epochs")
	steps := flag.Int("steps", 200, "max optimizer steps (0 = unlimited)")
	ckptDir := flag.String("checkpoints", "checkpoints", "checkpoint directory")
	resume := flag.String("resume", "", "checkpoint to resume from")
	flag.Parse()

	composer := minuet.ParseComposer(*composerName)

	cfg, err := minuet.NewConfig(
		minuet.WithMaxSeqLen(128),
		minuet.WithOverlap(16),
		minuet.WithBatchSize(8),
		minuet.WithAccumSteps(4),
		minuet.WithAdapterRank(4),
		minuet.WithAdapterAlpha(8),
		minuet.WithCheckpointInterval(50),
		minuet.WithCheckpointDir(*ckptDir),
		minuet.WithMaxSteps(*steps),
	)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	model, err := minuet.NewTinyModel(256, 32, cfg.MaxSeqLen, cfg.Seed)
	if err != nil {
		log.Fatalf("model: %v", err)
	}

	adapters := minuet.NewAdapterManager(composer)
	if err := adapters.Attach(model, cfg.AdapterRank, cfg.AdapterAlpha, cfg.LayerSelector()); err != nil {
		log.Fatalf("attach adapters: %v", err)
	}

	trainer, err := minuet.NewTrainer(cfg, model, adapters)
	if err != nil {
		log.Fatalf("trainer: %v", err)
	}
	trainer.Progress = true
	if *resume != "" {
		if err := trainer.Resume(*resume); err != nil {
			log.Fatalf("resume: %v", err)
		}
		fmt.Printf("resumed from %s at step %d\n", *resume, trainer.State().Step)
	}

	windower, err := minuet.NewWindower(cfg.MaxSeqLen, cfg.Overlap)
	if err != nil {
		log.Fatalf("windower: %v", err)
	}
	asm, err := minuet.NewBatchAssembler(trainer.MicroBatchSize(), model.PadTokenID(), cfg.Seed)
	if err != nil {
		log.Fatalf("assembler: %v", err)
	}
	for _, seq := range syntheticCorpus(model, composer, cfg.Seed) {
		asm.AddSequence(windower, seq)
	}
	fmt.Printf("corpus: %d windows, micro-batch %d\n", asm.NumWindows(), trainer.MicroBatchSize())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := trainer.Run(ctx, asm, *epochs); err != nil {
		log.Fatalf("training halted: %v", err)
	}
	if err := trainer.Checkpoint(); err != nil {
		log.Fatalf("final checkpoint: %v", err)
	}

	st := trainer.State()
	fmt.Printf("done: step %d, loss %.4f, skipped %d, checkpoint %s\n",
		st.Step, st.RunningLoss, st.SkippedSteps, trainer.LastCheckpoint())
}

// syntheticCorpus builds a few pseudo-compositions per composer so the
// demo has something stratified to train on.
func syntheticCorpus(model *minuet.TinyModel, focus minuet.Composer, seed int64) []*minuet.TokenSequence {
	rng := rand.New(rand.NewSource(seed))
	vocab := model.VocabSize() - 2 // keep EOS and pad out of the data

	var seqs []*minuet.TokenSequence
	add := func(c minuet.Composer, count, length int) {
		for i := 0; i < count; i++ {
			tokens := make([]int, length+rng.Intn(length))
			for j := range tokens {
				tokens[j] = rng.Intn(vocab)
			}
			seqs = append(seqs, minuet.NewTokenSequence(c, tokens))
		}
	}
	add(focus, 8, 300)
	add(minuet.ComposerBach, 4, 300)
	add(minuet.ComposerMozart, 2, 300)
	return seqs
}
