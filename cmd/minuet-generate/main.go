// minuet-generate produces a long-form token stream with the tiny
// built-in model plus a trained composer adapter, stitching sliding
// windows past the model's native context.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"minuet-go/minuet"
)

func main() {
	composerName := flag.String("composer", "chopin", "composer adapter to load")
	adapterPath := flag.String("adapter", "", "adapter checkpoint (default: checkpoints/adapter-<composer>.ckpt)")
	length := flag.Int("length", 512, "target output length in tokens")
	overlap := flag.Int("overlap", 16, "continuity overlap between windows")
	temperature := flag.Float64("temperature", 0.9, "sampling temperature")
	topK := flag.Int("top-k", 40, "top-k cutoff (0 = off)")
	seed := flag.Int64("seed", 7, "sampling seed")
	flag.Parse()

	composer := minuet.ParseComposer(*composerName)

	model, err := minuet.NewTinyModel(256, 32, 128, 42)
	if err != nil {
		log.Fatalf("model: %v", err)
	}

	adapters := minuet.NewAdapterManager(composer)
	if err := adapters.Attach(model, 4, 8, nil); err != nil {
		log.Fatalf("attach adapters: %v", err)
	}
	path := *adapterPath
	if path == "" {
		path = minuet.AdapterPath("checkpoints", composer)
	}
	if err := adapters.Load(path); err != nil {
		log.Fatalf("load adapter %s: %v", path, err)
	}

	// Fold the adapter in for faster window regeneration; keep the
	// pre-merge weights so the process could switch composers.
	if err := adapters.Merge(true); err != nil {
		log.Fatalf("merge: %v", err)
	}

	gen, err := minuet.NewGenerator(model, adapters.Hook(), *overlap)
	if err != nil {
		log.Fatalf("generator: %v", err)
	}
	sp, err := minuet.NewSamplingParams(
		minuet.WithTemperature(*temperature),
		minuet.WithTopK(*topK),
		minuet.WithSamplingSeed(*seed),
	)
	if err != nil {
		log.Fatalf("sampling: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := gen.Generate(ctx, composer, nil, *length, sp)
	if err != nil {
		log.Fatalf("generate: %v", err)
	}

	fmt.Printf("request %s: %d tokens over %d windows (eos=%v)\n",
		res.ID, len(res.Tokens), res.Windows, res.HitEOS)
	for i, tok := range res.Tokens {
		if i > 0 && i%16 == 0 {
			fmt.Println()
		}
		fmt.Printf("%4d ", tok)
	}
	fmt.Println()
}
