// eva2clip_train trains the flow matching DiT that maps EVA-CLIP embeddings
// to CLIP embeddings.
//
// Usage:
//
//	eva2clip_train --embeddings=embeddings.npz --checkpoint=~/work/eva2clip \
//	    --set="batch_size=64;learning_rate=1e-4;train_steps=200000"
package main

import (
	"flag"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"

	"github.com/Hafeezmhk7/eva-clip-v3/dit"
	"github.com/Hafeezmhk7/eva-clip-v3/embeddings"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagEmbeddings = flag.String("embeddings", "", "Path to the NPZ artifact with the EVA and CLIP embeddings.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. Required.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the held-out data in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := dit.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagEmbeddings == "" {
		klog.Exitf("An embeddings artifact is required, set it with --embeddings")
	}
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.MustNew()
	artifact := check1(embeddings.Load(*flagEmbeddings))
	config := dit.NewConfig(backend, ctx, artifact, paramsSet)
	err := exceptions.TryCatch[error](func() {
		dit.TrainModel(config, *flagCheckpoint, *flagEval, *flagVerbosity)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
