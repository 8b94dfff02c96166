// eva2clip_submit renders and submits the SLURM batch job that trains the
// EVA-CLIP to CLIP flow matching model.
//
// Usage:
//
//	eva2clip_submit --job=job.yaml             # preflight + sbatch
//	eva2clip_submit --job=job.yaml --dry_run   # print the batch script
//	eva2clip_submit --job=job.yaml --local     # run the trainer in-process
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/Hafeezmhk7/eva-clip-v3/slurm"
)

var (
	flagJob    = flag.String("job", "", "Path to the YAML job file. Required.")
	flagDryRun = flag.Bool("dry_run", false, "Print the rendered batch script instead of submitting it.")
	flagLocal  = flag.Bool("local", false, "Run the trainer locally instead of submitting to SLURM.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagJob == "" {
		klog.Exitf("A job file is required, set it with --job. See 'eva2clip_submit -help'")
	}
	job, err := slurm.LoadJob(*flagJob)
	if err != nil {
		klog.Exitf("Failed to load job: %+v", err)
	}

	if *flagDryRun {
		script, err := slurm.RenderScript(job)
		if err != nil {
			klog.Exitf("Failed to render batch script: %+v", err)
		}
		fmt.Print(script)
		return
	}

	if *flagLocal {
		result, err := slurm.RunLocal(context.Background(), job)
		if err != nil {
			klog.Exitf("Failed to run job locally: %+v", err)
		}
		fmt.Print(slurm.Summarize(result))
		os.Exit(result.ExitCode)
	}

	if err := slurm.Preflight(job); err != nil {
		klog.Exitf("Preflight failed: %+v", err)
	}
	jobID, err := slurm.Submit(context.Background(), job)
	if err != nil {
		klog.Exitf("Failed to submit job: %+v", err)
	}
	fmt.Printf("Submitted batch job %d (%s, effective batch size %d)\n",
		jobID, job.Name, job.EffectiveBatchSize())
}
