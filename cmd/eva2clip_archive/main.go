// eva2clip_archive packs a checkpoint directory into a tar.gz archive.
//
// Usage:
//
//	eva2clip_archive --checkpoint=~/work/eva2clip --out=eva2clip-run1.tar.gz
package main

import (
	"flag"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/Hafeezmhk7/eva-clip-v3/slurm"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "Checkpoint directory to archive. Required.")
	flagOut        = flag.String("out", "", "Path of the archive to write. Required.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagCheckpoint == "" || *flagOut == "" {
		klog.Exitf("Both --checkpoint and --out are required. See 'eva2clip_archive -help'")
	}
	names, err := slurm.ArchiveCheckpoints(*flagCheckpoint, *flagOut)
	if err != nil {
		klog.Exitf("Failed to archive checkpoints: %+v", err)
	}
	fmt.Printf("Archived %d entries from %s:\n", len(names), *flagCheckpoint)
	for _, name := range names {
		fmt.Printf("\t%s\n", name)
	}
}
