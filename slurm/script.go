package slurm

import (
	"strings"
	"text/template"

	"github.com/pkg/errors"
)

// shellQuote single-quotes s for bash, so settings values with spaces,
// semicolons or dollar signs reach the trainer as one argument.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// batchScriptTemplate is the #SBATCH script submitted for a Job. It creates
// the work directories, redirects the caches to scratch, refuses to start
// without the embeddings artifact, runs the trainer capturing its exit code,
// and on failure dumps the GPU state before propagating the code to SLURM.
var batchScriptTemplate = template.Must(template.New("sbatch").
	Funcs(template.FuncMap{"quote": shellQuote}).
	Parse(`#!/bin/bash
#SBATCH --job-name={{.Job.Name}}
#SBATCH --partition={{.Job.Partition}}
{{- if .Job.Account}}
#SBATCH --account={{.Job.Account}}
{{- end}}
#SBATCH --nodes={{.Job.Nodes}}
#SBATCH --gpus={{.Job.GPUs}}
#SBATCH --cpus-per-task={{.Job.CPUsPerTask}}
#SBATCH --mem={{.Job.Memory}}
#SBATCH --time={{.Job.TimeLimit}}
#SBATCH --output={{.Job.LogPath}}

set -u

mkdir -p "{{.Job.OutputDir}}"
{{- range .Env}}
export {{.}}
{{- end}}
mkdir -p "$XDG_CACHE_HOME" "$GOMLX_CACHE" "$HF_HOME" "$TMPDIR"

if [[ ! -f "{{.Job.Embeddings}}" ]]; then
    echo "ERROR: embeddings artifact not found: {{.Job.Embeddings}}" >&2
    exit 2
fi

echo "Job {{.Job.Name}} starting on $(hostname) at $(date)"
echo "Effective batch size: {{.EffectiveBatchSize}} ({{.Job.GPUs}} GPUs)"

status=0
{{quote .Job.TrainerBin}}{{range .TrainArgs}} \
    {{quote .}}{{end}} || status=$?

if [[ $status -eq 0 ]]; then
    echo "Training finished successfully at $(date)"
    echo "Checkpoints in {{.Job.OutputDir}}:"
    ls -lh "{{.Job.OutputDir}}"
else
    echo "Training FAILED with exit code $status at $(date)" >&2
    echo "--- GPU state ---" >&2
    nvidia-smi >&2 || true
fi
exit $status
`))

// scriptData is the data fed to batchScriptTemplate.
type scriptData struct {
	Job                *Job
	Env                []string
	TrainArgs          []string
	EffectiveBatchSize int
}

// RenderScript renders the #SBATCH batch script for the job.
func RenderScript(job *Job) (string, error) {
	var sb strings.Builder
	data := &scriptData{
		Job:                job,
		Env:                job.SortedEnv(),
		TrainArgs:          job.TrainArgs(),
		EffectiveBatchSize: job.EffectiveBatchSize(),
	}
	if err := batchScriptTemplate.Execute(&sb, data); err != nil {
		return "", errors.Wrapf(err, "failed to render batch script for job %q", job.Name)
	}
	return sb.String(), nil
}
