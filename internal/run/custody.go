package run

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/metalagman/autorefine/internal/descriptor"
	"github.com/metalagman/autorefine/internal/model"
	"github.com/zeebo/blake3"
)

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestFile streams a file through BLAKE3.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Problem is a chain-of-custody violation found by Verify.
type Problem struct {
	Step    int
	Path    string
	Message string
}

func (p Problem) String() string {
	return fmt.Sprintf("step %d: %s: %s", p.Step, p.Path, p.Message)
}

// Verify recomputes the digests of a run's archived inputs and outputs and checks that every
// input derives from the previous successful output with only identity and scale lines changed.
func Verify(ctx context.Context, store *Store, runID string) ([]Problem, error) {
	rec, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	iterations, err := store.Iterations(ctx, runID)
	if err != nil {
		return nil, err
	}
	layout := Layout{RunDir: rec.RunDir}

	var problems []Problem
	var prevOutput *descriptor.Snapshot
	for _, it := range iterations {
		if err := ctx.Err(); err != nil {
			return problems, err
		}
		if it.Skipped() {
			continue
		}

		inputPath := layout.InputPath(it.Step)
		input, ok := checkArchived(&problems, it, inputPath, it.InputDigest)
		if ok && prevOutput != nil {
			for _, line := range unexpectedChanges(prevOutput, input) {
				problems = append(problems, Problem{
					Step:    it.Step,
					Path:    inputPath,
					Message: fmt.Sprintf("line %d differs from the previous output", line+1),
				})
			}
		}

		if it.Outcome != model.OutcomeOK {
			continue
		}
		outputPath := layout.OutputPath(it.OutputName)
		if output, ok := checkArchived(&problems, it, outputPath, it.OutputDigest); ok {
			prevOutput = output
		}
	}
	return problems, nil
}

func checkArchived(problems *[]Problem, it model.IterationResult, path, want string) (*descriptor.Snapshot, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		*problems = append(*problems, Problem{Step: it.Step, Path: path, Message: err.Error()})
		return nil, false
	}
	if got := Digest(data); got != want {
		*problems = append(*problems, Problem{Step: it.Step, Path: path, Message: fmt.Sprintf("digest %s, recorded %s", got, want)})
		return nil, false
	}
	return descriptor.Parse(data), true
}

// unexpectedChanges returns lines that differ between a seed output and the next input and are
// neither identity lines nor scale lines.
func unexpectedChanges(output, input *descriptor.Snapshot) []int {
	allowed := make(map[int]bool)
	for _, l := range input.Locate() {
		switch l.Kind {
		case descriptor.KindPattern, descriptor.KindResultTable, descriptor.KindParameters,
			descriptor.KindProfile, descriptor.KindReflections, descriptor.KindScale:
			allowed[l.Number] = true
		}
	}
	var out []int
	for _, line := range descriptor.Diff(output, input) {
		if !allowed[line] {
			out = append(out, line)
		}
	}
	return out
}
