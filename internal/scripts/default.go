// Package scripts holds the built-in Go worker scripts.
package scripts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"offload/internal/worker"
)

// Default is the script id of the default pool.
const Default = "default"

// Register installs the built-in scripts on reg.
func Register(reg *worker.Registry) {
	reg.Register(Default, DefaultScript())
}

// DefaultScript serves the task types echo, double, checksum, sleep and fail.
func DefaultScript() worker.Script {
	return worker.Mux{
		"echo":     echo,
		"double":   worker.Typed(double),
		"checksum": worker.Typed(checksum),
		"sleep":    worker.Typed(sleep),
		"fail":     worker.Typed(fail),
	}.Script()
}

func echo(_ context.Context, job *worker.Job) (worker.Payload, error) {
	if len(job.Data) == 0 {
		return worker.Payload("null"), nil
	}
	return job.Data, nil
}

type DoubleInput struct {
	N float64 `json:"n"`
}

func double(_ context.Context, _ *worker.Job, in DoubleInput) (float64, error) {
	return in.N * 2, nil
}

type ChecksumInput struct {
	Text   string `json:"text"`
	Rounds int    `json:"rounds"`
}

type ChecksumOutput struct {
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
	Rounds int    `json:"rounds"`
}

// checksum hashes Text, re-hashing the digest Rounds times, and reports progress.
func checksum(ctx context.Context, job *worker.Job, in ChecksumInput) (ChecksumOutput, error) {
	rounds := max(in.Rounds, 1)
	sum := sha256.Sum256([]byte(in.Text))
	step := max(rounds/10, 1)
	for i := 1; i < rounds; i++ {
		if err := ctx.Err(); err != nil {
			return ChecksumOutput{}, err
		}
		sum = sha256.Sum256(sum[:])
		if i%step == 0 {
			job.Progress(float64(i)*100/float64(rounds), "hashing")
		}
	}
	job.Progress(100, "done")
	return ChecksumOutput{SHA256: hex.EncodeToString(sum[:]), Bytes: len(in.Text), Rounds: rounds}, nil
}

type SleepInput struct {
	MS int `json:"ms"`
}

type SleepOutput struct {
	SleptMS int64 `json:"slept_ms"`
}

func sleep(ctx context.Context, _ *worker.Job, in SleepInput) (SleepOutput, error) {
	start := time.Now()
	t := time.NewTimer(time.Duration(max(in.MS, 0)) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return SleepOutput{}, ctx.Err()
	case <-t.C:
	}
	return SleepOutput{SleptMS: time.Since(start).Milliseconds()}, nil
}

type FailInput struct {
	Message string `json:"message"`
}

func fail(_ context.Context, _ *worker.Job, in FailInput) (struct{}, error) {
	if in.Message == "" {
		in.Message = "task failed on request"
	}
	return struct{}{}, errors.New(in.Message)
}
