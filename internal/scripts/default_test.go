package scripts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"offload/internal/worker"
)

func run(t *testing.T, typ, data string) (worker.Payload, error) {
	t.Helper()
	job := &worker.Job{TaskID: "t", Type: typ}
	if data != "" {
		job.Data = worker.Payload(data)
	}
	return DefaultScript()(context.Background(), job)
}

func TestDefaultScriptTaskTypes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		typ, data, want string
	}{
		{"echo", `{"a":1}`, `{"a":1}`},
		{"echo", "", "null"},
		{"double", `{"n":21}`, "42"},
		{"double", `{"n":1.5}`, "3"},
	}
	for _, tc := range cases {
		out, err := run(t, tc.typ, tc.data)
		if err != nil {
			t.Fatalf("%s(%s): %v", tc.typ, tc.data, err)
		}
		if string(out) != tc.want {
			t.Fatalf("%s(%s) = %s, want %s", tc.typ, tc.data, out, tc.want)
		}
	}
}

func TestChecksumMatchesSHA256(t *testing.T) {
	t.Parallel()
	out, err := run(t, "checksum", `{"text":"offload"}`)
	if err != nil {
		t.Fatal(err)
	}
	var got ChecksumOutput
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte("offload"))
	if got.SHA256 != hex.EncodeToString(sum[:]) || got.Bytes != 7 || got.Rounds != 1 {
		t.Fatalf("checksum = %+v", got)
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	job := &worker.Job{TaskID: "t", Type: "sleep", Data: worker.Payload(`{"ms":60000}`)}
	start := time.Now()
	if _, err := DefaultScript()(ctx, job); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep ignored cancellation")
	}
}

func TestFailAndUnknownTypes(t *testing.T) {
	t.Parallel()
	if _, err := run(t, "fail", `{"message":"nope"}`); err == nil || err.Error() != "nope" {
		t.Fatalf("fail err = %v", err)
	}
	if _, err := run(t, "resize", ""); err == nil {
		t.Fatal("expected unsupported type error")
	}
	if _, err := run(t, "double", `{"n":"x"}`); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRegisterInstallsDefault(t *testing.T) {
	t.Parallel()
	reg := worker.NewRegistry()
	Register(reg)
	if !reg.Has(Default) {
		t.Fatal("default script not registered")
	}
}
