package cmd

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/promptopt/runtime"
	"github.com/justapithecus/promptopt/types"
)

// newTestContext runs a one-shot app so flags are parsed the way a
// command would parse them, aliases included, and returns its context.
func newTestContext(t *testing.T, flags []cli.Flag, args ...string) *cli.Context {
	t.Helper()
	var got *cli.Context
	app := &cli.App{
		Name:           "test",
		Flags:          flags,
		HideHelp:       true,
		Writer:         io.Discard,
		ErrWriter:      io.Discard,
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			got = c
			return nil
		},
	}
	if err := app.Run(append([]string{"test"}, args...)); err != nil {
		t.Fatalf("Run(%v) error = %v", args, err)
	}
	if got == nil {
		t.Fatalf("Run(%v) did not reach the action", args)
	}
	return got
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ec, ok := err.(cli.ExitCoder); ok {
		return ec.ExitCode()
	}
	return -1
}

func TestOutputFlags_IncludesTUI(t *testing.T) {
	hasTUI := false
	for _, f := range OutputFlags() {
		if f.Names()[0] == "tui" {
			hasTUI = true
			break
		}
	}
	if !hasTUI {
		t.Error("OutputFlags should include --tui flag for explicit error handling")
	}
}

func TestCommandFlags_NoDuplicates(t *testing.T) {
	commands := []*cli.Command{
		OptimizeCommand(),
		BatchCommand(),
		HealthCommand(),
		ReplayCommand(),
		VersionCommand("test"),
	}
	commands = append(commands, InspectCommand().Subcommands...)

	for _, cmd := range commands {
		seen := make(map[string]bool)
		for _, f := range cmd.Flags {
			for _, name := range f.Names() {
				if seen[name] {
					t.Errorf("%s: duplicate flag %q", cmd.Name, name)
				}
				seen[name] = true
			}
		}
	}
}

func TestResolve_Precedence(t *testing.T) {
	flags := joinFlags(requestFlags(), storageFlags(), policyFlags())

	t.Run("flag default without config", func(t *testing.T) {
		c := newTestContext(t, flags)
		if got := resolveString(c, "storage-backend", ""); got != "fs" {
			t.Errorf("storage-backend = %q, want fs", got)
		}
		if got := resolveInt(c, "buffer-events", 0); got != 0 {
			t.Errorf("buffer-events = %d, want 0", got)
		}
		if got := resolveDuration(c, "idle-timeout", 0); got != runtime.DefaultIdleTimeout {
			t.Errorf("idle-timeout = %v, want %v", got, runtime.DefaultIdleTimeout)
		}
	})

	t.Run("config beats default", func(t *testing.T) {
		c := newTestContext(t, flags)
		if got := resolveString(c, "storage-backend", "s3"); got != "s3" {
			t.Errorf("storage-backend = %q, want s3", got)
		}
		if got := resolveInt64(c, "buffer-bytes", 4096); got != 4096 {
			t.Errorf("buffer-bytes = %d, want 4096", got)
		}
		if got := resolveBool(c, "storage-s3-path-style", true); !got {
			t.Error("storage-s3-path-style = false, want true")
		}
		if got := resolveDuration(c, "idle-timeout", 5*time.Second); got != 5*time.Second {
			t.Errorf("idle-timeout = %v, want 5s", got)
		}
	})

	t.Run("explicit flag beats config", func(t *testing.T) {
		c := newTestContext(t, flags,
			"--storage-backend", "fs",
			"--buffer-events", "10",
			"--storage-s3-path-style=false",
			"--idle-timeout", "1s",
		)
		if got := resolveString(c, "storage-backend", "s3"); got != "fs" {
			t.Errorf("storage-backend = %q, want fs", got)
		}
		if got := resolveInt(c, "buffer-events", 99); got != 10 {
			t.Errorf("buffer-events = %d, want 10", got)
		}
		if got := resolveBool(c, "storage-s3-path-style", true); got {
			t.Error("storage-s3-path-style = true, want false")
		}
		if got := resolveDuration(c, "idle-timeout", 5*time.Second); got != time.Second {
			t.Errorf("idle-timeout = %v, want 1s", got)
		}
	})
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		base    map[string]string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", want: nil},
		{
			name:  "flags only",
			pairs: []string{"Authorization=Bearer x", "X-Trace=1"},
			want:  map[string]string{"Authorization": "Bearer x", "X-Trace": "1"},
		},
		{
			name:  "flag overrides config",
			pairs: []string{"X-Trace=2"},
			base:  map[string]string{"X-Trace": "1", "X-Team": "core"},
			want:  map[string]string{"X-Trace": "2", "X-Team": "core"},
		},
		{
			name:  "value may contain equals",
			pairs: []string{"X-Sig=a=b"},
			want:  map[string]string{"X-Sig": "a=b"},
		},
		{name: "missing separator", pairs: []string{"Authorization"}, wantErr: true},
		{name: "empty key", pairs: []string{"=v"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHeaders("header", tt.pairs, tt.base)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseHeaders() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parseHeaders() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidateStorageConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		choice  storageChoice
		wantErr string
	}{
		{name: "fs disabled", choice: storageChoice{backend: "fs"}},
		{name: "fs existing dir", choice: storageChoice{backend: "fs", path: dir}},
		{
			name:    "fs missing dir",
			choice:  storageChoice{backend: "fs", path: filepath.Join(dir, "nope")},
			wantErr: "does not exist",
		},
		{
			name:    "fs path is a file",
			choice:  storageChoice{backend: "fs", path: file},
			wantErr: "not a directory",
		},
		{
			name:   "s3 bucket and prefix",
			choice: storageChoice{backend: "s3", path: "bucket/prefix", region: "us-east-1"},
		},
		{
			name:    "s3 without path",
			choice:  storageChoice{backend: "s3"},
			wantErr: "required for the s3 backend",
		},
		{
			name:    "unknown backend",
			choice:  storageChoice{backend: "gcs", path: "x"},
			wantErr: "invalid --storage-backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateStorageConfig(tt.choice)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateStorageConfig() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateStorageConfig() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParsePolicyChoice_Default(t *testing.T) {
	c := newTestContext(t, policyFlags())
	if got := parsePolicyChoice(c, nil, false).name; got != "noop" {
		t.Errorf("without storage: policy = %q, want noop", got)
	}
	if got := parsePolicyChoice(c, nil, true).name; got != "strict" {
		t.Errorf("with storage: policy = %q, want strict", got)
	}

	c = newTestContext(t, policyFlags(), "--policy", "buffered")
	if got := parsePolicyChoice(c, nil, true).name; got != "buffered" {
		t.Errorf("explicit: policy = %q, want buffered", got)
	}
}

func TestValidatePolicyConfig(t *testing.T) {
	tests := []struct {
		name    string
		choice  policyChoice
		storage bool
		wantErr string
	}{
		{name: "noop without storage", choice: policyChoice{name: "noop"}},
		{name: "strict with storage", choice: policyChoice{name: "strict"}, storage: true},
		{
			name:    "strict without storage",
			choice:  policyChoice{name: "strict"},
			wantErr: "requires --storage-path",
		},
		{
			name:    "buffered with events limit",
			choice:  policyChoice{name: "buffered", flushMode: "at_least_once", maxEvents: 100},
			storage: true,
		},
		{
			name:    "buffered with bytes limit",
			choice:  policyChoice{name: "buffered", flushMode: "best_effort", maxBytes: 1 << 20},
			storage: true,
		},
		{
			name:    "buffered without limits",
			choice:  policyChoice{name: "buffered", flushMode: "at_least_once"},
			storage: true,
			wantErr: "requires buffer limits",
		},
		{
			name:    "buffered bad flush mode",
			choice:  policyChoice{name: "buffered", flushMode: "sometimes", maxEvents: 1},
			storage: true,
			wantErr: "invalid --flush-mode",
		},
		{
			name:    "unknown policy",
			choice:  policyChoice{name: "yolo"},
			wantErr: "invalid --policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePolicyConfig(tt.choice, tt.storage)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validatePolicyConfig() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validatePolicyConfig() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseAdapterChoice(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    *adapterChoice
		wantErr string
	}{
		{name: "none", args: nil, want: nil},
		{
			name: "webhook",
			args: []string{"--adapter", "webhook", "--adapter-url", "http://hooks.local/x", "--adapter-header", "X-Token=abc"},
			want: &adapterChoice{
				adapterType: "webhook",
				url:         "http://hooks.local/x",
				headers:     map[string]string{"X-Token": "abc"},
				retries:     3,
			},
		},
		{
			name: "redis with channel",
			args: []string{"--adapter", "redis", "--adapter-url", "redis://localhost:6379/0", "--adapter-channel", "done", "--adapter-retries", "0"},
			want: &adapterChoice{
				adapterType: "redis",
				url:         "redis://localhost:6379/0",
				channel:     "done",
			},
		},
		{
			name:    "missing url",
			args:    []string{"--adapter", "webhook"},
			wantErr: "--adapter-url is required",
		},
		{
			name:    "unknown adapter",
			args:    []string{"--adapter", "kafka", "--adapter-url", "x"},
			wantErr: "invalid --adapter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestContext(t, adapterFlags(), tt.args...)
			got, err := parseAdapterChoice(c, nil)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("parseAdapterChoice() error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAdapterChoice() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(adapterChoice{})); diff != "" {
				t.Errorf("parseAdapterChoice() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildAdapter(t *testing.T) {
	a, err := buildAdapter(nil)
	if err != nil || a != nil {
		t.Fatalf("buildAdapter(nil) = %v, %v; want nil, nil", a, err)
	}

	a, err = buildAdapter(&adapterChoice{adapterType: "webhook", url: "http://hooks.local"})
	if err != nil {
		t.Fatalf("buildAdapter(webhook) error = %v", err)
	}
	_ = a.Close()

	if _, err := buildAdapter(&adapterChoice{adapterType: "redis", url: "not a url"}); err == nil {
		t.Error("expected error for invalid redis URL")
	}
}

func TestReadPrompt(t *testing.T) {
	dir := t.TempDir()
	promptFile := filepath.Join(dir, "prompt.txt")
	if err := os.WriteFile(promptFile, []byte("  from file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	flags := []cli.Flag{
		&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}},
		&cli.StringFlag{Name: "file"},
	}

	tests := []struct {
		name     string
		args     []string
		want     string
		wantCode int
	}{
		{name: "flag", args: []string{"--prompt", "hello"}, want: "hello"},
		{name: "alias", args: []string{"-p", "hi"}, want: "hi"},
		{name: "argument", args: []string{"write a haiku"}, want: "write a haiku"},
		{name: "file trimmed", args: []string{"--file", promptFile}, want: "from file"},
		{name: "missing", args: nil, wantCode: runtime.ExitCodeUsage},
		{name: "blank", args: []string{"--prompt", "   "}, wantCode: runtime.ExitCodeUsage},
		{name: "two sources", args: []string{"--prompt", "a", "b"}, wantCode: runtime.ExitCodeUsage},
		{name: "unreadable file", args: []string{"--file", filepath.Join(dir, "nope")}, wantCode: runtime.ExitCodeUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestContext(t, flags, tt.args...)
			got, err := readPrompt(c)
			if code := exitCode(err); code != tt.wantCode {
				t.Fatalf("readPrompt() exit code = %d (%v), want %d", code, err, tt.wantCode)
			}
			if got != tt.want {
				t.Errorf("readPrompt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadInput_Stdin(t *testing.T) {
	c := newTestContext(t, nil)
	c.App.Reader = strings.NewReader("one\ntwo\n")
	got, err := readInput(c, "-")
	if err != nil {
		t.Fatalf("readInput() error = %v", err)
	}
	if string(got) != "one\ntwo\n" {
		t.Errorf("readInput() = %q", got)
	}
}

func TestParsePrompts(t *testing.T) {
	data := []byte("# header\nfirst prompt\n\n  second prompt  \n#skipped\nthird\n")
	want := []string{"first prompt", "second prompt", "third"}
	if diff := cmp.Diff(want, parsePrompts(data)); diff != "" {
		t.Errorf("parsePrompts() mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchExitCode(t *testing.T) {
	item := func(status types.OutcomeStatus) *runtime.BatchItem {
		return &runtime.BatchItem{Attempts: []*runtime.RunResult{{Outcome: &types.RunOutcome{Status: status}}}}
	}
	notStarted := &runtime.BatchItem{}

	tests := []struct {
		name     string
		items    []*runtime.BatchItem
		canceled bool
		want     int
	}{
		{
			name:  "all succeeded",
			items: []*runtime.BatchItem{item(types.OutcomeSuccess), item(types.OutcomeSuccess)},
			want:  runtime.ExitCodeSuccess,
		},
		{
			name:  "only transport failures",
			items: []*runtime.BatchItem{item(types.OutcomeSuccess), item(types.OutcomeTransportFailure)},
			want:  runtime.ExitCodeTransport,
		},
		{
			name:  "mixed failures",
			items: []*runtime.BatchItem{item(types.OutcomeTransportFailure), item(types.OutcomeServiceError)},
			want:  runtime.ExitCodeFailure,
		},
		{
			name:     "canceled",
			items:    []*runtime.BatchItem{item(types.OutcomeSuccess), notStarted},
			canceled: true,
			want:     runtime.ExitCodeCanceled,
		},
		{
			name:  "not started counts as failure",
			items: []*runtime.BatchItem{notStarted},
			want:  runtime.ExitCodeFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := batchExitCode(tt.items, tt.canceled); got != tt.want {
				t.Errorf("batchExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
