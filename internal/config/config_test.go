package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"

	"github.com/git-pkgs/gemserver/internal/logutil"
)

type testCLI struct {
	Config Config `embed:""`
	Serve  Serve  `embed:""`
}

func (c *testCLI) Validate() error { return c.Config.Validate() }

func parse(t *testing.T, args ...string) (*testCLI, error) {
	t.Helper()
	var cli testCLI
	parser, err := kong.New(&cli, kong.Exit(func(int) { t.Fatal("kong tried to exit") }))
	if err != nil {
		t.Fatal(err)
	}
	_, err = parser.Parse(args)
	return &cli, err
}

func TestDefaults(t *testing.T) {
	cli, err := parse(t)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	c := cli.Config
	if c.Store != "leveldb:data" {
		t.Errorf("Store = %q, want %q", c.Store, "leveldb:data")
	}
	if c.LockTTL != 2*time.Minute {
		t.Errorf("LockTTL = %v, want 2m", c.LockTTL)
	}
	if c.MaxNames != 200 {
		t.Errorf("MaxNames = %d, want 200", c.MaxNames)
	}
	if c.Upstream != "" {
		t.Errorf("Upstream = %q, want empty", c.Upstream)
	}
	if cli.Serve.Listen != ":9292" {
		t.Errorf("Listen = %q, want %q", cli.Serve.Listen, ":9292")
	}
}

func TestFlagsAndEnv(t *testing.T) {
	t.Setenv("GEMSERVER_STORE", "mem://")
	t.Setenv("GEMSERVER_API_KEY", "s3cret")

	cli, err := parse(t, "--lock-ttl=5s", "--upstream=https://rubygems.org", "--log-format=json")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cli.Config.Store != "mem://" {
		t.Errorf("Store = %q, want %q", cli.Config.Store, "mem://")
	}
	if cli.Serve.APIKey != "s3cret" {
		t.Errorf("APIKey = %q, want %q", cli.Serve.APIKey, "s3cret")
	}
	if cli.Config.LockTTL != 5*time.Second {
		t.Errorf("LockTTL = %v, want 5s", cli.Config.LockTTL)
	}

	// Upstream adds the mirror option.
	if got, want := len(cli.Config.Options(logutil.Discard())), 7; got != want {
		t.Errorf("len(Options()) = %d, want %d", got, want)
	}
	if got, want := len(cli.Serve.ServerOptions(&cli.Config, logutil.Discard())), 4; got != want {
		t.Errorf("len(ServerOptions()) = %d, want %d", got, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
		ok   bool
	}{
		{"defaults", nil, true},
		{"empty store", []string{"--store="}, false},
		{"zero ttl", []string{"--lock-ttl=0s"}, false},
		{"relative upstream", []string{"--upstream=rubygems.org"}, false},
		{"bad log format", []string{"--log-format=xml"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.args...)
			if (err == nil) != tt.ok {
				t.Errorf("Parse(%v) error = %v, want ok=%v", tt.args, err, tt.ok)
			}
		})
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	if err := os.WriteFile(file, []byte("GEMSERVER_DOTENV_TEST=from-file\nGEMSERVER_DOTENV_SET=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GEMSERVER_DOTENV_SET", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("GEMSERVER_DOTENV_TEST") })

	if err := LoadEnv(file, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if got := os.Getenv("GEMSERVER_DOTENV_TEST"); got != "from-file" {
		t.Errorf("GEMSERVER_DOTENV_TEST = %q, want %q", got, "from-file")
	}
	if got := os.Getenv("GEMSERVER_DOTENV_SET"); got != "from-env" {
		t.Errorf("GEMSERVER_DOTENV_SET = %q, want %q", got, "from-env")
	}
}
