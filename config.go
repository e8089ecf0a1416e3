package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// defaultOutput is the fact file written when no output is given.
const defaultOutput = "./out.ta"

// Config holds every run setting. Values come from defaults, then an
// optional YAML file, then explicitly set flags.
type Config struct {
	Dir        string   `yaml:"dir"`
	Out        string   `yaml:"out"`
	Inputs     []string `yaml:"inputs"`
	Excludes   []string `yaml:"excludes"`
	Ignore     []string `yaml:"ignore"`
	Suppress   bool     `yaml:"suppress"`
	Verbose    bool     `yaml:"verbose"`
	LowMemory  bool     `yaml:"low_memory"`
	DumpFreq   int      `yaml:"dump_freq"`
	Workers    int      `yaml:"workers"`
	DB         string   `yaml:"db"`
	ValidateDB bool     `yaml:"validate"`
	LogLevel   string   `yaml:"log_level"`
	LogFormat  string   `yaml:"log_format"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Dir:       ".",
		Out:       defaultOutput,
		DumpFreq:  DefaultDumpFrequency,
		Workers:   runtime.NumCPU(),
		LogLevel:  "info",
		LogFormat: logFormatAuto,
	}
}

// LoadConfig reads a YAML file over the defaults. Keys missing from the
// file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Out == "":
		return fmt.Errorf("%w: empty output path", ErrInvalidConfig)
	case c.DumpFreq <= 0:
		return fmt.Errorf("%w: dump frequency must be positive, got %d", ErrInvalidConfig, c.DumpFreq)
	case c.Workers < 0:
		return fmt.Errorf("%w: negative worker count %d", ErrInvalidConfig, c.Workers)
	case c.Suppress && len(c.Inputs) == 0:
		return fmt.Errorf("%w: discovery suppressed and no input files given", ErrNoInputFiles)
	}
	return nil
}

// overrideFromFlags copies every flag the user set explicitly from f into c.
func (c *Config) overrideFromFlags(fs *pflag.FlagSet, f Config) {
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("dir", func() { c.Dir = f.Dir })
	set("out", func() { c.Out = f.Out })
	set("input", func() { c.Inputs = f.Inputs })
	set("exclude", func() { c.Excludes = f.Excludes })
	set("ignore", func() { c.Ignore = f.Ignore })
	set("suppress", func() { c.Suppress = f.Suppress })
	set("verbose", func() { c.Verbose = f.Verbose })
	set("low-memory", func() { c.LowMemory = f.LowMemory })
	set("dump-freq", func() { c.DumpFreq = f.DumpFreq })
	set("workers", func() { c.Workers = f.Workers })
	set("db", func() { c.DB = f.DB })
	set("validate", func() { c.ValidateDB = f.ValidateDB })
	set("log-level", func() { c.LogLevel = f.LogLevel })
	set("log-format", func() { c.LogFormat = f.LogFormat })
}

// registerFlags binds the command-line flags to f, seeded with defaults.
func registerFlags(fs *pflag.FlagSet, f *Config) {
	d := DefaultConfig()
	fs.StringVarP(&f.Dir, "dir", "d", d.Dir, "starting directory to search for object files")
	fs.StringVarP(&f.Out, "out", "o", d.Out, "output TA file")
	fs.StringArrayVarP(&f.Inputs, "input", "i", nil, "object file to analyse (repeatable)")
	fs.StringArrayVarP(&f.Excludes, "exclude", "e", nil, "object file to leave out (repeatable)")
	fs.StringArrayVar(&f.Ignore, "ignore", nil, "gitignore-style pattern skipped during discovery (repeatable)")
	fs.BoolVarP(&f.Suppress, "suppress", "s", false, "skip directory discovery and use only --input files")
	fs.BoolVarP(&f.Verbose, "verbose", "v", false, "report every file and pass")
	fs.BoolVarP(&f.LowMemory, "low-memory", "l", false, "flush facts to the output periodically")
	fs.IntVar(&f.DumpFreq, "dump-freq", d.DumpFreq, "files between flushes in low-memory mode")
	fs.IntVar(&f.Workers, "workers", d.Workers, "parallel object file readers")
	fs.StringVar(&f.DB, "db", "", "also export facts to this SQLite database")
	fs.BoolVar(&f.ValidateDB, "validate", false, "run consistency queries on the SQLite export")
	fs.StringVar(&f.LogLevel, "log-level", d.LogLevel, "debug, info, warn or error")
	fs.StringVar(&f.LogFormat, "log-format", d.LogFormat, "auto, console or json")
}
