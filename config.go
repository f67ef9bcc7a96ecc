package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration parsed from command-line flags
// and, optionally, a YAML file.
type Config struct {
	Input           string
	Deviation       float64
	OutputDir       string
	Prefix          string
	Timeout         time.Duration
	Privacy         *PrivacyRegion
	Model           string
	ErodeSize       int
	Counter         bool
	Stamp           bool
	Quality         int
	MetricsInterval time.Duration
	LogFormat       string

	// Warnings collects configuration problems that disable a feature instead of
	// stopping the program. They are logged once at startup.
	Warnings []string
}

// flagValues mirrors the flags one to one, before validation.
type flagValues struct {
	configPath      string
	input           string
	deviation       float64
	output          string
	prefix          string
	timeout         int
	privacy         string
	model           string
	erode           int
	counter         bool
	stamp           bool
	quality         int
	metricsInterval time.Duration
	logFormat       string
}

// shorthands maps short flag names to the long names used in config files.
var shorthands = map[string]string{
	"i": "input",
	"d": "deviation",
	"o": "output",
	"t": "timeout",
}

// fileConfig is the YAML config file. Absent keys leave the flag defaults alone.
type fileConfig struct {
	Input           *string        `yaml:"input"`
	Deviation       *float64       `yaml:"deviation"`
	Output          *string        `yaml:"output"`
	Prefix          *string        `yaml:"prefix"`
	Timeout         *int           `yaml:"timeout"`
	Privacy         *string        `yaml:"privacy"`
	Model           *string        `yaml:"model"`
	Erode           *int           `yaml:"erode"`
	Counter         *bool          `yaml:"counter"`
	Stamp           *bool          `yaml:"stamp"`
	Quality         *int           `yaml:"quality"`
	MetricsInterval *time.Duration `yaml:"metrics_interval"`
	LogFormat       *string        `yaml:"log_format"`
}

// loadFileConfig reads a YAML config file. Unknown keys are an error.
func loadFileConfig(path string) (*fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &fc, nil
}

// applyTo copies every value present in the file into v, unless the flag of the
// same name was given on the command line.
func (fc *fileConfig) applyTo(v *flagValues, explicit map[string]bool) {
	setString := func(name string, src *string, dst *string) {
		if src != nil && !explicit[name] {
			*dst = *src
		}
	}
	setInt := func(name string, src *int, dst *int) {
		if src != nil && !explicit[name] {
			*dst = *src
		}
	}
	setBool := func(name string, src *bool, dst *bool) {
		if src != nil && !explicit[name] {
			*dst = *src
		}
	}

	setString("input", fc.Input, &v.input)
	setString("output", fc.Output, &v.output)
	setString("prefix", fc.Prefix, &v.prefix)
	setString("privacy", fc.Privacy, &v.privacy)
	setString("model", fc.Model, &v.model)
	setString("logfmt", fc.LogFormat, &v.logFormat)
	setInt("timeout", fc.Timeout, &v.timeout)
	setInt("erode", fc.Erode, &v.erode)
	setInt("quality", fc.Quality, &v.quality)
	setBool("counter", fc.Counter, &v.counter)
	setBool("stamp", fc.Stamp, &v.stamp)

	if fc.Deviation != nil && !explicit["deviation"] {
		v.deviation = *fc.Deviation
	}
	if fc.MetricsInterval != nil && !explicit["metrics-interval"] {
		v.metricsInterval = *fc.MetricsInterval
	}
}

// parseFlags parses command-line arguments and returns the application configuration.
func parseFlags() (*Config, error) {
	// Create a new FlagSet to avoid global flag conflicts in tests
	fs := flag.NewFlagSet("smr", flag.ContinueOnError)

	var v flagValues
	fs.StringVar(&v.configPath, "config", "", "YAML config file; explicit flags take precedence")
	fs.StringVar(&v.input, "input", "", "Video source: device index, file or RTSP/HTTP(S) URL (required)")
	fs.StringVar(&v.input, "i", "", "Shorthand for -input")
	fs.Float64Var(&v.deviation, "deviation", DefaultDeviation, "Mask standard deviation that counts as motion")
	fs.Float64Var(&v.deviation, "d", DefaultDeviation, "Shorthand for -deviation")
	fs.StringVar(&v.output, "output", ".", "Directory for motion snapshots")
	fs.StringVar(&v.output, "o", ".", "Shorthand for -output")
	fs.StringVar(&v.prefix, "prefix", DefaultPrefix, "Snapshot file name prefix")
	fs.IntVar(&v.timeout, "timeout", 0, "Stop after this many seconds of recording (0 runs forever)")
	fs.IntVar(&v.timeout, "t", 0, "Shorthand for -timeout")
	fs.StringVar(&v.privacy, "privacy", "", "Privacy rectangle x1,y1,x2,y2 excluded from detection")
	fs.StringVar(&v.model, "model", ModelGaussian, "Background model: gaussian, mog2 or diff")
	fs.IntVar(&v.erode, "erode", DefaultErodeSize, "Erosion kernel size (2-4)")
	fs.BoolVar(&v.counter, "counter", false, "Append the frame counter to snapshot names")
	fs.BoolVar(&v.stamp, "stamp", false, "Draw the capture time onto snapshots")
	fs.IntVar(&v.quality, "quality", DefaultQuality, "JPEG quality (1-100)")
	fs.DurationVar(&v.metricsInterval, "metrics-interval", 30*time.Second, "Pipeline metrics log interval (0 disables)")
	fs.StringVar(&v.logFormat, "logfmt", "json", "Log format: json or kv")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	if v.configPath != "" {
		explicit := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) {
			name := f.Name
			if long, ok := shorthands[name]; ok {
				name = long
			}
			explicit[name] = true
		})

		fc, err := loadFileConfig(v.configPath)
		if err != nil {
			return nil, err
		}
		fc.applyTo(&v, explicit)
	}

	return v.config()
}

// config validates the raw values.
func (v *flagValues) config() (*Config, error) {
	if v.input == "" {
		return nil, fmt.Errorf("input flag is required")
	}

	if v.deviation < 0 {
		return nil, fmt.Errorf("deviation must not be negative")
	}

	if v.timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}

	if v.logFormat != "json" && v.logFormat != "kv" {
		return nil, fmt.Errorf("logfmt must be 'json' or 'kv'")
	}

	switch v.model {
	case ModelGaussian, ModelMOG2, ModelFrameDiff:
	default:
		return nil, fmt.Errorf("model must be one of %s, %s or %s", ModelGaussian, ModelMOG2, ModelFrameDiff)
	}

	if v.erode < minErodeSize || v.erode > maxErodeSize {
		return nil, fmt.Errorf("erode must be between %d and %d", minErodeSize, maxErodeSize)
	}

	if v.quality < 1 || v.quality > 100 {
		return nil, fmt.Errorf("quality must be between 1 and 100")
	}

	if v.metricsInterval < 0 {
		return nil, fmt.Errorf("metrics-interval must not be negative")
	}

	config := &Config{
		Input:           v.input,
		Deviation:       v.deviation,
		OutputDir:       v.output,
		Prefix:          v.prefix,
		Timeout:         time.Duration(v.timeout) * time.Second,
		Model:           v.model,
		ErodeSize:       v.erode,
		Counter:         v.counter,
		Stamp:           v.stamp,
		Quality:         v.quality,
		MetricsInterval: v.metricsInterval,
		LogFormat:       v.logFormat,
	}

	if v.privacy != "" {
		region, err := ParsePrivacyRegion(v.privacy)
		if err != nil {
			config.Warnings = append(config.Warnings, fmt.Sprintf("privacy masking disabled: %v", err))
		} else {
			config.Privacy = region
		}
	}

	return config, nil
}
