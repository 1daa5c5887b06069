package opengeotiff

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingField = errors.New("missing field")
	ErrInvalidField = errors.New("invalid field")
)

var errUnsupportedConfigFormat = errors.New("unsupported config format")

// A FieldError is returned for each missing or malformed configuration field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// A MaskConfig configures the inclusive range of cell values to vectorize.
type MaskConfig struct {
	Min           *float64 `hcl:"min,optional"            yaml:"min"`
	Max           *float64 `hcl:"max,optional"            yaml:"max"`
	IncludeNoData bool     `hcl:"include_nodata,optional" yaml:"include_nodata"`
}

// A Config configures a Pipeline.
type Config struct {
	Source      string      `hcl:"source,optional"       yaml:"source"`
	CacheDir    string      `hcl:"cache_dir,optional"    yaml:"cache_dir"`
	Clipping    string      `hcl:"clipping,optional"     yaml:"clipping"`
	ClippingCRS string      `hcl:"clipping_crs,optional" yaml:"clipping_crs"`
	Output      string      `hcl:"output,optional"       yaml:"output"`
	Layer       string      `hcl:"layer,optional"        yaml:"layer"`
	Checksum    string      `hcl:"checksum,optional"     yaml:"checksum"`
	MetricsFile string      `hcl:"metrics_file,optional" yaml:"metrics_file"`
	Mask        *MaskConfig `hcl:"mask,block"            yaml:"mask"`
}

// LoadConfig reads and validates the configuration file at path. Files ending
// in .hcl are parsed as HCL, everything else as YAML.
func LoadConfig(path string) (*Config, error) {
	var config Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".hcl":
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		if err := hclsimple.DecodeFile(path, nil, &config); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case ".yaml", ".yml", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%s: %w", ext, errUnsupportedConfigFormat)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &config, nil
}

// Validate returns an error for each missing or malformed field in c.
func (c *Config) Validate() error {
	var errs []error
	for _, field := range []struct {
		name  string
		value string
	}{
		{"source", c.Source},
		{"cache_dir", c.CacheDir},
		{"clipping", c.Clipping},
		{"output", c.Output},
	} {
		if field.value == "" {
			errs = append(errs, &FieldError{Field: field.name, Err: ErrMissingField})
		}
	}
	if c.Source != "" {
		if _, err := cacheName(c.Source); err != nil {
			errs = append(errs, &FieldError{Field: "source", Err: fmt.Errorf("%w: %w", ErrInvalidField, err)})
		}
	}
	if c.Checksum != "" {
		if _, err := parseChecksum(c.Checksum); err != nil {
			errs = append(errs, &FieldError{Field: "checksum", Err: fmt.Errorf("%w: %w", ErrInvalidField, err)})
		}
	}
	if c.ClippingCRS != "" {
		if _, err := ParseCRS(c.ClippingCRS); err != nil {
			errs = append(errs, &FieldError{Field: "clipping_crs", Err: fmt.Errorf("%w: %w", ErrInvalidField, err)})
		}
	}

	var maskConfig MaskConfig
	if c.Mask != nil {
		maskConfig = *c.Mask
	}
	for _, field := range []struct {
		name  string
		value *float64
	}{
		{"mask.min", maskConfig.Min},
		{"mask.max", maskConfig.Max},
	} {
		switch {
		case field.value == nil:
			errs = append(errs, &FieldError{Field: field.name, Err: ErrMissingField})
		case math.IsNaN(*field.value):
			errs = append(errs, &FieldError{Field: field.name, Err: ErrInvalidField})
		}
	}
	if maskConfig.Min != nil && maskConfig.Max != nil && *maskConfig.Min > *maskConfig.Max {
		errs = append(errs, &FieldError{
			Field: "mask",
			Err:   fmt.Errorf("min %g > max %g: %w", *maskConfig.Min, *maskConfig.Max, ErrInvalidField),
		})
	}

	return errors.Join(errs...)
}

// Range returns the mask range configured by c. c must be valid.
func (c *Config) Range() Range {
	return Range{
		Min:           *c.Mask.Min,
		Max:           *c.Mask.Max,
		IncludeNoData: c.Mask.IncludeNoData,
	}
}

// LayerName returns the output layer name, which defaults to the stem of the
// output filename.
func (c *Config) LayerName() string {
	if c.Layer != "" {
		return c.Layer
	}
	base := filepath.Base(c.Output)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
