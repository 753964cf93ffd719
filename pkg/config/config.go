// Package config loads and validates the on-disk engine configuration,
// grounded on the teacher's pkg/validation/validator.go singleton-validator
// pattern (struct tags + go-playground/validator/v10) plus YAML decoding
// via gopkg.in/yaml.v3 for the file format itself.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dd0wney/irsdb/pkg/lsm"
)

// validate is a singleton validator instance, matching the teacher's
// package-level var + init() convention.
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Policy is the YAML-facing spelling of lsm.Policy.
type Policy string

const (
	PolicyLeveling Policy = "leveling"
	PolicyTiering  Policy = "tiering"
)

// MemtableKind is the YAML-facing spelling of lsm.MemTableKind.
type MemtableKind string

const (
	MemtableSorted             MemtableKind = "sorted"
	MemtableUnsorted           MemtableKind = "unsorted"
	MemtableUnsortedRejection  MemtableKind = "unsorted_rejection"
)

// File is the YAML document shape loaded from disk (spec §6's
// "Configuration (enumerated options)" table).
type File struct {
	DataDir string `yaml:"data_dir" validate:"required"`

	MemtableCapacity     int          `yaml:"memtable_capacity" validate:"required,min=1"`
	ScaleFactor          int          `yaml:"scale_factor" validate:"required,min=2"`
	Policy               Policy       `yaml:"policy" validate:"required,oneof=leveling tiering"`
	MaxDeletedProportion float64      `yaml:"max_deleted_proportion" validate:"min=0,max=1"`
	MemoryLevels         int          `yaml:"memory_levels" validate:"min=0"`
	BloomFilters         bool         `yaml:"bloom_filters"`
	BloomFPR             float64      `yaml:"bloom_fpr" validate:"gt=0,lt=1"`
	DeleteTagging        bool         `yaml:"delete_tagging"`
	MemtableType         MemtableKind `yaml:"memtable_type" validate:"required,oneof=sorted unsorted unsorted_rejection"`
	WeightedSampling     bool         `yaml:"weighted_sampling"`

	KeySize    int `yaml:"key_size" validate:"required,min=1"`
	ValueSize  int `yaml:"value_size" validate:"required,min=0"`
	WeightSize int `yaml:"weight_size" validate:"min=0"`

	PageCacheCapacity int   `yaml:"page_cache_capacity" validate:"required,min=1"`
	RngSeed           int64 `yaml:"rng_seed"`
}

// Default returns a File populated from lsm.DefaultConfig, for writing out
// a starter config or filling gaps in a partially-specified one.
func Default() File {
	d := lsm.DefaultConfig()
	return File{
		DataDir:              "./data",
		MemtableCapacity:     d.MemtableCapacity,
		ScaleFactor:          d.ScaleFactor,
		Policy:               PolicyTiering,
		MaxDeletedProportion: d.MaxDeletedProportion,
		MemoryLevels:         d.MemoryLevels,
		BloomFilters:         d.BloomFilters,
		BloomFPR:             d.BloomFPR,
		DeleteTagging:        d.DeleteTagging,
		MemtableType:         MemtableSorted,
		WeightedSampling:     d.WeightedSampling,
		KeySize:              d.KeySize,
		ValueSize:            d.ValueSize,
		WeightSize:           d.WeightSize,
		PageCacheCapacity:    d.PageCacheCapacity,
		RngSeed:              d.RngSeed,
	}
}

// Load reads and validates a YAML config file from path.
func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	f := Default()
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := Validate(&f); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate runs struct-tag validation over f, formatting the first failing
// field the way the teacher's formatValidationError does.
func Validate(f *File) error {
	if err := validate.Struct(f); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	if err == nil {
		return nil
	}
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	for _, e := range validationErrs {
		field := e.Field()
		tag := e.Tag()
		param := e.Param()
		switch tag {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, param)
		case "gt":
			return fmt.Errorf("%s: must be greater than %s", field, param)
		case "lt":
			return fmt.Errorf("%s: must be less than %s", field, param)
		default:
			return fmt.Errorf("%s: failed validation %q", field, tag)
		}
	}
	return err
}

// ToEngineConfig converts the validated YAML file into an lsm.Config ready
// for lsm.NewLSMTree. Compare is left nil, meaning lexicographic byte
// comparison (lsm.CompareBytes).
func (f File) ToEngineConfig() lsm.Config {
	cfg := lsm.Config{
		DataDir:              f.DataDir,
		MemtableCapacity:     f.MemtableCapacity,
		ScaleFactor:          f.ScaleFactor,
		MaxDeletedProportion: f.MaxDeletedProportion,
		MemoryLevels:         f.MemoryLevels,
		BloomFilters:         f.BloomFilters,
		BloomFPR:             f.BloomFPR,
		DeleteTagging:        f.DeleteTagging,
		WeightedSampling:     f.WeightedSampling,
		KeySize:              f.KeySize,
		ValueSize:            f.ValueSize,
		WeightSize:           f.WeightSize,
		PageCacheCapacity:    f.PageCacheCapacity,
		RngSeed:              f.RngSeed,
	}

	switch f.Policy {
	case PolicyLeveling:
		cfg.Policy = lsm.PolicyLeveling
	default:
		cfg.Policy = lsm.PolicyTiering
	}

	switch f.MemtableType {
	case MemtableUnsorted:
		cfg.MemtableType = lsm.MemTableKindUnsorted
	case MemtableUnsortedRejection:
		cfg.MemtableType = lsm.MemTableKindUnsortedRejection
	default:
		cfg.MemtableType = lsm.MemTableKindSorted
	}

	return cfg
}
