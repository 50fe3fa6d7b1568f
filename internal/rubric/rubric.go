// Package rubric holds the keyword × criterion scoring definition and the
// canonical interview question set.
package rubric

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed defaults/rubric.yaml
var defaultRubric []byte

//go:embed defaults/questions.yaml
var defaultQuestions []byte

type Bucket struct {
	Name   string  `yaml:"name" json:"name" validate:"required"`
	Label  string  `yaml:"label" json:"label"`
	Weight float64 `yaml:"weight" json:"weight" validate:"gt=0"`
}

type Keyword struct {
	Name     string   `yaml:"name" json:"name" validate:"required"`
	Bucket   string   `yaml:"bucket" json:"bucket" validate:"required"`
	Criteria []string `yaml:"criteria" json:"criteria" validate:"required,min=1,dive,required"`
}

// NonverbalBucket describes how the [0,1] nonverbal score is folded into the total.
type NonverbalBucket struct {
	Key    string  `yaml:"key" json:"key" validate:"required"`
	Label  string  `yaml:"label" json:"label"`
	Points int     `yaml:"points" json:"points" validate:"gt=0"`
	Weight float64 `yaml:"weight" json:"weight" validate:"gte=0"`
}

type Definition struct {
	CriteriaPerKeyword int             `yaml:"criteria_per_keyword" json:"criteria_per_keyword" validate:"gt=0"`
	MinScore           int             `yaml:"min_score" json:"min_score" validate:"gte=0"`
	MaxScore           int             `yaml:"max_score" json:"max_score" validate:"gtfield=MinScore"`
	DefaultScore       int             `yaml:"default_score" json:"default_score"`
	DefaultRationale   string          `yaml:"default_rationale" json:"default_rationale" validate:"required"`
	Buckets            []Bucket        `yaml:"buckets" json:"buckets" validate:"required,min=1,dive"`
	Keywords           []Keyword       `yaml:"keywords" json:"keywords" validate:"required,min=1,dive"`
	Nonverbal          NonverbalBucket `yaml:"nonverbal" json:"nonverbal"`
}

// Default returns the embedded rubric. It panics if the embedded document is
// invalid, which is a build defect.
func Default() Definition {
	def, err := Parse(defaultRubric)
	if err != nil {
		panic(fmt.Sprintf("embedded rubric: %v", err))
	}
	return def
}

// Load reads a rubric from path, falling back to the embedded default when
// path is empty.
func Load(path string) (Definition, error) {
	if path == "" {
		return Parse(defaultRubric)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read rubric: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse rubric: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func (d Definition) Validate() error {
	if err := validator.New().Struct(d); err != nil {
		return fmt.Errorf("invalid rubric: %w", err)
	}
	if d.DefaultScore < d.MinScore || d.DefaultScore > d.MaxScore {
		return errors.New("invalid rubric: default_score outside score range")
	}
	buckets := make(map[string]struct{}, len(d.Buckets))
	for _, b := range d.Buckets {
		if _, dup := buckets[b.Name]; dup {
			return fmt.Errorf("invalid rubric: duplicate bucket %q", b.Name)
		}
		buckets[b.Name] = struct{}{}
	}
	seen := make(map[string]struct{}, len(d.Keywords))
	for _, kw := range d.Keywords {
		if _, dup := seen[kw.Name]; dup {
			return fmt.Errorf("invalid rubric: duplicate keyword %q", kw.Name)
		}
		seen[kw.Name] = struct{}{}
		if _, ok := buckets[kw.Bucket]; !ok {
			return fmt.Errorf("invalid rubric: keyword %q references unknown bucket %q", kw.Name, kw.Bucket)
		}
		if len(kw.Criteria) != d.CriteriaPerKeyword {
			return fmt.Errorf("invalid rubric: keyword %q has %d criteria, expected %d", kw.Name, len(kw.Criteria), d.CriteriaPerKeyword)
		}
	}
	if _, clash := seen[d.Nonverbal.Key]; clash {
		return fmt.Errorf("invalid rubric: nonverbal key %q collides with a keyword", d.Nonverbal.Key)
	}
	return nil
}

func (d Definition) Keyword(name string) (Keyword, bool) {
	for _, kw := range d.Keywords {
		if kw.Name == name {
			return kw, true
		}
	}
	return Keyword{}, false
}

func (d Definition) KeywordNames() []string {
	names := make([]string, 0, len(d.Keywords))
	for _, kw := range d.Keywords {
		names = append(names, kw.Name)
	}
	return names
}

// Entries is the number of keyword × criterion cells.
func (d Definition) Entries() int {
	n := 0
	for _, kw := range d.Keywords {
		n += len(kw.Criteria)
	}
	return n
}

// MaxTotal is the theoretical maximum of the raw rubric score.
func (d Definition) MaxTotal() int {
	return d.Entries() * d.MaxScore
}

// BucketMax is the raw maximum reachable inside one bucket.
func (d Definition) BucketMax(bucket string) int {
	n := 0
	for _, kw := range d.Keywords {
		if kw.Bucket == bucket {
			n += len(kw.Criteria) * d.MaxScore
		}
	}
	return n
}
