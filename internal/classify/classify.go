// Package classify maps model file names onto hub identities using an
// ordered list of substring rules. The first matching rule wins; files that
// match nothing get a generic "unknown/<file>" identity.
package classify

import (
	"path/filepath"
	"regexp"
	"strings"

	"oxidelab/pkg/types"
)

// UnknownRepository is the repository used for files no rule recognizes.
const UnknownRepository = "unknown"

// Rule matches a file whose lower-cased name contains every entry of Contains.
type Rule struct {
	Name        string   `json:"name" yaml:"name" toml:"name"`
	Contains    []string `json:"contains" yaml:"contains" toml:"contains" validate:"min=1,dive,required"`
	Repository  string   `json:"repository" yaml:"repository" toml:"repository" validate:"required"`
	DisplayName string   `json:"display_name" yaml:"display_name" toml:"display_name"`
	Family      string   `json:"family" yaml:"family" toml:"family"`
}

func (r Rule) matches(lower string) bool {
	if len(r.Contains) == 0 {
		return false
	}
	for _, c := range r.Contains {
		if !strings.Contains(lower, strings.ToLower(c)) {
			return false
		}
	}
	return true
}

// DefaultRules are the built-in families.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "qwen3-0.6b",
			Contains:    []string{"qwen3-0.6b"},
			Repository:  "unsloth/Qwen3-0.6B-GGUF",
			DisplayName: "Qwen3 0.6B",
			Family:      "qwen3",
		},
		{
			Name:        "gemma-3-270m",
			Contains:    []string{"gemma-3-270m"},
			Repository:  "unsloth/gemma-3-270m-it-qat-GGUF",
			DisplayName: "Gemma 3 270M IT",
			Family:      "gemma3",
		},
	}
}

// Result is what the classifier knows about one file name.
type Result struct {
	Identity    types.ModelIdentity
	DisplayName string
	Family      string
	Format      string
	Quant       string
	Known       bool
}

// Classifier applies rules in order.
type Classifier struct {
	rules []Rule
}

// New returns a classifier trying extra rules first, then the defaults.
func New(extra ...Rule) *Classifier {
	rules := make([]Rule, 0, len(extra)+2)
	rules = append(rules, extra...)
	rules = append(rules, DefaultRules()...)
	return &Classifier{rules: rules}
}

// Rules returns a copy of the active rule list.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Classify inspects a bare file name.
func (c *Classifier) Classify(fileName string) Result {
	base := filepath.Base(fileName)
	lower := strings.ToLower(base)
	res := Result{
		Format: FormatOf(base),
		Quant:  QuantOf(base),
	}
	for _, r := range c.rules {
		if r.matches(lower) {
			res.Identity = types.ModelIdentity{Repository: r.Repository, FileName: base}
			res.DisplayName = r.DisplayName
			if res.DisplayName == "" {
				res.DisplayName = stem(base)
			}
			res.Family = r.Family
			res.Known = true
			return res
		}
	}
	res.Identity = types.ModelIdentity{Repository: UnknownRepository, FileName: base}
	res.DisplayName = stem(base)
	return res
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// FormatOf returns the lower-cased extension without the dot.
func FormatOf(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

var quantRe = regexp.MustCompile(`(?i)(?:^|[-_.])((?:IQ|Q)[1-8](?:_[0-9A-Z]+)*|F16|F32|BF16)(?:[-_.]|$)`)

// QuantOf extracts a quantization tag such as Q4_K_M or F16.
func QuantOf(name string) string {
	m := quantRe.FindStringSubmatch(stem(filepath.Base(name)) + ".")
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}
