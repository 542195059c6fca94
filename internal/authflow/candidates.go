package authflow

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"wagateway/internal/backend"
)

// Rule describes a numbering plan where the backend may expect the national
// number without the country code and without a trunk zero, e.g. 353 + 9 digits.
type Rule struct {
	Name        string `yaml:"name"`
	CountryCode string `yaml:"countryCode"`
	Length      int    `yaml:"length"` // total digits including the country code
}

// DefaultRules holds the only pattern observed in practice so far.
var DefaultRules = []Rule{{Name: "ireland", CountryCode: "353", Length: 12}}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads rules from a YAML file. An empty path yields DefaultRules.
func LoadRules(fs afero.Fs, path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules, nil
	}
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read phone rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse phone rules: %w", err)
	}
	for i, r := range f.Rules {
		if backend.Digits(r.CountryCode) != r.CountryCode || r.CountryCode == "" || r.Length <= len(r.CountryCode) {
			return nil, fmt.Errorf("phone rule %d (%s): invalid countryCode/length", i, r.Name)
		}
	}
	return f.Rules, nil
}

// Candidate forms.
const (
	FormDomestic = "domestic"
	FormSupplied = "supplied"
	FormDigits   = "digits"
)

type Candidate struct {
	Phone string
	Form  string
}

// Candidates lists the phone formats to try, in order, without duplicates:
// the domestic form for every matching rule, the number as supplied, then
// digits only.
func Candidates(raw string, rules []Rule) []Candidate {
	supplied := strings.TrimSpace(raw)
	digits := backend.Digits(supplied)

	var out []Candidate
	seen := map[string]bool{}
	add := func(phone, form string) {
		if phone != "" && !seen[phone] {
			seen[phone] = true
			out = append(out, Candidate{Phone: phone, Form: form})
		}
	}
	for _, r := range rules {
		if len(digits) == r.Length && strings.HasPrefix(digits, r.CountryCode) {
			add(digits[len(r.CountryCode):], FormDomestic)
		}
	}
	add(supplied, FormSupplied)
	add(digits, FormDigits)
	return out
}

// Phones returns just the phone strings of cs.
func Phones(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Phone
	}
	return out
}
