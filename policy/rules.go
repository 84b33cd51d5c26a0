package policy

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Reserved binding names of the sandbox contract.
const (
	// InputName is the binding under which the dataset is injected. Scripts
	// must never rebind it.
	InputName = "dataset"

	// OutputName is the binding a script stores its final value under.
	OutputName = "result"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// RuleSet holds the symbol tables driving validation decisions. A RuleSet
// is read-only after construction and safe for concurrent use.
type RuleSet struct {
	imports map[string]bool
	calls   map[string]bool
	names   map[string]bool
	members map[string]bool
}

// ruleFile is the YAML shape of a rule table file.
type ruleFile struct {
	BlockedImports []string `yaml:"blocked_imports"`
	BlockedCalls   []string `yaml:"blocked_calls"`
	BlockedNames   []string `yaml:"blocked_names"`
	BlockedMembers []string `yaml:"blocked_members"`
}

// LoadRules parses a YAML rule table.
func LoadRules(data []byte) (*RuleSet, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rule table: %w", err)
	}
	return &RuleSet{
		imports: toSet(file.BlockedImports),
		calls:   toSet(file.BlockedCalls),
		names:   toSet(file.BlockedNames),
		members: toSet(file.BlockedMembers),
	}, nil
}

// DefaultRules returns the rule set embedded in the binary.
func DefaultRules() *RuleSet {
	rules, err := LoadRules(defaultRulesYAML)
	if err != nil {
		// The embedded table is part of the build; failing to parse it is a
		// programming error, not a runtime condition.
		panic(fmt.Sprintf("policy: embedded rule table is invalid: %v", err))
	}
	return rules
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}
