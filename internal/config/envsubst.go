package config

import (
	"os"
	"regexp"
	"sort"
)

// envVarPattern matches ${VAR} or ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnvVars expands environment variable references in the input string.
//   - ${VAR} is replaced with the value of VAR, or empty string if not set
//   - ${VAR:-default} is replaced with VAR's value, or "default" if not set
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}
		if val, ok := os.LookupEnv(submatches[1]); ok {
			return val
		}
		return submatches[2]
	})
}

// ExpandEnvVarsBytes is a convenience wrapper for byte slices.
func ExpandEnvVarsBytes(input []byte) []byte {
	return []byte(ExpandEnvVars(string(input)))
}

// MissingEnvVars lists variables referenced without a default that are not
// set, sorted and deduplicated.
func MissingEnvVars(input string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range envVarPattern.FindAllStringSubmatch(input, -1) {
		name := m[1]
		hasDefault := len(m[0]) > len(name)+3
		if hasDefault || seen[name] {
			continue
		}
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
