package config

import (
	"reflect"
	"testing"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("JT_TEST_DIR", "/srv/jobtrail")
	t.Setenv("JT_TEST_LEVEL", "debug")
	t.Setenv("JT_TEST_EMPTY", "")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no variables", "data_dir: ./data", "data_dir: ./data"},
		{"set variable", "data_dir: ${JT_TEST_DIR}", "data_dir: /srv/jobtrail"},
		{"two variables", "${JT_TEST_DIR}/${JT_TEST_LEVEL}", "/srv/jobtrail/debug"},
		{"unset becomes empty", "log_file: ${JT_TEST_UNSET}", "log_file: "},
		{"default when unset", "listen_addr: ${JT_TEST_UNSET:-127.0.0.1:9000}", "listen_addr: 127.0.0.1:9000"},
		{"default ignored when set", "${JT_TEST_LEVEL:-info}", "debug"},
		{"set but empty keeps empty", "${JT_TEST_EMPTY:-info}", ""},
		{"empty default", "${JT_TEST_UNSET:-}", ""},
		{"json document", `{"data_dir": "${JT_TEST_DIR}", "log_level": "${JT_TEST_UNSET:-warn}"}`, `{"data_dir": "/srv/jobtrail", "log_level": "warn"}`},
		{"not a reference", "$JT_TEST_DIR and ${1BAD}", "$JT_TEST_DIR and ${1BAD}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandEnvVars(tt.input); got != tt.want {
				t.Errorf("ExpandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if got := string(ExpandEnvVarsBytes([]byte(tt.input))); got != tt.want {
				t.Errorf("ExpandEnvVarsBytes(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestMissingEnvVars(t *testing.T) {
	t.Setenv("JT_TEST_DIR", "/srv")
	input := `data_dir: ${JT_TEST_DIR}
log_file: ${JT_MISSING_B}
listen_addr: ${JT_MISSING_C:-127.0.0.1:1}
again: ${JT_MISSING_B} ${JT_MISSING_A}`
	want := []string{"JT_MISSING_A", "JT_MISSING_B"}
	if got := MissingEnvVars(input); !reflect.DeepEqual(got, want) {
		t.Errorf("MissingEnvVars = %v, want %v", got, want)
	}
	if got := MissingEnvVars("plain"); len(got) != 0 {
		t.Errorf("expected none, got %v", got)
	}
}
