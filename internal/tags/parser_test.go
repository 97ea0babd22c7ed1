package tags

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimple(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		tags    []string
		matches bool
	}{
		{"single tag match", "web", []string{"web", "db"}, true},
		{"single tag miss", "web", []string{"db"}, false},
		{"comma list is OR", "web,db", []string{"db"}, true},
		{"comma list all miss", "web,db", []string{"cache"}, false},
		{"case insensitive", "WEB", []string{"web"}, true},
		{"empty matches all", "", []string{"anything"}, true},
		{"whitespace only matches all", "   ", nil, true},
		{"trailing comma ignored", "web,", []string{"web"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.matches, q.Matches(tt.tags))
		})
	}
}

func TestParseAdvanced(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		tags    []string
		matches bool
	}{
		{"and both present", "web AND db", []string{"web", "db"}, true},
		{"and one missing", "web AND db", []string{"web"}, false},
		{"or", "web OR db", []string{"db"}, true},
		{"not", "NOT web", []string{"db"}, true},
		{"not excludes", "NOT web", []string{"web"}, false},
		{"parens", "(web OR db) AND prod", []string{"db", "prod"}, true},
		{"parens miss", "(web OR db) AND prod", []string{"db"}, false},
		{"nested not", "NOT (web AND db)", []string{"web"}, true},
		{"precedence and binds tighter", "web OR db AND prod", []string{"web"}, true},
		{"lowercase keywords", "web and db", []string{"web", "db"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.matches, q.Matches(tt.tags))
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, input := range []string{
		"web AND",
		"AND web",
		"(web",
		"web)",
		"NOT",
		"web OR ()",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		tags    []string
		matches bool
	}{
		{"tag leaf", `{"tag":"web"}`, []string{"web"}, true},
		{"and", `{"$and":[{"tag":"web"},{"tag":"db"}]}`, []string{"web", "db"}, true},
		{"and miss", `{"$and":[{"tag":"web"},{"tag":"db"}]}`, []string{"web"}, false},
		{"or", `{"$or":[{"tag":"web"},{"tag":"db"}]}`, []string{"db"}, true},
		{"not", `{"$not":{"tag":"web"}}`, []string{"db"}, true},
		{"empty object matches all", `{}`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := ParseJSON([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.matches, q.Matches(tt.tags))
		})
	}

	_, err := ParseJSON([]byte(`{"$xor":[{"tag":"a"}]}`))
	assert.Error(t, err)

	_, err = ParseJSON([]byte(`{"tag":"a","$and":[]}`))
	assert.Error(t, err)
}

func TestFromSelector(t *testing.T) {
	q := FromSelector(map[string]TagState{
		"web":     TagRequired,
		"prod":    TagRequired,
		"legacy":  TagForbidden,
		"ignored": TagIgnored,
	})

	assert.True(t, q.Matches([]string{"web", "prod"}))
	assert.True(t, q.Matches([]string{"web", "prod", "ignored"}))
	assert.False(t, q.Matches([]string{"web"}))
	assert.False(t, q.Matches([]string{"web", "prod", "legacy"}))
}

func TestFromSelectorEmpty(t *testing.T) {
	q := FromSelector(nil)
	assert.True(t, q.Matches(nil))
	assert.True(t, q.Matches([]string{"anything"}))
}
