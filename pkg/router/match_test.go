package router

import (
	"math/rand"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"tasks.new", "tasks.new", true},
		{"tasks.new", "tasks.old", false},
		{"tasks.*", "tasks.new", true},
		{"tasks.*", "tasks", false},
		{"tasks.*", "tasks.new.urgent", false},
		{"*.new", "tasks.new", true},
		{"tasks.>", "tasks.new", true},
		{"tasks.>", "tasks.new.urgent", true},
		{"tasks.>", "tasks", false},
		{">", "anything.at.all", true},
		{"a.*.c.>", "a.b.c.d.e", true},
		{"a.*.c.>", "a.b.x.d", false},
		{"a.b", "a.b.c", false},
		{"a.b.c", "a.b", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Match(c.pattern, c.topic), "Match(%q, %q)", c.pattern, c.topic)
	}
}

func TestValidatePattern(t *testing.T) {
	for _, ok := range []string{"a", "a.b", "a.*", "*", ">", "a.>", "*.b.>"} {
		assert.NoError(t, ValidatePattern(ok), ok)
	}
	for _, bad := range []string{"", "a..b", ".a", "a.", "a.>.b", "a*", "a.b>", ">.a"} {
		assert.ErrorIs(t, ValidatePattern(bad), ErrInvalidPattern, bad)
	}
}

func TestValidateTopic(t *testing.T) {
	assert.NoError(t, ValidateTopic("tasks.new"))
	for _, bad := range []string{"", "a..b", "a.*", "a.>", "a b"} {
		assert.ErrorIs(t, ValidateTopic(bad), ErrInvalidTopic, bad)
	}
}

// referenceMatch compiles pattern into an anchored regular expression.
func referenceMatch(pattern, topic string) bool {
	segs := strings.Split(pattern, ".")
	parts := make([]string, len(segs))
	for i, s := range segs {
		switch s {
		case SingleWildcard:
			parts[i] = `[^.]+`
		case MultiWildcard:
			parts[i] = `[^.]+(\.[^.]+)*`
		default:
			parts[i] = regexp.QuoteMeta(s)
		}
	}
	return regexp.MustCompile(`^` + strings.Join(parts, `\.`) + `$`).MatchString(topic)
}

func TestMatchAgainstReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []string{"a", "b", "c"}

	randomTopic := func() []string {
		n := 1 + rng.Intn(5)
		segs := make([]string, n)
		for i := range segs {
			segs[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return segs
	}

	for i := 0; i < 5000; i++ {
		topic := strings.Join(randomTopic(), ".")
		pat := randomTopic()
		for j := range pat {
			if rng.Intn(3) == 0 {
				pat[j] = SingleWildcard
			}
		}
		if rng.Intn(3) == 0 {
			pat[len(pat)-1] = MultiWildcard
		}
		pattern := strings.Join(pat, ".")
		if !assert.Equal(t, referenceMatch(pattern, topic), Match(pattern, topic), "Match(%q, %q)", pattern, topic) {
			return
		}
	}
}
