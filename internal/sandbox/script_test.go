package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildScript(t *testing.T) {
	script := BuildScript(
		[]string{"sed -i 's/a/b/' app.yaml", "touch /tmp/done"},
		[]string{"grep -q b app.yaml"},
	)

	assert.True(t, strings.HasPrefix(script, "set -eo pipefail\n"))
	order := []string{
		"::healing:: step 1/2", "sed -i 's/a/b/' app.yaml",
		"::healing:: step 2/2", "touch /tmp/done",
		"::healing:: validation 1/1", "grep -q b app.yaml",
		"::healing:: done",
	}
	last := -1
	for _, want := range order {
		i := strings.Index(script, want)
		assert.Greater(t, i, last, "%q out of order", want)
		last = i
	}
}

func TestMarkerTracker(t *testing.T) {
	tr := &markerTracker{}
	chunks := []string{
		"::healing:: step 1/1\nconfig upd",
		"ated\n::heal",
		"ing:: validation 1/2\nok\n::healing:: validation 2/2\r\n",
		"grep: no match\n",
	}
	for _, c := range chunks {
		_, _ = tr.Write([]byte(c))
	}
	assert.Equal(t, "validation 2/2", tr.Last())
}

func TestMarkerTracker_UnterminatedLastLine(t *testing.T) {
	tr := &markerTracker{}
	_, _ = tr.Write([]byte("::healing:: step 1/1\n::healing:: step 2/3"))
	assert.Equal(t, "step 2/3", tr.Last())
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(10)
	_, _ = b.Write([]byte("0123456789"))
	assert.Equal(t, "0123456789", b.String())

	for i := 0; i < 5; i++ {
		_, _ = b.Write([]byte("abcdefghij"))
	}
	out := b.String()
	assert.True(t, strings.HasSuffix(out, "\nabcdefghij"))
	assert.Contains(t, out, "[50 bytes truncated]")
}
