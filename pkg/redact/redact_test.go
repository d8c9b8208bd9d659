package redact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	in := map[string]interface{}{
		"settings": map[string]interface{}{
			"servers": []interface{}{
				map[string]interface{}{"id": "central", "password": "s3cr3t"},
			},
			"proxyToken": "abcd",
		},
		"goals": []string{"compile"},
	}

	out, err := JSON(in)
	require.NoError(t, err)

	for _, wantAbsent := range []string{"s3cr3t", "abcd"} {
		assert.False(t, strings.Contains(out, wantAbsent), "expected %q to be redacted in %s", wantAbsent, out)
	}
	for _, wantPresent := range []string{Placeholder, "central", "compile"} {
		assert.Contains(t, out, wantPresent)
	}
}

func TestJSONUnmarshalable(t *testing.T) {
	_, err := JSON(make(chan int))
	assert.Error(t, err)
}

func TestSystemProperty(t *testing.T) {
	assert.Equal(t, "-Drepo.password=REDACTED", SystemProperty("-Drepo.password=hunter2"))
	assert.Equal(t, "-DGITHUB_TOKEN=REDACTED", SystemProperty("-DGITHUB_TOKEN=ghp_x"))
	assert.Equal(t, "-Dfile.encoding=UTF-8", SystemProperty("-Dfile.encoding=UTF-8"))
	assert.Equal(t, "-Dsecret", SystemProperty("-Dsecret"))
	assert.Equal(t, "-Xmx1g", SystemProperty("-Xmx1g"))
}
