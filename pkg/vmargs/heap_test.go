package vmargs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
)

func TestResolveMaxHeap(t *testing.T) {
	tests := []struct {
		name   string
		first  string
		second string
		want   string
	}{
		{name: "second absent", first: "-Xmx768m", want: "-Xmx768m"},
		{name: "first absent", second: "-Xms768m", want: "-Xmx768m"},
		{name: "both absent", want: ""},
		{name: "equal", first: "-Xmx768m", second: "-Xms768m", want: "-Xmx768m"},
		{name: "second less", first: "-Xmx768m", second: "-Xms124m", want: "-Xmx768m"},
		{name: "second less other unit", first: "-Xmx1g", second: "-Xms1024k", want: "-Xmx1g"},
		{name: "second greater", first: "-Xmx768m", second: "-Xms1024m", want: "-Xmx1024m"},
		{name: "second greater other unit", first: "-Xmx1m", second: "-Xms1025k", want: "-Xmx1025k"},
		{name: "second greater gigabyte uppercase", first: "-Xmx1m", second: "-Xms1G", want: "-Xmx1g"},
		{name: "equal bytes different literal keeps first", first: "-Xmx1024k", second: "-Xms1m", want: "-Xmx1024k"},
		{name: "equal bytes different literal keeps first reversed", first: "-Xms1m", second: "-Xmx1024k", want: "-Xmx1m"},
		{name: "bytes without unit", first: "-Xmx1048576", second: "-Xms1023k", want: "-Xmx1048576"},
		{name: "uppercase unit alone", first: "-Xmx2G", want: "-Xmx2g"},
		{name: "literal kept verbatim", first: "-Xmx0768m", want: "-Xmx0768m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveMaxHeap(tt.first, tt.second)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveMaxHeapMalformed(t *testing.T) {
	tests := []struct {
		name   string
		first  string
		second string
	}{
		{name: "unknown unit", first: "-Xmx1t"},
		{name: "no digits", first: "-Xmxm"},
		{name: "not a heap flag", first: "-Xss1m"},
		{name: "second malformed", first: "-Xmx1g", second: "-Xmslots"},
		{name: "overflow", first: "-Xmx99999999999999999g"},
		{name: "two letter unit", second: "-Xms1kb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveMaxHeap(tt.first, tt.second)
			require.Error(t, err)
			assert.True(t, errors.Is(err, pkgerrors.ErrArgument), "want argument error, got %v", err)
		})
	}
}

func TestParseHeapFlag(t *testing.T) {
	h, err := ParseHeapFlag("-Xms512M")
	require.NoError(t, err)

	assert.True(t, h.Initial)
	assert.Equal(t, "512", h.Literal)
	assert.Equal(t, "m", h.Unit)
	assert.Equal(t, int64(512*1024*1024), h.Bytes())
	assert.Equal(t, "-Xmx512m", h.MaxHeapFlag())
	assert.Equal(t, "-Xms512m", h.InitialHeapFlag())
}
