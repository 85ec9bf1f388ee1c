package importer

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/storage/memory"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

const sourcesDoc = `
sources:
  - url: https://example.com/user.htm?author=a
    name: alpha
    avatar_url: https://example.com/a.png
  - url: " https://example.com/user.htm?author=b "
  - url: ftp://example.com/nope
  - url: https://example.com/user.htm?author=a
    name: duplicate
`

func TestParseLayouts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want []Entry
	}{
		{
			name: "mapping",
			doc:  "sources:\n  - url: https://a.test/1\n    name: one\n",
			want: []Entry{{URL: "https://a.test/1", Name: "one"}},
		},
		{
			name: "bare list",
			doc:  "- url: https://a.test/2\n",
			want: []Entry{{URL: "https://a.test/2"}},
		},
		{name: "empty", doc: "  \n", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(strings.NewReader(tt.doc))
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("entries mismatch (-want +got):\n%s", diff)
			}
		})
	}

	_, err := Parse(strings.NewReader("sources: [unclosed"))
	require.Error(t, err)
}

func TestImport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()

	res, err := Import(ctx, store, strings.NewReader(sourcesDoc), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"ftp://example.com/nope"}, res.Invalid)

	sources, err := store.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "alpha", sources[0].Name)
	assert.Equal(t, "https://example.com/user.htm?author=b", sources[1].URL)

	again, err := Import(ctx, store, strings.NewReader(sourcesDoc), nil)
	require.NoError(t, err)
	assert.Zero(t, again.Created)
	assert.Equal(t, 3, again.Skipped)
}

func TestWriteRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []watch.Source{{URL: "https://a.test/1", Name: "one"}}))
	assert.Contains(t, buf.String(), "sources:")

	entries, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{URL: "https://a.test/1", Name: "one"}}, entries)
}
