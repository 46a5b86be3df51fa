package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderStartsWithFFMETADATAHeader(t *testing.T) {
	s := New()
	assert.Equal(t, ";FFMETADATA1\n", s.Render())
}

func TestRenderEscapesReservedCharacters(t *testing.T) {
	s := New()
	s.Tags["title"] = `a=b;c#d\e`

	got := s.Render()
	assert.Contains(t, got, `title=a\=b\;c\#d\\e`)
}

func TestRenderWritesChapterBlocks(t *testing.T) {
	s := New()
	s.Chapters = []Chapter{
		{StartMS: 0, EndMS: 1000, Title: "Intro"},
		{StartMS: 1000, EndMS: 5000, Title: "Main"},
	}

	got := s.Render()
	assert.Contains(t, got, "[CHAPTER]\nTIMEBASE=1/1000\nSTART=0\nEND=1000\ntitle=Intro\n")
	assert.Contains(t, got, "[CHAPTER]\nTIMEBASE=1/1000\nSTART=1000\nEND=5000\ntitle=Main\n")
}

func TestWritePersistsRenderedContentToDisk(t *testing.T) {
	s := New()
	s.Tags["artist"] = "Someone"
	path := filepath.Join(t.TempDir(), "meta.txt")

	require.NoError(t, s.Write(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, s.Render(), string(data))
}
