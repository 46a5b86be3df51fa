// Package metadata reads and writes FFMETADATA1 sidecar files, the format the transcoder
// expects for its -map_metadata embed step (§6). Grounded on the teacher's checkpoint.go
// for the "small sidecar file next to the temp folder" idiom, generalized from JSON to the
// line-oriented FFMETADATA1 text format the spec mandates.
package metadata

import (
	"fmt"
	"os"
	"strings"
)

// Chapter is one [CHAPTER] block: a named time range in milliseconds.
type Chapter struct {
	StartMS int64
	EndMS   int64
	Title   string
}

// Sidecar is the in-memory form of an FFMETADATA1 file: global key=value tags plus an
// ordered list of chapters.
type Sidecar struct {
	Tags     map[string]string
	Chapters []Chapter
}

// escaper escapes '=', ';', '#', '\\', and newline with a backslash, per §6's exact rule.
var escaper = strings.NewReplacer(
	`\`, `\\`,
	`=`, `\=`,
	`;`, `\;`,
	`#`, `\#`,
	"\n", "\\\n",
)

// Render serializes s as FFMETADATA1 text.
func (s *Sidecar) Render() string {
	var b strings.Builder
	b.WriteString(";FFMETADATA1\n")
	for k, v := range s.Tags {
		fmt.Fprintf(&b, "%s=%s\n", escaper.Replace(k), escaper.Replace(v))
	}
	for _, c := range s.Chapters {
		b.WriteString("[CHAPTER]\n")
		b.WriteString("TIMEBASE=1/1000\n")
		fmt.Fprintf(&b, "START=%d\n", c.StartMS)
		fmt.Fprintf(&b, "END=%d\n", c.EndMS)
		fmt.Fprintf(&b, "title=%s\n", escaper.Replace(c.Title))
	}
	return b.String()
}

// Write renders s and writes it to path.
func (s *Sidecar) Write(path string) error {
	return os.WriteFile(path, []byte(s.Render()), 0o644)
}

// New builds an empty Sidecar ready for Tags/Chapters to be populated.
func New() *Sidecar {
	return &Sidecar{Tags: map[string]string{}}
}
