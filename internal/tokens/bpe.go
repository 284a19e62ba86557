package tokens

import (
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// DirBPELoader reads tiktoken rank files from a local directory instead of
// downloading them. A rank URL such as
// https://openaipublic.blob.core.windows.net/encodings/o200k_base.tiktoken is
// resolved to <Dir>/o200k_base.tiktoken.
type DirBPELoader struct {
	Dir string
}

func (l DirBPELoader) LoadTiktokenBpe(file string) (map[string]int, error) {
	name := path.Base(file)
	if name == "" || name == "." || name == "/" {
		return nil, fmt.Errorf("invalid rank file reference %q", file)
	}
	contents, err := os.ReadFile(filepath.Join(l.Dir, name))
	if err != nil {
		return nil, fmt.Errorf("read rank file: %w", err)
	}
	return parseRanks(string(contents))
}

// UseBPEDir makes every tiktoken encoding load from dir. It affects the
// process-wide tiktoken-go loader.
func UseBPEDir(dir string) {
	tiktoken.SetBpeLoader(DirBPELoader{Dir: dir})
}

func parseRanks(contents string) (map[string]int, error) {
	ranks := make(map[string]int)
	for i, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		token, rank, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("rank line %d: missing rank", i+1)
		}
		decoded, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			return nil, fmt.Errorf("rank line %d: %w", i+1, err)
		}
		value, err := strconv.Atoi(rank)
		if err != nil {
			return nil, fmt.Errorf("rank line %d: %w", i+1, err)
		}
		ranks[string(decoded)] = value
	}
	return ranks, nil
}
