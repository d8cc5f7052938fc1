package compose

import (
	"regexp"
	"strings"

	"github.com/edisonhq/edison/config"
)

var (
	blockSplitRe = regexp.MustCompile(`\n{2,}`)
	wordSplitRe  = regexp.MustCompile(`[^a-z0-9]+`)
)

// dedupBlocks drops blocks that repeat earlier content. Blocks are
// blank-line separated; a later block is dropped when its shingle set is
// Jaccard-similar to any kept earlier block above the threshold and both
// blocks clear the minimum shingle count. The pass is idempotent: the kept
// set contains no pair above the threshold.
func dedupBlocks(content string, cfg config.DedupConfig) string {
	blocks := blockSplitRe.Split(content, -1)
	if len(blocks) < 2 {
		return content
	}

	type shingled struct {
		text     string
		shingles map[string]struct{}
	}
	var kept []shingled
	for _, block := range blocks {
		if strings.TrimSpace(block) == "" {
			continue
		}
		sh := shingles(block, cfg.ShingleSize)
		duplicate := false
		if len(sh) >= cfg.MinShingles {
			for _, prev := range kept {
				if len(prev.shingles) < cfg.MinShingles {
					continue
				}
				if jaccard(sh, prev.shingles) >= cfg.Threshold {
					duplicate = true
					break
				}
			}
		}
		if !duplicate {
			kept = append(kept, shingled{text: block, shingles: sh})
		}
	}

	texts := make([]string, len(kept))
	for i, k := range kept {
		texts[i] = k.text
	}
	return strings.Join(texts, "\n\n")
}

// shingles tokenizes text to lowercase words and returns the set of
// size-word sliding windows. Text shorter than one window yields a single
// shingle of the whole token sequence.
func shingles(text string, size int) map[string]struct{} {
	if size < 1 {
		size = 1
	}
	words := wordSplitRe.Split(strings.ToLower(text), -1)
	tokens := words[:0]
	for _, w := range words {
		if w != "" {
			tokens = append(tokens, w)
		}
	}

	out := make(map[string]struct{})
	if len(tokens) == 0 {
		return out
	}
	if len(tokens) < size {
		out[strings.Join(tokens, " ")] = struct{}{}
		return out
	}
	for i := 0; i+size <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+size], " ")] = struct{}{}
	}
	return out
}

// jaccard is intersection size over union size.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for s := range small {
		if _, ok := large[s]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
