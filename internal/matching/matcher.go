// Package matching implements the tolerant file-name matching chain the
// fan-out orchestrator uses to find "the same" file across appliances
// whose naming drifted slightly: exact id, exact name, a normalized form
// that strips whitespace/case/zero-width noise, substring containment,
// and finally a bounded Levenshtein distance. Earlier stages mask later
// ones; the Result reports which stage matched and, for the Levenshtein
// stage only, the distance reached.
package matching

import "strings"

// zeroWidth are the invisible characters real-world filenames sometimes
// carry (copy-pasted from a spreadsheet or a rich-text editor) that must
// not cause two otherwise-identical names to be treated as distinct.
var zeroWidth = []rune{0x200B, 0x200C, 0x200D, 0xFEFF}

// Normalize lowercases s, collapses internal whitespace runs to a single
// space, trims the ends, and strips zero-width characters.
func Normalize(s string) string {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range strings.ToLower(s) {
		if isZeroWidth(r) {
			continue
		}
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !lastWasSpace {
				b.WriteRune(' ')
			}
			lastWasSpace = true
			continue
		}
		b.WriteRune(r)
		lastWasSpace = false
	}
	return strings.TrimSpace(b.String())
}

func isZeroWidth(r rune) bool {
	for _, z := range zeroWidth {
		if r == z {
			return true
		}
	}
	return false
}

// Stage identifies which step of the match chain produced a hit.
type Stage string

const (
	StageID         Stage = "id"
	StageExactName  Stage = "exact_name"
	StageNormalized Stage = "normalized"
	StageSubstring  Stage = "substring"
	StageFuzzy      Stage = "fuzzy"
)

// Result describes how a candidate matched a target.
type Result struct {
	Stage      Stage
	Distance   int
	Relative   float64
}

// maxFuzzyDistance and maxFuzzyRelative bound the last-resort stage: a
// candidate wins on Levenshtein only if it is within either an absolute
// edit distance or a distance relative to the longer name's length.
const (
	maxFuzzyDistance = 3
	maxFuzzyRelative = 0.20
)

// MatchFile finds the candidate in names (keyed by some caller-defined
// identifier, e.g. file id) that best matches target, trying id equality
// first (if targetID is non-empty), then each successive string stage.
// Returns the matching key and a Result describing how, or ok=false.
func MatchFile(targetID, targetName string, candidateIDs []string, candidateNames []string) (key string, result Result, ok bool) {
	if targetID != "" {
		for _, id := range candidateIDs {
			if id == targetID {
				return id, Result{Stage: StageID}, true
			}
		}
	}

	for i, name := range candidateNames {
		if name == targetName {
			return keyFor(candidateIDs, i), Result{Stage: StageExactName}, true
		}
	}

	normTarget := Normalize(targetName)
	for i, name := range candidateNames {
		if Normalize(name) == normTarget {
			return keyFor(candidateIDs, i), Result{Stage: StageNormalized}, true
		}
	}

	for i, name := range candidateNames {
		normName := Normalize(name)
		if normName == "" || normTarget == "" {
			continue
		}
		if strings.Contains(normName, normTarget) || strings.Contains(normTarget, normName) {
			return keyFor(candidateIDs, i), Result{Stage: StageSubstring}, true
		}
	}

	bestIdx := -1
	bestDistance := -1
	for i, name := range candidateNames {
		normName := Normalize(name)
		d := levenshteinDistance(normTarget, normName)
		if bestIdx < 0 || d < bestDistance {
			bestDistance = d
			bestIdx = i
		}
	}
	if bestIdx >= 0 {
		longer := len(normTarget)
		if l := len(Normalize(candidateNames[bestIdx])); l > longer {
			longer = l
		}
		relative := 0.0
		if longer > 0 {
			relative = float64(bestDistance) / float64(longer)
		}
		if bestDistance <= maxFuzzyDistance || relative <= maxFuzzyRelative {
			return keyFor(candidateIDs, bestIdx), Result{Stage: StageFuzzy, Distance: bestDistance, Relative: relative}, true
		}
	}

	return "", Result{}, false
}

func keyFor(ids []string, idx int) string {
	if idx >= 0 && idx < len(ids) {
		return ids[idx]
	}
	return ""
}

// levenshteinDistance computes the edit distance between s1 and s2 using
// the standard two-row dynamic-programming recurrence, O(len(s1)*len(s2))
// time and O(min(len(s1),len(s2))) space.
func levenshteinDistance(s1, s2 string) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}
	if len(s1) > len(s2) {
		s1, s2 = s2, s1
	}

	prevRow := make([]int, len(s1)+1)
	for i := range prevRow {
		prevRow[i] = i
	}
	currRow := make([]int, len(s1)+1)

	for i := 1; i <= len(s2); i++ {
		currRow[0] = i
		for j := 1; j <= len(s1); j++ {
			cost := 1
			if s2[i-1] == s1[j-1] {
				cost = 0
			}
			currRow[j] = min3(currRow[j-1]+1, prevRow[j]+1, prevRow[j-1]+cost)
		}
		prevRow, currRow = currRow, prevRow
	}
	return prevRow[len(s1)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
