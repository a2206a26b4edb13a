package translate

import (
	"sort"
	"unicode"
	"unicode/utf8"

	"github.com/binlift/binlift/pkg/types"
)

// minStringLength is the shortest string literal worth translating.
const minStringLength = 4

// prioritySections hold read-only literal data and are translated first.
var prioritySections = map[string]bool{
	".rdata":  true,
	".rodata": true,
}

// selectStrings filters the extracted strings down to the translation set:
// long enough, printable, deduplicated by (content, encoding), ordered with
// read-only data sections first, and capped at max.
func selectStrings(strs []types.StringRef, max int) []types.StringRef {
	type dedupKey struct {
		content  string
		encoding string
	}
	seen := make(map[dedupKey]bool)

	var selected []types.StringRef
	for _, s := range strs {
		if len(s.Content) < minStringLength || !printable(s.Content) {
			continue
		}
		key := dedupKey{content: s.Content, encoding: s.Encoding}
		if seen[key] {
			continue
		}
		seen[key] = true
		selected = append(selected, s)
	}

	// Stable so equal-priority strings keep extraction order.
	sort.SliceStable(selected, func(i, j int) bool {
		pi, pj := prioritySections[selected[i].Section], prioritySections[selected[j].Section]
		return pi && !pj
	})

	if max > 0 && len(selected) > max {
		selected = selected[:max]
	}
	return selected
}

// printable requires valid UTF-8 with at least one run of printable
// characters; control-character soup from packed data is skipped.
func printable(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	run := 0
	for _, r := range s {
		if unicode.IsPrint(r) {
			run++
			if run >= minStringLength {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// dedupImports collapses the import list by (library, name) and resolves
// which functions reference each import through instruction cross-refs.
func dedupImports(dis *types.Disassembly) ([]types.Import, map[string][]string) {
	type dedupKey struct {
		library string
		name    string
	}

	refsByAddr := make(map[uint64][]string)
	for _, fn := range dis.Functions {
		for _, ins := range fn.Assembly {
			for _, target := range ins.XrefsFrom {
				refs := refsByAddr[target]
				if len(refs) == 0 || refs[len(refs)-1] != fn.Name {
					refsByAddr[target] = append(refs, fn.Name)
				}
			}
		}
	}

	seen := make(map[dedupKey]bool)
	var imports []types.Import
	referencedBy := make(map[string][]string)
	for _, imp := range dis.Imports {
		key := dedupKey{library: imp.Library, name: imp.Name}
		if seen[key] {
			continue
		}
		seen[key] = true
		imports = append(imports, imp)
		referencedBy[imp.Library+"!"+imp.Name] = refsByAddr[imp.Address]
	}
	return imports, referencedBy
}
