package provider

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/binlift/binlift/pkg/types"
)

// System preambles. Each names the task and pins the reply to a JSON
// schema so the orchestrator can parse it mechanically.

const functionSystemPrompt = `You are a reverse engineering assistant. You are given the disassembly of one function from a binary executable. Explain what the function does in plain language.

Reply with ONLY a JSON object of this shape:
{"explanation": string, "purpose": string, "parameters": [string], "security_notes": string, "risk_score": number}

risk_score is 0.0 (benign) to 1.0 (almost certainly malicious). security_notes covers anything a malware analyst should look at; use an empty string when there is nothing notable.`

const importSystemPrompt = `You are a reverse engineering assistant. You are given one imported symbol from a binary executable. Explain what the API does and why a program would call it.

Reply with ONLY a JSON object of this shape:
{"explanation": string, "purpose": string, "security_notes": string}`

const stringSystemPrompt = `You are a reverse engineering assistant. You are given one string literal found inside a binary executable. Explain what it likely is and what it suggests about the program.

Reply with ONLY a JSON object of this shape:
{"explanation": string, "category": string}

category is one word such as: path, url, registry, format_string, error_message, crypto, user_agent, other.`

const summarySystemPrompt = `You are a reverse engineering assistant. You are given an overview of a binary executable: header facts, its largest functions, its imports, and notable strings. Produce an overall assessment of what the program is and does.

Reply with ONLY a JSON object of this shape:
{"summary": string, "purpose": string, "key_behaviors": [string], "security_notes": string}`

// detailHint steers reply length; the schema stays the same at every level.
func detailHint(detail types.TranslationDetail) string {
	switch detail {
	case types.DetailBasic:
		return "Keep the explanation to one or two sentences."
	case types.DetailDetailed:
		return "Be thorough: walk through the control flow and name the specific APIs and constants involved."
	default:
		return "Keep the explanation to one short paragraph."
	}
}

// maxStringContent bounds how much of a string literal goes into a prompt.
const maxStringContent = 256

func functionPrompt(fn types.Function, detail types.TranslationDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Function %s at 0x%x, %d bytes.\n", fn.Name, fn.Address, fn.SizeBytes)
	if len(fn.CallsTo) > 0 {
		fmt.Fprintf(&b, "Called from: %s\n", strings.Join(fn.CallsTo, ", "))
	}
	if len(fn.CallsFrom) > 0 {
		fmt.Fprintf(&b, "Calls: %s\n", strings.Join(fn.CallsFrom, ", "))
	}
	b.WriteString("\nAssembly:\n")
	for _, ins := range fn.Assembly {
		fmt.Fprintf(&b, "0x%x  %s", ins.Address, ins.Mnemonic)
		if ins.Operands != "" {
			b.WriteString(" " + ins.Operands)
		}
		if len(ins.XrefsFrom) > 0 {
			b.WriteString("  ; refs " + joinHex(ins.XrefsFrom))
		}
		if ins.Comment != "" {
			b.WriteString("  ; " + ins.Comment)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\n" + detailHint(detail))
	return b.String()
}

func importPrompt(imp types.Import, referencedBy []string, detail types.TranslationDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Import %s!%s at 0x%x.\n", imp.Library, imp.Name, imp.Address)
	if len(referencedBy) > 0 {
		fmt.Fprintf(&b, "Referenced by functions: %s\n", strings.Join(referencedBy, ", "))
	}
	b.WriteString("\n" + detailHint(detail))
	return b.String()
}

func stringPrompt(s types.StringRef, detail types.TranslationDetail) string {
	content := s.Content
	if len(content) > maxStringContent {
		content = content[:maxStringContent] + "…(truncated)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "String at 0x%x (%s encoding", s.Address, s.Encoding)
	if s.Section != "" {
		fmt.Fprintf(&b, ", section %s", s.Section)
	}
	fmt.Fprintf(&b, "): %s\n", strconv.Quote(content))
	b.WriteString("\n" + detailHint(detail))
	return b.String()
}

// summaryPrompt condenses the whole extraction: header facts, the ten
// largest functions, every import, and a sample of strings.
func summaryPrompt(dis *types.Disassembly, detail types.TranslationDetail) string {
	var b strings.Builder
	fi := dis.FileInfo
	fmt.Fprintf(&b, "Binary: %s %s %d-bit, %d bytes, entry point 0x%x.\n",
		fi.Format, fi.Architecture, fi.Bits, fi.SizeBytes, fi.EntryPoint)
	fmt.Fprintf(&b, "Counts: %d functions, %d imports, %d exports, %d strings, %d sections.\n\n",
		len(dis.Functions), len(dis.Imports), len(dis.Exports), len(dis.Strings), len(dis.Sections))

	top := topFunctionsBySize(dis.Functions, 10)
	if len(top) > 0 {
		b.WriteString("Largest functions:\n")
		for _, fn := range top {
			fmt.Fprintf(&b, "  %s at 0x%x (%d bytes)\n", fn.Name, fn.Address, fn.SizeBytes)
		}
		b.WriteByte('\n')
	}

	if len(dis.Imports) > 0 {
		b.WriteString("Imports:\n")
		for _, imp := range dis.Imports {
			fmt.Fprintf(&b, "  %s!%s\n", imp.Library, imp.Name)
		}
		b.WriteByte('\n')
	}

	if len(dis.Strings) > 0 {
		b.WriteString("Notable strings:\n")
		for i, s := range dis.Strings {
			if i >= 40 {
				fmt.Fprintf(&b, "  …and %d more\n", len(dis.Strings)-i)
				break
			}
			content := s.Content
			if len(content) > maxStringContent {
				content = content[:maxStringContent]
			}
			fmt.Fprintf(&b, "  %s\n", strconv.Quote(content))
		}
		b.WriteByte('\n')
	}

	b.WriteString(detailHint(detail))
	return b.String()
}

func topFunctionsBySize(fns []types.Function, n int) []types.Function {
	sorted := make([]types.Function, len(fns))
	copy(sorted, fns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SizeBytes > sorted[j].SizeBytes })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func joinHex(addrs []uint64) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = fmt.Sprintf("0x%x", a)
	}
	return strings.Join(parts, ", ")
}
