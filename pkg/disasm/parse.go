package disasm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/binlift/binlift/pkg/types"
)

// Raw shapes of the tool's JSON replies. Field names follow the tool's
// output verbatim; note that function listings key the entry address as
// "offset" while cross-reference records call it "addr".

type rawInfo struct {
	Core struct {
		Format string `json:"format"`
		Size   int64  `json:"size"`
	} `json:"core"`
	Bin struct {
		Arch    string `json:"arch"`
		Bits    int    `json:"bits"`
		BinType string `json:"bintype"`
		BinSize int64  `json:"binsz"`
	} `json:"bin"`
}

type rawEntry struct {
	VAddr uint64 `json:"vaddr"`
}

type rawFunction struct {
	Offset    uint64    `json:"offset"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Type      string    `json:"type"`
	CallRefs  []rawXref `json:"callrefs"`
	CodeXrefs []rawXref `json:"codexrefs"`
}

type rawXref struct {
	Addr uint64 `json:"addr"`
	From uint64 `json:"from"`
	Type string `json:"type"`
}

type rawListing struct {
	Name string  `json:"name"`
	Ops  []rawOp `json:"ops"`
}

type rawOp struct {
	Offset  uint64    `json:"offset"`
	Bytes   string    `json:"bytes"`
	Disasm  string    `json:"disasm"`
	Comment string    `json:"comment,omitempty"`
	Refs    []rawXref `json:"refs,omitempty"`
	Xrefs   []rawXref `json:"xrefs,omitempty"`
}

type rawImport struct {
	LibName string `json:"libname"`
	Name    string `json:"name"`
	PLT     uint64 `json:"plt"`
}

type rawExport struct {
	Name    string `json:"name"`
	VAddr   uint64 `json:"vaddr"`
	Ordinal int    `json:"ordinal"`
}

type rawString struct {
	String  string `json:"string"`
	VAddr   uint64 `json:"vaddr"`
	Length  int    `json:"length"`
	Type    string `json:"type"`
	Section string `json:"section"`
}

type rawSection struct {
	Name  string `json:"name"`
	VAddr uint64 `json:"vaddr"`
	VSize int64  `json:"vsize"`
	Perm  string `json:"perm"`
}

// parseFormat maps the tool's bintype string onto a known container format.
func parseFormat(bintype string) (types.BinaryFormat, bool) {
	switch strings.ToLower(bintype) {
	case "pe", "pe32", "pe64":
		return types.FormatPE, true
	case "elf", "elf64":
		return types.FormatELF, true
	case "mach0", "mach064", "macho":
		return types.FormatMachO, true
	case "any", "raw", "":
		return types.FormatRaw, true
	}
	return types.FormatRaw, false
}

// parseFunctionType maps the tool's function classification.
func parseFunctionType(t, name string) types.FunctionType {
	switch {
	case strings.HasPrefix(name, "sym.imp.") || t == "imp":
		return types.FunctionTypeThunk
	case name == "entry0" || strings.HasPrefix(name, "entry"):
		return types.FunctionTypeEntry
	default:
		return types.FunctionTypeFunction
	}
}

// splitDisasm separates a rendered instruction into mnemonic and operands.
func splitDisasm(disasm string) (string, string) {
	disasm = strings.TrimSpace(disasm)
	if i := strings.IndexByte(disasm, ' '); i >= 0 {
		return disasm[:i], strings.TrimSpace(disasm[i+1:])
	}
	return disasm, ""
}

// parseInstructions converts a pdfj listing into the neutral form.
func parseInstructions(ops []rawOp) []types.Instruction {
	out := make([]types.Instruction, 0, len(ops))
	for _, op := range ops {
		mnemonic, operands := splitDisasm(op.Disasm)
		ins := types.Instruction{
			Address:  op.Offset,
			BytesHex: op.Bytes,
			Mnemonic: mnemonic,
			Operands: operands,
			Comment:  op.Comment,
		}
		for _, ref := range op.Refs {
			ins.XrefsFrom = append(ins.XrefsFrom, ref.Addr)
		}
		for _, ref := range op.Xrefs {
			ins.XrefsTo = append(ins.XrefsTo, ref.From)
		}
		out = append(out, ins)
	}
	return out
}

// decode unmarshals a reply, tolerating the blank line some commands emit.
func decode(data []byte, v any) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return fmt.Errorf("empty reply")
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}
	return nil
}
