package types

// BinaryFormat is the container format of an analyzed file
type BinaryFormat string

const (
	FormatPE    BinaryFormat = "pe"
	FormatELF   BinaryFormat = "elf"
	FormatMachO BinaryFormat = "macho"
	FormatRaw   BinaryFormat = "raw"
)

// FileInfo describes the analyzed binary's header-level facts
type FileInfo struct {
	Format       BinaryFormat `json:"format"`
	Architecture string       `json:"architecture"`
	Bits         int          `json:"bits"`
	EntryPoint   uint64       `json:"entry_point"`
	SizeBytes    int64        `json:"size_bytes"`
	MD5          string       `json:"md5"`
	SHA256       string       `json:"sha256"`
}

// FunctionType classifies a function record
type FunctionType string

const (
	FunctionTypeFunction FunctionType = "function"
	FunctionTypeThunk    FunctionType = "import_thunk"
	FunctionTypeEntry    FunctionType = "entry"
)

// Instruction is a single disassembled instruction with cross-references
type Instruction struct {
	Address   uint64   `json:"address"`
	BytesHex  string   `json:"bytes_hex"`
	Mnemonic  string   `json:"mnemonic"`
	Operands  string   `json:"operands"`
	Comment   string   `json:"comment,omitempty"`
	XrefsTo   []uint64 `json:"xrefs_to,omitempty"`
	XrefsFrom []uint64 `json:"xrefs_from,omitempty"`
}

// Function is one extracted function with its full assembly listing.
// An empty Assembly slice means the listing command produced nothing; the
// orchestrator must not translate such a function.
type Function struct {
	Name      string        `json:"name"`
	Address   uint64        `json:"address"`
	SizeBytes int64         `json:"size_bytes"`
	Type      FunctionType  `json:"type"`
	Assembly  []Instruction `json:"assembly"`
	CallsTo   []string      `json:"calls_to,omitempty"`
	CallsFrom []string      `json:"calls_from,omitempty"`
}

// Import is an imported symbol
type Import struct {
	Library string `json:"library"`
	Name    string `json:"name"`
	Address uint64 `json:"address"`
}

// Export is an exported symbol
type Export struct {
	Name    string `json:"name"`
	Address uint64 `json:"address"`
	Ordinal int    `json:"ordinal,omitempty"`
}

// StringRef is a string literal located in the binary
type StringRef struct {
	Content  string `json:"content"`
	Address  uint64 `json:"address"`
	Length   int    `json:"length"`
	Encoding string `json:"encoding"`
	Section  string `json:"section,omitempty"`
}

// Section is a binary section header
type Section struct {
	Name  string `json:"name"`
	VAddr uint64 `json:"vaddr"`
	Size  int64  `json:"size"`
	Flags string `json:"flags,omitempty"`
}

// Disassembly is the full structured extraction produced by the adapter
type Disassembly struct {
	FileInfo  FileInfo    `json:"file_info"`
	Functions []Function  `json:"functions"`
	Imports   []Import    `json:"imports"`
	Exports   []Export    `json:"exports"`
	Strings   []StringRef `json:"strings"`
	Sections  []Section   `json:"sections"`
	Warnings  []string    `json:"warnings,omitempty"`
}
