package disasm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binlift/binlift/pkg/types"
)

// fakeRunner replays canned replies keyed by command. Commands without an
// entry return an error, mimicking a tool that chokes on them.
type fakeRunner struct {
	replies map[string]string
	ran     []string
	closed  bool
}

func (f *fakeRunner) Run(ctx context.Context, cmd string) ([]byte, error) {
	f.ran = append(f.ran, cmd)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply, ok := f.replies[cmd]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
	return []byte(reply), nil
}

func (f *fakeRunner) Close() error {
	f.closed = true
	return nil
}

func newTestAdapter(runner CommandRunner, spawnErr error) *Adapter {
	return NewAdapter("radare2", time.Minute, WithRunnerFactory(
		func(ctx context.Context, path string) (CommandRunner, error) {
			if spawnErr != nil {
				return nil, spawnErr
			}
			return runner, nil
		}))
}

func writeTestBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.exe")
	require.NoError(t, os.WriteFile(path, []byte("MZ\x90\x00test binary"), 0600))
	return path
}

// standardReplies covers the full standard-depth sequence for one function.
func standardReplies() map[string]string {
	return map[string]string{
		"ij": `{"core":{"format":"pe","size":1024},
			"bin":{"arch":"x86","bits":64,"bintype":"pe","binsz":1024}}`,
		"iej": `[{"vaddr":4198400}]`,
		"iSj": `[{"name":".text","vaddr":4198400,"vsize":512,"perm":"-r-x"},
			{"name":".rdata","vaddr":4202496,"vsize":256,"perm":"-r--"}]`,
		"iij": `[{"libname":"KERNEL32.dll","name":"ExitProcess","plt":4202512}]`,
		"iEj": `[{"name":"DllMain","vaddr":4198500,"ordinal":1}]`,
		"izj": `[{"string":"hello world","vaddr":4202600,"length":11,"type":"ascii","section":".rdata"}]`,
		"aa":  ``,
		"aflj": `[{"offset":4198400,"name":"entry0","size":32,"type":"fcn",
			"callrefs":[{"addr":4198500,"type":"CALL"}]},
			{"offset":4198500,"name":"fcn.main","size":64,"type":"fcn"}]`,
		"pdfj @ 0x401000": `{"name":"entry0","ops":[
			{"offset":4198400,"bytes":"e863000000","disasm":"call fcn.main",
			 "refs":[{"addr":4198500,"type":"CALL"}]},
			{"offset":4198405,"bytes":"c3","disasm":"ret"}]}`,
		"pdfj @ 0x401064": `{"name":"fcn.main","ops":[
			{"offset":4198500,"bytes":"31c0","disasm":"xor eax, eax"},
			{"offset":4198502,"bytes":"c3","disasm":"ret"}]}`,
	}
}

// TestExtractStandard tests the full standard-depth extraction pipeline
func TestExtractStandard(t *testing.T) {
	runner := &fakeRunner{replies: standardReplies()}
	adapter := newTestAdapter(runner, nil)

	dis, err := adapter.Extract(context.Background(), writeTestBinary(t), types.DepthStandard)
	require.NoError(t, err)

	assert.Equal(t, types.FormatPE, dis.FileInfo.Format)
	assert.Equal(t, "x86", dis.FileInfo.Architecture)
	assert.Equal(t, 64, dis.FileInfo.Bits)
	assert.Equal(t, uint64(0x401000), dis.FileInfo.EntryPoint)
	assert.NotEmpty(t, dis.FileInfo.MD5)
	assert.NotEmpty(t, dis.FileInfo.SHA256)

	require.Len(t, dis.Functions, 2)
	entry := dis.Functions[0]
	assert.Equal(t, "entry0", entry.Name)
	assert.Equal(t, types.FunctionTypeEntry, entry.Type)
	assert.Equal(t, []string{"0x401064"}, entry.CallsFrom)
	require.Len(t, entry.Assembly, 2)
	assert.Equal(t, "call", entry.Assembly[0].Mnemonic)
	assert.Equal(t, "fcn.main", entry.Assembly[0].Operands)
	assert.Equal(t, "ret", entry.Assembly[1].Mnemonic)
	assert.Empty(t, entry.Assembly[1].Operands)

	require.Len(t, dis.Imports, 1)
	assert.Equal(t, "KERNEL32.dll", dis.Imports[0].Library)
	require.Len(t, dis.Strings, 1)
	assert.Equal(t, ".rdata", dis.Strings[0].Section)
	require.Len(t, dis.Sections, 2)
	assert.Empty(t, dis.Warnings)
	assert.True(t, runner.closed)
}

// TestExtractBasicSkipsAnalysis tests that basic depth never runs analysis
func TestExtractBasicSkipsAnalysis(t *testing.T) {
	runner := &fakeRunner{replies: standardReplies()}
	adapter := newTestAdapter(runner, nil)

	dis, err := adapter.Extract(context.Background(), writeTestBinary(t), types.DepthBasic)
	require.NoError(t, err)

	assert.Empty(t, dis.Functions)
	assert.NotContains(t, runner.ran, "aa")
	assert.NotContains(t, runner.ran, "aflj")
}

// TestExtractComprehensive tests the deeper analysis pass and caller xrefs
func TestExtractComprehensive(t *testing.T) {
	replies := standardReplies()
	replies["aaa"] = ``
	replies["izzj"] = replies["izj"]
	replies["axtj @ 0x401000"] = `[]`
	replies["axtj @ 0x401064"] = `[{"from":4198400,"type":"CALL"}]`
	runner := &fakeRunner{replies: replies}
	adapter := newTestAdapter(runner, nil)

	dis, err := adapter.Extract(context.Background(), writeTestBinary(t), types.DepthComprehensive)
	require.NoError(t, err)

	assert.Contains(t, runner.ran, "aaa")
	assert.Contains(t, runner.ran, "izzj")
	require.Len(t, dis.Functions, 2)
	assert.Equal(t, []string{"0x401000"}, dis.Functions[1].CallsTo)
}

// TestExtractEmptyListingWarns tests that an empty function listing becomes
// a warning rather than an error
func TestExtractEmptyListingWarns(t *testing.T) {
	replies := standardReplies()
	replies["pdfj @ 0x401064"] = `{"name":"fcn.main","ops":[]}`
	runner := &fakeRunner{replies: replies}
	adapter := newTestAdapter(runner, nil)

	dis, err := adapter.Extract(context.Background(), writeTestBinary(t), types.DepthStandard)
	require.NoError(t, err)

	require.Len(t, dis.Functions, 2)
	assert.Empty(t, dis.Functions[1].Assembly)
	require.Len(t, dis.Warnings, 1)
	assert.Contains(t, dis.Warnings[0], "empty listing for fcn.main")
}

// TestExtractAllListingsEmptyFails tests that an analysis where no function
// produces any assembly is a tool failure, not a silent success
func TestExtractAllListingsEmptyFails(t *testing.T) {
	replies := standardReplies()
	replies["pdfj @ 0x401000"] = `{"name":"entry0","ops":[]}`
	replies["pdfj @ 0x401064"] = `{"name":"fcn.main","ops":[]}`
	runner := &fakeRunner{replies: replies}
	adapter := newTestAdapter(runner, nil)

	_, err := adapter.Extract(context.Background(), writeTestBinary(t), types.DepthStandard)
	assert.ErrorIs(t, err, types.ErrToolFailure)
}

// TestExtractListingFailureDegrades tests that a failing pdfj keeps the
// function but records a warning
func TestExtractListingFailureDegrades(t *testing.T) {
	replies := standardReplies()
	delete(replies, "pdfj @ 0x401064")
	runner := &fakeRunner{replies: replies}
	adapter := newTestAdapter(runner, nil)

	dis, err := adapter.Extract(context.Background(), writeTestBinary(t), types.DepthStandard)
	require.NoError(t, err)

	require.Len(t, dis.Functions, 2)
	assert.Empty(t, dis.Functions[1].Assembly)
	assert.NotEmpty(t, dis.Warnings)
}

// TestExtractUnsupportedFormat tests that an unparseable file maps to the
// unsupported-format error
func TestExtractUnsupportedFormat(t *testing.T) {
	runner := &fakeRunner{replies: map[string]string{"ij": `not json`}}
	adapter := newTestAdapter(runner, nil)

	_, err := adapter.Extract(context.Background(), writeTestBinary(t), types.DepthStandard)
	assert.ErrorIs(t, err, types.ErrUnsupported)
}

// TestExtractRawFormatWarns tests the unknown-bintype fallback
func TestExtractRawFormatWarns(t *testing.T) {
	replies := standardReplies()
	replies["ij"] = `{"core":{"format":"","size":64},"bin":{"arch":"","bits":0,"bintype":"weird"}}`
	runner := &fakeRunner{replies: replies}
	adapter := newTestAdapter(runner, nil)

	dis, err := adapter.Extract(context.Background(), writeTestBinary(t), types.DepthStandard)
	require.NoError(t, err)
	assert.Equal(t, types.FormatRaw, dis.FileInfo.Format)
	assert.NotEmpty(t, dis.Warnings)
}

// TestExtractSpawnFailure tests tool unavailability
func TestExtractSpawnFailure(t *testing.T) {
	adapter := newTestAdapter(nil, fmt.Errorf("exec: radare2 not found"))

	_, err := adapter.Extract(context.Background(), writeTestBinary(t), types.DepthStandard)
	assert.ErrorIs(t, err, types.ErrToolFailure)
}

// TestExtractNothingAtAll tests that a fully empty extraction is an error
func TestExtractNothingAtAll(t *testing.T) {
	runner := &fakeRunner{replies: map[string]string{
		"ij":   `{"core":{"format":"elf","size":8},"bin":{"arch":"x86","bits":64,"bintype":"elf"}}`,
		"iej":  `[]`,
		"iSj":  `[]`,
		"iij":  `[]`,
		"iEj":  `[]`,
		"izj":  `[]`,
		"aa":   ``,
		"aflj": `[]`,
	}}
	adapter := newTestAdapter(runner, nil)

	_, err := adapter.Extract(context.Background(), writeTestBinary(t), types.DepthStandard)
	assert.ErrorIs(t, err, types.ErrToolFailure)
}

// TestExtractCancellation tests that a cancelled context stops the walk
func TestExtractCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &fakeRunner{replies: standardReplies()}
	adapter := newTestAdapter(runner, nil)

	_, err := adapter.Extract(ctx, writeTestBinary(t), types.DepthStandard)
	assert.Error(t, err)
}

// TestSplitDisasm tests mnemonic and operand separation
func TestSplitDisasm(t *testing.T) {
	tests := []struct {
		name     string
		disasm   string
		mnemonic string
		operands string
	}{
		{name: "two operands", disasm: "mov eax, 1", mnemonic: "mov", operands: "eax, 1"},
		{name: "no operands", disasm: "ret", mnemonic: "ret", operands: ""},
		{name: "leading space", disasm: "  nop", mnemonic: "nop", operands: ""},
		{name: "memory operand", disasm: "lea rdi, [rip + 0x2004]", mnemonic: "lea", operands: "rdi, [rip + 0x2004]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mnemonic, operands := splitDisasm(tt.disasm)
			assert.Equal(t, tt.mnemonic, mnemonic)
			assert.Equal(t, tt.operands, operands)
		})
	}
}
