package disasm

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/binlift/binlift/pkg/log"
	"github.com/binlift/binlift/pkg/types"
)

// Adapter extracts a structured Disassembly from a binary by driving an
// external radare2-compatible tool over its pipe protocol.
type Adapter struct {
	binary      string
	stepTimeout time.Duration
	newRunner   RunnerFactory
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithRunnerFactory overrides how command runners are opened. Used by tests
// to substitute a scripted fake for the real subprocess.
func WithRunnerFactory(f RunnerFactory) Option {
	return func(a *Adapter) { a.newRunner = f }
}

// NewAdapter creates an adapter that spawns the named tool binary, bounding
// each analysis command by stepTimeout.
func NewAdapter(binary string, stepTimeout time.Duration, opts ...Option) *Adapter {
	a := &Adapter{
		binary:      binary,
		stepTimeout: stepTimeout,
	}
	a.newRunner = func(ctx context.Context, path string) (CommandRunner, error) {
		return NewPipe(ctx, a.binary, path, a.stepTimeout)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Extract runs the depth-appropriate command sequence against the file at
// path. Individual listing failures degrade to warnings; a binary the tool
// cannot parse at all, an extraction where every category came back empty,
// or an analysis where no function produced any assembly, is an error.
func (a *Adapter) Extract(ctx context.Context, path string, depth types.AnalysisDepth) (*types.Disassembly, error) {
	logger := log.WithComponent("disasm")

	md5sum, sha256sum, err := hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to hash binary: %w", err)
	}

	runner, err := a.newRunner(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrToolFailure, err)
	}
	defer runner.Close()

	dis := &types.Disassembly{}

	// File identification comes first; a binary the tool cannot even parse
	// is unsupported rather than a tool failure.
	var info rawInfo
	out, err := runner.Run(ctx, "ij")
	if err != nil {
		return nil, stepError(ctx, "ij", err)
	}
	if err := decode(out, &info); err != nil {
		return nil, fmt.Errorf("%w: file identification failed: %v", types.ErrUnsupported, err)
	}
	format, known := parseFormat(info.Bin.BinType)
	if !known {
		logger.Warn().Str("bintype", info.Bin.BinType).Msg("Unrecognized container format, falling back to raw")
		dis.Warnings = append(dis.Warnings, fmt.Sprintf("unrecognized container format %q, treated as raw", info.Bin.BinType))
	}
	dis.FileInfo = types.FileInfo{
		Format:       format,
		Architecture: info.Bin.Arch,
		Bits:         info.Bin.Bits,
		SizeBytes:    info.Core.Size,
		MD5:          md5sum,
		SHA256:       sha256sum,
	}

	var entries []rawEntry
	if err := a.step(ctx, runner, "iej", &entries, dis); err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		dis.FileInfo.EntryPoint = entries[0].VAddr
	}

	var sections []rawSection
	if err := a.step(ctx, runner, "iSj", &sections, dis); err != nil {
		return nil, err
	}
	for _, s := range sections {
		dis.Sections = append(dis.Sections, types.Section{
			Name:  s.Name,
			VAddr: s.VAddr,
			Size:  s.VSize,
			Flags: s.Perm,
		})
	}

	var imports []rawImport
	if err := a.step(ctx, runner, "iij", &imports, dis); err != nil {
		return nil, err
	}
	for _, imp := range imports {
		dis.Imports = append(dis.Imports, types.Import{
			Library: imp.LibName,
			Name:    imp.Name,
			Address: imp.PLT,
		})
	}

	var exports []rawExport
	if err := a.step(ctx, runner, "iEj", &exports, dis); err != nil {
		return nil, err
	}
	for _, exp := range exports {
		dis.Exports = append(dis.Exports, types.Export{
			Name:    exp.Name,
			Address: exp.VAddr,
			Ordinal: exp.Ordinal,
		})
	}

	stringsCmd := "izj"
	if depth == types.DepthComprehensive {
		// izzj scans the whole file, not just data sections.
		stringsCmd = "izzj"
	}
	var strs []rawString
	if err := a.step(ctx, runner, stringsCmd, &strs, dis); err != nil {
		return nil, err
	}
	for _, s := range strs {
		dis.Strings = append(dis.Strings, types.StringRef{
			Content:  s.String,
			Address:  s.VAddr,
			Length:   s.Length,
			Encoding: s.Type,
			Section:  s.Section,
		})
	}

	if depth != types.DepthBasic {
		if err := a.extractFunctions(ctx, runner, depth, dis, logger); err != nil {
			return nil, err
		}
	}

	if len(dis.Functions) == 0 && len(dis.Imports) == 0 &&
		len(dis.Exports) == 0 && len(dis.Strings) == 0 && len(dis.Sections) == 0 {
		return nil, fmt.Errorf("%w: extraction produced no content", types.ErrToolFailure)
	}

	logger.Info().
		Str("format", string(dis.FileInfo.Format)).
		Str("arch", dis.FileInfo.Architecture).
		Int("functions", len(dis.Functions)).
		Int("strings", len(dis.Strings)).
		Int("warnings", len(dis.Warnings)).
		Msg("Extraction complete")

	return dis, nil
}

// extractFunctions runs auto-analysis and disassembles each discovered
// function. Comprehensive depth deepens the analysis pass and resolves
// callers of each function.
func (a *Adapter) extractFunctions(ctx context.Context, runner CommandRunner, depth types.AnalysisDepth, dis *types.Disassembly, logger zerolog.Logger) error {
	analyzeCmd := "aa"
	if depth == types.DepthComprehensive {
		analyzeCmd = "aaa"
	}
	if _, err := runner.Run(ctx, analyzeCmd); err != nil {
		return stepError(ctx, analyzeCmd, err)
	}

	var fns []rawFunction
	if err := a.step(ctx, runner, "aflj", &fns, dis); err != nil {
		return err
	}

	nonEmpty := 0
	for _, fn := range fns {
		if err := ctx.Err(); err != nil {
			return cancelOrTimeout(err)
		}

		f := types.Function{
			Name:      fn.Name,
			Address:   fn.Offset,
			SizeBytes: fn.Size,
			Type:      parseFunctionType(fn.Type, fn.Name),
		}
		for _, ref := range fn.CallRefs {
			if ref.Type == "CALL" {
				f.CallsFrom = append(f.CallsFrom, fmt.Sprintf("0x%x", ref.Addr))
			}
		}

		// The listing is addressed by the function's offset field; seeking
		// by name misses unnamed and renamed functions.
		cmd := fmt.Sprintf("pdfj @ 0x%x", fn.Offset)
		out, err := runner.Run(ctx, cmd)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return cancelOrTimeout(ctxErr)
			}
			dis.Warnings = append(dis.Warnings, fmt.Sprintf("listing failed for %s: %v", fn.Name, err))
			dis.Functions = append(dis.Functions, f)
			continue
		}
		var listing rawListing
		if err := decode(out, &listing); err != nil {
			dis.Warnings = append(dis.Warnings, fmt.Sprintf("listing unreadable for %s: %v", fn.Name, err))
			dis.Functions = append(dis.Functions, f)
			continue
		}
		f.Assembly = parseInstructions(listing.Ops)
		if len(f.Assembly) == 0 {
			logger.Warn().Str("function", fn.Name).Msg("Function produced an empty listing")
			dis.Warnings = append(dis.Warnings, fmt.Sprintf("empty listing for %s", fn.Name))
		} else {
			nonEmpty++
		}

		if depth == types.DepthComprehensive {
			var callers []rawXref
			out, err := runner.Run(ctx, fmt.Sprintf("axtj @ 0x%x", fn.Offset))
			if err == nil && decode(out, &callers) == nil {
				for _, c := range callers {
					f.CallsTo = append(f.CallsTo, fmt.Sprintf("0x%x", c.From))
				}
			}
		}

		dis.Functions = append(dis.Functions, f)
	}

	// Functions with no listing at all mean the tool's analysis and its
	// disassembly disagree on addressing; translating from nothing would
	// only produce garbage.
	if len(fns) > 0 && nonEmpty == 0 {
		return fmt.Errorf("%w: every function listing came back empty", types.ErrToolFailure)
	}
	return nil
}

// step runs one listing command and decodes it; a failure downgrades to a
// warning unless the context is already dead.
func (a *Adapter) step(ctx context.Context, runner CommandRunner, cmd string, v any, dis *types.Disassembly) error {
	out, err := runner.Run(ctx, cmd)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cancelOrTimeout(ctxErr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: command %q exceeded step timeout", types.ErrTimeout, cmd)
		}
		dis.Warnings = append(dis.Warnings, fmt.Sprintf("command %q failed: %v", cmd, err))
		return nil
	}
	if err := decode(out, v); err != nil {
		dis.Warnings = append(dis.Warnings, fmt.Sprintf("command %q returned unreadable output", cmd))
	}
	return nil
}

// stepError classifies a hard command failure.
func stepError(ctx context.Context, cmd string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return cancelOrTimeout(ctxErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: command %q exceeded step timeout", types.ErrTimeout, cmd)
	}
	return fmt.Errorf("%w: command %q: %v", types.ErrToolFailure, cmd, err)
}

func cancelOrTimeout(ctxErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return fmt.Errorf("%w: analysis deadline exceeded", types.ErrTimeout)
	}
	return types.ErrCancelled
}

// hashFile computes the MD5 and SHA-256 digests of the file in one read.
func hashFile(path string) (string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	m := md5.New()
	s := sha256.New()
	if _, err := io.Copy(io.MultiWriter(m, s), f); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(m.Sum(nil)), hex.EncodeToString(s.Sum(nil)), nil
}
