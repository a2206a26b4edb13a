/*
Package disasm extracts structured disassembly from binaries by driving an
external radare2-compatible tool as a subprocess.

The tool runs in quiet pipe mode (-q0): commands are written one per line
and each reply is NUL-terminated JSON. One subprocess is spawned per
extraction and closed when it finishes; the Pipe is not shared between
goroutines.

Extraction depth controls the command sequence:

	basic          ij, iej, iSj, iij, iEj, izj
	standard       basic + aa, aflj, pdfj per function
	comprehensive  standard with aaa instead of aa, izzj instead of izj,
	               plus axtj per function for caller resolution

Function listings are addressed by the "offset" field of the aflj record
(pdfj @ 0x<offset>); cross-reference records use "addr"/"from" instead, and
the parser keeps the two apart.

Failures are graded. A file the tool cannot identify is ErrUnsupported; a
subprocess that cannot be spawned or an extraction that yields nothing at
all is ErrToolFailure; a step past its timeout is ErrTimeout. Anything
softer, like a single function whose listing fails, degrades to a warning
on the Disassembly and the extraction continues.
*/
package disasm
