package ir

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"kiln/internal/diag"
)

// Current schema version - increment when the module file layout changes
const moduleSchemaVersion uint16 = 1

const moduleMagic = "KIR1"

type moduleFile struct {
	Magic  string  `msgpack:"magic"`
	Schema uint16  `msgpack:"schema"`
	Module *Module `msgpack:"module"`
}

// Encode writes m as a msgpack module file.
func Encode(w io.Writer, m *Module) error {
	enc := msgpack.NewEncoder(w)
	return enc.Encode(&moduleFile{Magic: moduleMagic, Schema: moduleSchemaVersion, Module: m})
}

// Decode reads a module file written by Encode.
func Decode(r io.Reader) (*Module, error) {
	var mf moduleFile
	dec := msgpack.NewDecoder(bufio.NewReader(r))
	if err := dec.Decode(&mf); err != nil {
		return nil, fmt.Errorf("decode module: %w", err)
	}
	if mf.Magic != moduleMagic {
		return nil, fmt.Errorf("decode module: bad magic %q", mf.Magic)
	}
	if mf.Schema != moduleSchemaVersion {
		return nil, fmt.Errorf("decode module: schema %d, want %d", mf.Schema, moduleSchemaVersion)
	}
	if mf.Module == nil {
		return nil, fmt.Errorf("decode module: empty payload")
	}
	return mf.Module, nil
}

// ReadFile loads a module file from disk.
func ReadFile(path string) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, diag.IO(diag.IOReadInput, err, "open %s", path)
	}
	defer f.Close()
	m, err := Decode(f)
	if err != nil {
		return nil, diag.IO(diag.IOReadInput, err, "read %s", path)
	}
	return m, nil
}

// WriteFile stores a module file on disk.
func WriteFile(path string, m *Module) error {
	f, err := os.Create(path)
	if err != nil {
		return diag.IO(diag.IOWriteOutput, err, "create %s", path)
	}
	bw := bufio.NewWriter(f)
	if err := Encode(bw, m); err != nil {
		_ = f.Close()
		return diag.IO(diag.IOWriteOutput, err, "write %s", path)
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return diag.IO(diag.IOWriteOutput, err, "flush %s", path)
	}
	if err := f.Close(); err != nil {
		return diag.IO(diag.IOWriteOutput, err, "close %s", path)
	}
	return nil
}

// Digest is a SHA-256 content hash.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether d was never computed.
func (d Digest) IsZero() bool { return d == Digest{} }

// Fingerprint hashes the canonical encoding of f together with salt, which
// callers use to fold in everything else the lowered result depends on
// (target, level, backend, callee signatures).
func Fingerprint(f *Func, salt string) (Digest, error) {
	var out Digest
	data, err := msgpack.Marshal(f)
	if err != nil {
		return out, fmt.Errorf("fingerprint %s: %w", f.Name, err)
	}
	h := sha256.New()
	_, _ = h.Write([]byte(salt))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(data)
	copy(out[:], h.Sum(nil))
	return out, nil
}
