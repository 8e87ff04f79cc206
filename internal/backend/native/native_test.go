package native

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"kiln/internal/backend"
	"kiln/internal/diag"
	"kiln/internal/ir"
	"kiln/internal/machine"
	"kiln/internal/samples"
	"kiln/internal/target"
)

func build(t *testing.T, cpu string, m *ir.Module, opts backend.Options) ([]byte, *backend.Shared, *Backend) {
	t.Helper()
	desc, err := target.New(target.Options{CPU: cpu})
	require.NoError(t, err)
	opt, err := machine.New(desc)
	require.NoError(t, err)
	b := New(opt)
	sh := backend.NewShared(m, desc, opts)
	ctx := context.Background()
	var frags []backend.Fragment
	for _, f := range m.Defined() {
		frag, err := b.EmitFunc(ctx, f, sh)
		require.NoError(t, err, f.Name)
		frags = append(frags, frag)
	}
	out, err := b.Link(ctx, frags, sh)
	require.NoError(t, err)
	return out, sh, b
}

func relocsOf(t *testing.T, f *elf.File, name string) []elf.Rela64 {
	t.Helper()
	s := f.Section(name)
	require.NotNil(t, s, name)
	data, err := s.Data()
	require.NoError(t, err)
	out := make([]elf.Rela64, len(data)/24)
	require.NoError(t, binary.Read(bytes.NewReader(data), binary.LittleEndian, out))
	return out
}

func TestObjectLayout(t *testing.T) {
	out, sh, b := build(t, "sifive-x280", samples.VectorAdd(37), backend.Options{Level: 2})
	require.NoError(t, b.Verify(context.Background(), out, sh))

	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, elf.EM_RISCV, f.Machine)
	require.Equal(t, elf.ET_REL, f.Type)
	require.Equal(t, uint32(efFloatDouble), binary.LittleEndian.Uint32(out[0x30:]))

	data := f.Section(".data")
	require.NotNil(t, data)
	require.Equal(t, uint64(3*37*8), data.Size)

	syms, err := f.Symbols()
	require.NoError(t, err)
	kinds := make(map[string]elf.SymType)
	binds := make(map[string]elf.SymBind)
	for _, s := range syms {
		kinds[s.Name] = elf.ST_TYPE(s.Info)
		binds[s.Name] = elf.ST_BIND(s.Info)
	}
	for _, g := range []string{"a", "b", "c"} {
		require.Equal(t, elf.STT_OBJECT, kinds[g], g)
	}
	for _, fn := range []string{"init", "vadd", "main"} {
		require.Equal(t, elf.STT_FUNC, kinds[fn], fn)
	}
	require.Equal(t, elf.STB_GLOBAL, binds["main"])

	// Locals come before globals in the symbol table.
	seenGlobal := false
	for _, s := range syms {
		if elf.ST_BIND(s.Info) == elf.STB_LOCAL {
			require.False(t, seenGlobal, s.Name)
		} else {
			seenGlobal = true
		}
	}

	var hi, lo, call int
	for _, r := range relocsOf(t, f, ".rela.text") {
		switch machine.RelocKind(elf.R_TYPE64(r.Info)) {
		case machine.RelocPCRelHi20:
			hi++
		case machine.RelocPCRelLo12I:
			lo++
		case machine.RelocCallPLT:
			call++
		}
	}
	require.Positive(t, hi)
	require.Equal(t, hi, lo)
	require.Equal(t, 2, call)
}

func TestSplitSections(t *testing.T) {
	out, sh, b := build(t, "generic-rv64", samples.Factorial(), backend.Options{Level: 1, Split: true})
	require.NoError(t, b.Verify(context.Background(), out, sh))

	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	require.NotNil(t, f.Section(".text.fact"))
	require.NotNil(t, f.Section(".text.main"))
	require.Nil(t, f.Section(".text"))

	rela := f.Section(".rela.text.main")
	require.NotNil(t, rela)
	relocs := relocsOf(t, f, ".rela.text.main")
	require.Len(t, relocs, 1)
	require.Equal(t, uint32(machine.RelocCallPLT), elf.R_TYPE64(relocs[0].Info))
}

func TestAssemblyOutput(t *testing.T) {
	out, sh, b := build(t, "generic-rv64", samples.DotProduct(8), backend.Options{Level: 1, Asm: true})
	require.NoError(t, b.Verify(context.Background(), out, sh))
	text := string(out)
	require.Contains(t, text, "\t.file \"dot\"\n")
	require.Contains(t, text, "\nmain:\n")
	require.Contains(t, text, "\t.data\n")
	require.Contains(t, text, "xs:\n\t.byte 0x00,0x00,0x00,0x00,0x01,0x00")
	require.Contains(t, text, "\t.size ys, 32\n")

	err := b.Verify(context.Background(), []byte(strings.Replace(text, "\nmain:\n", "\n", 1)), sh)
	require.Equal(t, diag.KindVerification, diag.KindOf(err))
}

func TestVerifyRejectsCorruptObjects(t *testing.T) {
	out, sh, b := build(t, "generic-rv64", samples.Answer42(), backend.Options{Level: 2})
	ctx := context.Background()
	require.NoError(t, b.Verify(ctx, out, sh))

	err := b.Verify(ctx, out[:10], sh)
	require.Equal(t, diag.KindVerification, diag.KindOf(err))

	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	off := f.Section(".text").Offset
	bad := bytes.Clone(out)
	binary.LittleEndian.PutUint32(bad[off:], 0xffffffff)
	err = b.Verify(ctx, bad, sh)
	require.Equal(t, diag.KindVerification, diag.KindOf(err))
	e, ok := diag.As(err)
	require.True(t, ok)
	require.Equal(t, diag.VerEncoding, e.Code)
}

func TestNoDataSectionWithoutGlobals(t *testing.T) {
	out, _, _ := build(t, "generic-rv64", samples.Answer42(), backend.Options{Level: 0})
	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	require.Nil(t, f.Section(".data"))
	require.Nil(t, f.Section(".rela.text"))
}
