package target_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"kiln/internal/diag"
	"kiln/internal/target"
)

func TestParseTriple(t *testing.T) {
	cases := []struct {
		in   string
		arch target.Arch
		os   string
		isa  string
	}{
		{"riscv64-unknown-linux-gnu", target.ArchRISCV64, "linux", ""},
		{"riscv64gcv-linux", target.ArchRISCV64, "linux", "imafdcv"},
		{"rv64imac_zbb-none-elf", target.ArchRISCV64, "none", "imac_zbb"},
		{"wasm32-wasi", target.ArchWasm32, "wasi", ""},
		{"x86_64-pc-linux-gnu", target.ArchX86_64, "linux", ""},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			tr, err := target.ParseTriple(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.arch, tr.Arch)
			require.Equal(t, tc.os, tr.OS)
			if tc.isa != "" {
				require.Equal(t, tc.isa, tr.ISA.String())
			}
		})
	}
	_, err := target.ParseTriple("sparc-sun-solaris")
	require.Error(t, err)
}

func TestFeatures(t *testing.T) {
	base, err := target.ParseISA("rv64gc")
	require.NoError(t, err)
	require.True(t, base.Has(target.ExtD))
	require.True(t, base.Has(target.ExtC))

	set, err := target.ApplyFeatures(base, "+v,-c,+zbb")
	require.NoError(t, err)
	require.True(t, set.Has(target.ExtV))
	require.False(t, set.Has(target.ExtC))
	require.True(t, set.Has(target.ExtZbb))
	require.False(t, set.Has(target.ExtZba))

	_, err = target.ApplyFeatures(base, "+quantum")
	require.Error(t, err)
}

func TestDescriptorRegisters(t *testing.T) {
	d, err := target.New(target.Options{Triple: "riscv64-linux", CPU: "sifive-x280"})
	require.NoError(t, err)
	require.Equal(t, 512, d.VLEN())
	require.Equal(t, "lp64d", d.ABI())
	require.Equal(t, 8, d.PtrSize())

	gprs := d.Registers(target.ClassGPR)
	require.Len(t, gprs, 32)
	require.Equal(t, "zero", gprs[0].Name)
	require.True(t, gprs[0].Reserved())
	s1, ok := d.Register("s1")
	require.True(t, ok)
	require.True(t, s1.CalleeSaved)
	a0, _ := d.Register("a0")
	require.Equal(t, target.RoleArg, a0.Role)
	require.False(t, a0.CalleeSaved)

	fs11, ok := d.Register("fs11")
	require.True(t, ok)
	require.Equal(t, uint8(27), fs11.Num)
	require.Len(t, d.Registers(target.ClassVector), 32)

	// Registers hands out copies.
	gprs[5].Name = "clobbered"
	again := d.Registers(target.ClassGPR)
	require.Equal(t, "t0", again[5].Name)
}

func TestDescriptorWithoutVector(t *testing.T) {
	d := target.MustNew(target.Options{Triple: "riscv64-linux", Features: "-v"})
	require.False(t, d.Has(target.ExtV))
	require.Empty(t, d.Registers(target.ClassVector))
	require.Equal(t, 0, d.VLEN())
}

func TestUnknownCPU(t *testing.T) {
	_, err := target.New(target.Options{Triple: "riscv64-linux", CPU: "pentium"})
	require.True(t, errors.Is(err, diag.ErrUnimplemented))
}

func TestInitRunsOnce(t *testing.T) {
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, target.Init())
		}()
	}
	wg.Wait()
	require.Equal(t, 1, target.InitCount())
}
