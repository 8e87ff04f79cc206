package ir_test

import (
	"bytes"
	"testing"

	"kiln/internal/ir"
)

// TestEncodeDecodePreservesDump round-trips a module with loops and phis.
func TestEncodeDecodePreservesDump(t *testing.T) {
	m := ir.NewModule("t")
	m.Funcs = append(m.Funcs, countedLoop())
	m.AddGlobal(ir.Global{Name: "g", Type: ir.ArrayOf(ir.I32, 4), Init: []int64{1, 2}, Mutable: true})

	var buf bytes.Buffer
	if err := ir.Encode(&buf, m); err != nil {
		t.Fatal(err)
	}
	got, err := ir.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if ir.ModuleString(got) != ir.ModuleString(m) {
		t.Fatalf("dump mismatch:\n%s\nvs\n%s", ir.ModuleString(got), ir.ModuleString(m))
	}
}

// TestFingerprintStableAndSensitive checks equal IR hashes equal and edits change it.
func TestFingerprintStableAndSensitive(t *testing.T) {
	a := countedLoop()
	b := ir.CloneFunc(a)
	da, err := ir.Fingerprint(a, "riscv64")
	if err != nil {
		t.Fatal(err)
	}
	db, err := ir.Fingerprint(b, "riscv64")
	if err != nil {
		t.Fatal(err)
	}
	if da != db {
		t.Fatalf("clone fingerprint differs")
	}
	dc, _ := ir.Fingerprint(b, "wasm32")
	if dc == da {
		t.Fatalf("salt must change fingerprint")
	}
	b.Blocks[1].Instrs[1].Const.Int = 11
	dd, _ := ir.Fingerprint(b, "riscv64")
	if dd == da {
		t.Fatalf("edit must change fingerprint")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := ir.Decode(bytes.NewReader([]byte{0xc0})); err == nil {
		t.Fatal("expected error")
	}
}
