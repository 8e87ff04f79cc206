// Package samples builds small IR modules used by tests and `kiln sample`.
package samples

import (
	"fmt"
	"slices"

	"kiln/internal/ir"
)

// Registry maps sample names to constructors.
var Registry = map[string]func() *ir.Module{
	"answer":    Answer42,
	"factorial": Factorial,
	"sumloop":   func() *ir.Module { return SumLoop(10) },
	"vadd":      func() *ir.Module { return VectorAdd(37) },
	"dot":       func() *ir.Module { return DotProduct(64) },
	"many":      func() *ir.Module { return ManyFuncs(16) },
	"pressure":  func() *ir.Module { return Pressure(40) },
	"switch":    Switch,
}

// Names lists the registered samples in sorted order.
func Names() []string {
	names := make([]string, 0, len(Registry))
	for n := range Registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Answer42 is a module whose main returns 42.
func Answer42() *ir.Module {
	m := ir.NewModule("answer")
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	b.Ret(b.Const(ir.I64, 42))
	return m
}

// Factorial defines an accumulator-style self tail call and a main that
// evaluates fact(5, 1).
func Factorial() *ir.Module {
	m := ir.NewModule("factorial")
	AddFact(m)
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	n := b.Const(ir.I64, 5)
	acc := b.Const(ir.I64, 1)
	b.Ret(b.Call("fact", ir.I64, n, acc))
	return m
}

// AddFact appends fact(n, acc) = n <= 1 ? acc : fact(n-1, acc*n).
func AddFact(m *ir.Module) *ir.Func {
	b := ir.NewFuncBuilder(m, "fact", ir.I64)
	n := b.Param("n", ir.I64)
	acc := b.Param("acc", ir.I64)
	entry := b.Block("entry")
	base := b.Block("base")
	rec := b.Block("rec")

	b.SetBlock(entry)
	one := b.Const(ir.I64, 1)
	done := b.Bin(ir.OpSLe, n, one)
	b.CondBr(done, base, rec)

	b.SetBlock(base)
	b.Ret(acc)

	b.SetBlock(rec)
	n1 := b.Bin(ir.OpSub, n, one)
	acc1 := b.Bin(ir.OpMul, acc, n)
	r := b.Call("fact", ir.I64, n1, acc1)
	b.Ret(r)
	return b.Func()
}

// AddCountedLoop appends a function named name computing the sum of
// 0..trip-1 with a canonical header/body loop.
func AddCountedLoop(m *ir.Module, name string, trip int64) *ir.Func {
	b := ir.NewFuncBuilder(m, name, ir.I64)
	entry := b.Block("entry")
	header := b.Block("header")
	body := b.Block("body")
	exit := b.Block("exit")

	b.SetBlock(entry)
	zero := b.Const(ir.I64, 0)
	b.Br(header)

	b.SetBlock(header)
	i := b.Phi(ir.I64)
	sum := b.Phi(ir.I64)
	limit := b.Const(ir.I64, trip)
	cond := b.Bin(ir.OpSLt, i, limit)
	b.CondBr(cond, body, exit)

	b.SetBlock(body)
	sum1 := b.Bin(ir.OpAdd, sum, i)
	one := b.Const(ir.I64, 1)
	i1 := b.Bin(ir.OpAdd, i, one)
	b.Br(header)

	b.AddIncoming(i, entry, zero)
	b.AddIncoming(i, body, i1)
	b.AddIncoming(sum, entry, zero)
	b.AddIncoming(sum, body, sum1)

	b.SetBlock(exit)
	b.Ret(sum)
	return b.Func()
}

// SumLoop is a module whose main sums 0..trip-1.
func SumLoop(trip int64) *ir.Module {
	m := ir.NewModule("sumloop")
	AddCountedLoop(m, "main", trip)
	return m
}

// UnknownTripLoop sums 0..n-1 where n is a parameter.
func UnknownTripLoop() *ir.Module {
	m := ir.NewModule("unknown")
	b := ir.NewFuncBuilder(m, "sum", ir.I64).Export()
	n := b.Param("n", ir.I64)
	entry := b.Block("entry")
	header := b.Block("header")
	body := b.Block("body")
	exit := b.Block("exit")

	b.SetBlock(entry)
	zero := b.Const(ir.I64, 0)
	b.Br(header)

	b.SetBlock(header)
	i := b.Phi(ir.I64)
	sum := b.Phi(ir.I64)
	cond := b.Bin(ir.OpSLt, i, n)
	b.CondBr(cond, body, exit)

	b.SetBlock(body)
	sum1 := b.Bin(ir.OpAdd, sum, i)
	one := b.Const(ir.I64, 1)
	i1 := b.Bin(ir.OpAdd, i, one)
	b.Br(header)

	b.AddIncoming(i, entry, zero)
	b.AddIncoming(i, body, i1)
	b.AddIncoming(sum, entry, zero)
	b.AddIncoming(sum, body, sum1)

	b.SetBlock(exit)
	b.Ret(sum)
	return m
}

// VectorAdd declares three global i64 arrays of length n, a kernel
// vadd() computing c[i] = a[i] + b[i], and a main that initialises a and b,
// runs the kernel and returns c[n-1].
func VectorAdd(n int64) *ir.Module {
	m := ir.NewModule("vadd")
	arr := ir.ArrayOf(ir.I64, n)
	m.AddGlobal(ir.Global{Name: "a", Type: arr, Mutable: true})
	m.AddGlobal(ir.Global{Name: "b", Type: arr, Mutable: true})
	m.AddGlobal(ir.Global{Name: "c", Type: arr, Mutable: true})

	addElementwise(m, "init", n, func(b *ir.FuncBuilder, i ir.ValueID) {
		pa := b.Index(ir.I64, b.GlobalAddr("a"), i)
		b.Store(pa, i)
		pb := b.Index(ir.I64, b.GlobalAddr("b"), i)
		b.Store(pb, b.Bin(ir.OpMul, i, b.Const(ir.I64, 3)))
	})
	addElementwise(m, "vadd", n, func(b *ir.FuncBuilder, i ir.ValueID) {
		x := b.Load(ir.I64, b.Index(ir.I64, b.GlobalAddr("a"), i))
		y := b.Load(ir.I64, b.Index(ir.I64, b.GlobalAddr("b"), i))
		b.Store(b.Index(ir.I64, b.GlobalAddr("c"), i), b.Bin(ir.OpAdd, x, y))
	})

	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	b.Call("init", ir.Void)
	b.Call("vadd", ir.Void)
	last := b.Const(ir.I64, n-1)
	b.Ret(b.Load(ir.I64, b.Index(ir.I64, b.GlobalAddr("c"), last)))
	return m
}

// addElementwise appends a void function looping i over 0..n-1 and calling
// body to emit the loop body.
func addElementwise(m *ir.Module, name string, n int64, body func(b *ir.FuncBuilder, i ir.ValueID)) *ir.Func {
	b := ir.NewFuncBuilder(m, name, ir.Void)
	entry := b.Block("entry")
	header := b.Block("header")
	loop := b.Block("body")
	exit := b.Block("exit")

	b.SetBlock(entry)
	zero := b.Const(ir.I64, 0)
	b.Br(header)

	b.SetBlock(header)
	i := b.Phi(ir.I64)
	cond := b.Bin(ir.OpSLt, i, b.Const(ir.I64, n))
	b.CondBr(cond, loop, exit)

	b.SetBlock(loop)
	body(b, i)
	i1 := b.Bin(ir.OpAdd, i, b.Const(ir.I64, 1))
	b.Br(header)

	b.AddIncoming(i, entry, zero)
	b.AddIncoming(i, loop, i1)

	b.SetBlock(exit)
	b.RetVoid()
	return b.Func()
}

// DotProduct builds a reduction kernel over two global i32 arrays.
func DotProduct(n int64) *ir.Module {
	m := ir.NewModule("dot")
	arr := ir.ArrayOf(ir.I32, n)
	initA := make([]int64, n)
	initB := make([]int64, n)
	for i := range initA {
		initA[i] = int64(i)
		initB[i] = 2
	}
	m.AddGlobal(ir.Global{Name: "xs", Type: arr, Init: initA})
	m.AddGlobal(ir.Global{Name: "ys", Type: arr, Init: initB})

	b := ir.NewFuncBuilder(m, "main", ir.I32)
	entry := b.Block("entry")
	header := b.Block("header")
	body := b.Block("body")
	exit := b.Block("exit")

	b.SetBlock(entry)
	zero := b.Const(ir.I64, 0)
	acc0 := b.Const(ir.I32, 0)
	b.Br(header)

	b.SetBlock(header)
	i := b.Phi(ir.I64)
	acc := b.Phi(ir.I32)
	cond := b.Bin(ir.OpSLt, i, b.Const(ir.I64, n))
	b.CondBr(cond, body, exit)

	b.SetBlock(body)
	x := b.Load(ir.I32, b.Index(ir.I32, b.GlobalAddr("xs"), i))
	y := b.Load(ir.I32, b.Index(ir.I32, b.GlobalAddr("ys"), i))
	acc1 := b.Bin(ir.OpAdd, acc, b.Bin(ir.OpMul, x, y))
	i1 := b.Bin(ir.OpAdd, i, b.Const(ir.I64, 1))
	b.Br(header)

	b.AddIncoming(i, entry, zero)
	b.AddIncoming(i, body, i1)
	b.AddIncoming(acc, entry, acc0)
	b.AddIncoming(acc, body, acc1)

	b.SetBlock(exit)
	b.Ret(acc)
	return m
}

// ManyFuncs builds n small functions f0..f{n-1} (f_k(x) = x*k + k) and a main
// that chains them starting from 1.
func ManyFuncs(n int) *ir.Module {
	m := ir.NewModule("many")
	for k := range n {
		b := ir.NewFuncBuilder(m, fmt.Sprintf("f%d", k), ir.I64)
		x := b.Param("x", ir.I64)
		entry := b.Block("entry")
		pos := b.Block("pos")
		neg := b.Block("neg")
		b.SetBlock(entry)
		kv := b.Const(ir.I64, int64(k))
		big := b.Bin(ir.OpSGt, x, b.Const(ir.I64, 1000000))
		b.CondBr(big, neg, pos)
		b.SetBlock(pos)
		b.Ret(b.Bin(ir.OpAdd, b.Bin(ir.OpMul, x, kv), kv))
		b.SetBlock(neg)
		b.Ret(b.Bin(ir.OpSRem, x, b.Const(ir.I64, 1000)))
	}
	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	v := b.Const(ir.I64, 1)
	for k := range n {
		v = b.Call(fmt.Sprintf("f%d", k), ir.I64, v)
	}
	b.Ret(v)
	return m
}

// Pressure builds main loading k values, summing them forward and then
// adding them again backward. Every value stays live across the first sum,
// which forces the register allocator to spill. main returns k*(k+1).
func Pressure(k int) *ir.Module {
	m := ir.NewModule("pressure")
	init := make([]int64, k)
	for i := range init {
		init[i] = int64(i + 1)
	}
	m.AddGlobal(ir.Global{Name: "vals", Type: ir.ArrayOf(ir.I64, int64(k)), Init: init})

	b := ir.NewFuncBuilder(m, "main", ir.I64)
	b.Block("entry")
	base := b.GlobalAddr("vals")
	vals := make([]ir.ValueID, k)
	for i := range vals {
		vals[i] = b.Load(ir.I64, b.Index(ir.I64, base, b.Const(ir.I64, int64(i))))
	}
	sum := b.Const(ir.I64, 0)
	for _, v := range vals {
		sum = b.Bin(ir.OpAdd, sum, v)
	}
	for i := len(vals) - 1; i >= 0; i-- {
		sum = b.Bin(ir.OpAdd, sum, vals[i])
	}
	b.Ret(sum)
	return m
}

// Switch builds classify(x) with a three-way switch and a main calling it.
func Switch() *ir.Module {
	m := ir.NewModule("switch")
	b := ir.NewFuncBuilder(m, "classify", ir.I64)
	x := b.Param("x", ir.I64)
	entry := b.Block("entry")
	one := b.Block("one")
	two := b.Block("two")
	other := b.Block("other")
	b.SetBlock(entry)
	b.Switch(x, other, ir.SwitchCase{Value: 1, Target: one}, ir.SwitchCase{Value: 2, Target: two})
	b.SetBlock(one)
	b.Ret(b.Const(ir.I64, 10))
	b.SetBlock(two)
	b.Ret(b.Const(ir.I64, 20))
	b.SetBlock(other)
	b.Ret(b.Bin(ir.OpMul, x, b.Const(ir.I64, 100)))

	mb := ir.NewFuncBuilder(m, "main", ir.I64)
	mb.Block("entry")
	a := mb.Call("classify", ir.I64, mb.Const(ir.I64, 2))
	c := mb.Call("classify", ir.I64, mb.Const(ir.I64, 3))
	mb.Ret(mb.Bin(ir.OpAdd, a, c))
	return m
}
