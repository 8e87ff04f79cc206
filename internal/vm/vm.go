// Package vm interprets IR modules directly. It is the semantic reference
// used to check that optimizations and backends preserve behaviour.
package vm

import (
	"encoding/binary"
	"fmt"
	"math"

	"kiln/internal/ir"
)

const (
	arenaBase    = 4096
	defaultArena = 1 << 20
	defaultDepth = 4096
	defaultSteps = 50_000_000
)

// HostFunc implements a declared function.
type HostFunc func(args []uint64) (uint64, error)

// Option configures a VM.
type Option func(*VM)

// WithMaxDepth limits the call depth.
func WithMaxDepth(n int) Option { return func(vm *VM) { vm.maxDepth = n } }

// WithStepLimit bounds the number of executed instructions.
func WithStepLimit(n int64) Option { return func(vm *VM) { vm.maxSteps = n } }

// WithArena sets the memory size in bytes.
func WithArena(n int) Option { return func(vm *VM) { vm.mem = make([]byte, n) } }

// WithHost binds a declared function to a Go implementation.
func WithHost(name string, fn HostFunc) Option {
	return func(vm *VM) { vm.host[name] = fn }
}

type frame struct {
	fn     *ir.Func
	block  ir.BlockID
	values map[ir.ValueID]uint64
	sp     int
}

// VM executes one module. Not safe for concurrent use.
type VM struct {
	mod      *ir.Module
	layout   ir.Layout
	funcs    map[string]*ir.Func
	host     map[string]HostFunc
	types    map[*ir.Func]map[ir.ValueID]ir.Type
	globals  map[string]int
	mem      []byte
	heapTop  int
	sp       int
	stack    []*frame
	maxDepth int
	maxSteps int64
	steps    int64
}

// New prepares a VM for m, laying out and initialising globals.
func New(m *ir.Module, opts ...Option) (*VM, error) {
	vm := &VM{
		mod:      m,
		layout:   ir.NewLayout(m, 8),
		funcs:    make(map[string]*ir.Func, len(m.Funcs)),
		host:     make(map[string]HostFunc),
		types:    make(map[*ir.Func]map[ir.ValueID]ir.Type),
		globals:  make(map[string]int, len(m.Globals)),
		maxDepth: defaultDepth,
		maxSteps: defaultSteps,
	}
	for _, opt := range opts {
		opt(vm)
	}
	if vm.mem == nil {
		vm.mem = make([]byte, defaultArena)
	}
	for _, f := range m.Funcs {
		vm.funcs[f.Name] = f
	}
	top := 0
	for i := range m.Globals {
		g := &m.Globals[i]
		top = alignUp(top, int(max(vm.layout.AlignOf(g.Type), 8)))
		vm.globals[g.Name] = top
		size := int(vm.layout.SizeOf(g.Type))
		if top+size > len(vm.mem) {
			return nil, fmt.Errorf("vm: globals exceed arena")
		}
		vm.initGlobal(top, g)
		top += size
	}
	vm.heapTop = alignUp(top, 16)
	vm.sp = vm.heapTop
	return vm, nil
}

func (vm *VM) initGlobal(off int, g *ir.Global) {
	if len(g.Init) == 0 {
		return
	}
	elem := g.Type
	t := vm.layout.Resolve(g.Type)
	if t.Kind == ir.TypeArray && t.Elem != nil {
		elem = *t.Elem
	}
	size := int(vm.layout.SizeOf(elem))
	for i, v := range g.Init {
		vm.storeRaw(off+i*size, size, uint64(v))
	}
}

// GlobalAddr returns the arena address of a global.
func (vm *VM) GlobalAddr(name string) (uint64, bool) {
	off, ok := vm.globals[name]
	return uint64(off + arenaBase), ok
}

// ReadI64 reads an 8-byte word at addr.
func (vm *VM) ReadI64(addr uint64) (int64, error) {
	off, err := vm.offset(addr, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(vm.mem[off:])), nil
}

// Call runs the named function with integer arguments.
func (vm *VM) Call(name string, args ...int64) (int64, error) {
	raw := make([]uint64, len(args))
	for i, a := range args {
		raw[i] = uint64(a)
	}
	r, err := vm.call(name, raw)
	return int64(r), err
}

// Steps returns the number of instructions executed so far.
func (vm *VM) Steps() int64 { return vm.steps }

func (vm *VM) call(name string, args []uint64) (uint64, error) {
	f, ok := vm.funcs[name]
	if !ok || f.IsDeclaration {
		if h, ok := vm.host[name]; ok {
			return h(args)
		}
		return 0, vm.makeError(PanicUnknownFunction, fmt.Sprintf("no body for %q", name))
	}
	if len(args) != len(f.Params) {
		return 0, vm.makeError(PanicBadArgs, fmt.Sprintf("%s: got %d args, want %d", name, len(args), len(f.Params)))
	}
	if len(vm.stack) >= vm.maxDepth {
		return 0, vm.makeError(PanicStackOverflow, fmt.Sprintf("call depth %d exceeded", vm.maxDepth))
	}
	fr := &frame{fn: f, block: f.Entry, values: make(map[ir.ValueID]uint64), sp: vm.sp}
	for i, p := range f.Params {
		fr.values[p.Value] = normalize(p.Type, args[i])
	}
	vm.stack = append(vm.stack, fr)
	defer func() {
		vm.sp = fr.sp
		vm.stack = vm.stack[:len(vm.stack)-1]
	}()
	return vm.run(fr)
}

func (vm *VM) run(fr *frame) (uint64, error) {
	prev := ir.NoBlockID
	for {
		blk := fr.fn.Block(fr.block)
		if blk == nil {
			return 0, vm.makeError(PanicOutOfBounds, fmt.Sprintf("jump to missing block bb%d", fr.block))
		}
		// Phis read their inputs simultaneously.
		phis := blk.Phis()
		if len(phis) > 0 {
			vals := make([]uint64, len(phis))
			for i := range phis {
				src, ok := phis[i].Phi.IncomingFor(prev)
				if !ok {
					return 0, vm.makeError(PanicUnimplemented, fmt.Sprintf("phi %%%d has no incoming for bb%d", phis[i].Dst, prev))
				}
				vals[i] = fr.values[src]
			}
			for i := range phis {
				fr.values[phis[i].Dst] = vals[i]
			}
		}
		for i := len(phis); i < len(blk.Instrs); i++ {
			vm.steps++
			if vm.steps > vm.maxSteps {
				return 0, vm.makeError(PanicStepLimit, "step limit exceeded")
			}
			if err := vm.exec(fr, &blk.Instrs[i]); err != nil {
				return 0, err
			}
		}
		t := &blk.Term
		switch t.Kind {
		case ir.TermReturn:
			if t.Return.HasValue {
				return fr.values[t.Return.Value], nil
			}
			return 0, nil
		case ir.TermBr:
			prev, fr.block = fr.block, t.Br.Target
		case ir.TermCondBr:
			next := t.CondBr.Else
			if fr.values[t.CondBr.Cond]&1 != 0 {
				next = t.CondBr.Then
			}
			prev, fr.block = fr.block, next
		case ir.TermSwitch:
			x := int64(fr.values[t.Switch.Value])
			next := t.Switch.Default
			for _, c := range t.Switch.Cases {
				if c.Value == x {
					next = c.Target
					break
				}
			}
			prev, fr.block = fr.block, next
		case ir.TermUnreachable:
			return 0, vm.makeError(PanicUnreachable, "unreachable executed")
		default:
			return 0, vm.makeError(PanicUnimplemented, fmt.Sprintf("terminator %s", t.Kind))
		}
	}
}

func (vm *VM) exec(fr *frame, in *ir.Instr) error {
	val := func(id ir.ValueID) uint64 { return fr.values[id] }
	switch in.Kind {
	case ir.InstrConst:
		if in.Type.IsFloat() {
			fr.values[in.Dst] = math.Float64bits(roundFloat(in.Type, in.Const.Float))
		} else {
			fr.values[in.Dst] = normalize(in.Type, uint64(in.Const.Int))
		}
	case ir.InstrBinary:
		return vm.execBinary(fr, in)
	case ir.InstrCast:
		return vm.execCast(fr, in)
	case ir.InstrCopy:
		fr.values[in.Dst] = val(in.Copy.X)
	case ir.InstrAlloca:
		size := int(vm.layout.SizeOf(in.Alloca.Elem) * max(in.Alloca.Count, 1))
		addr := alignUp(vm.sp, 16)
		if addr+size > len(vm.mem) {
			return vm.makeError(PanicOutOfBounds, "stack exhausted")
		}
		clear(vm.mem[addr : addr+size])
		vm.sp = addr + size
		fr.values[in.Dst] = uint64(addr + arenaBase)
	case ir.InstrGEP:
		addr := int64(val(in.GEP.Base))
		if in.GEP.Index != ir.NoValueID {
			addr += int64(val(in.GEP.Index)) * vm.layout.SizeOf(in.GEP.Elem)
		}
		if in.GEP.Field >= 0 {
			addr += vm.layout.FieldOffset(in.GEP.Elem, int(in.GEP.Field))
		}
		fr.values[in.Dst] = uint64(addr)
	case ir.InstrGlobalAddr:
		addr, ok := vm.GlobalAddr(in.GlobalAddr.Name)
		if !ok {
			return vm.makeError(PanicOutOfBounds, fmt.Sprintf("unknown global %q", in.GlobalAddr.Name))
		}
		fr.values[in.Dst] = addr
	case ir.InstrLoad:
		size := int(vm.layout.SizeOf(in.Type))
		off, err := vm.offset(val(in.Load.Addr), size)
		if err != nil {
			return err
		}
		fr.values[in.Dst] = loadAs(in.Type, vm.loadRaw(off, size))
	case ir.InstrStore:
		size := int(vm.layout.SizeOf(in.Type))
		off, err := vm.offset(val(in.Store.Addr), size)
		if err != nil {
			return err
		}
		raw := val(in.Store.Value)
		if in.Type.IsFloat() && in.Type.Bits == 32 {
			raw = uint64(math.Float32bits(float32(math.Float64frombits(raw))))
		}
		vm.storeRaw(off, size, raw)
	case ir.InstrCall:
		args := make([]uint64, len(in.Call.Args))
		for i, a := range in.Call.Args {
			args[i] = val(a)
		}
		r, err := vm.call(in.Call.Callee, args)
		if err != nil {
			return err
		}
		if in.Dst != ir.NoValueID {
			fr.values[in.Dst] = r
		}
	default:
		return vm.makeError(PanicUnimplemented, fmt.Sprintf("instruction %s", in.Kind))
	}
	return nil
}

func (vm *VM) offset(addr uint64, size int) (int, error) {
	off := int64(addr) - arenaBase
	if off < 0 || off+int64(size) > int64(len(vm.mem)) {
		return 0, vm.makeError(PanicOutOfBounds, fmt.Sprintf("access of %d bytes at 0x%x", size, addr))
	}
	return int(off), nil
}

func (vm *VM) loadRaw(off, size int) uint64 {
	var buf [8]byte
	copy(buf[:], vm.mem[off:off+size])
	return binary.LittleEndian.Uint64(buf[:])
}

func (vm *VM) storeRaw(off, size int, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(vm.mem[off:off+size], buf[:size])
}

func alignUp(n, a int) int {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}
