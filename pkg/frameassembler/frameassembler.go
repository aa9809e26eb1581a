// Package frameassembler turns the raw frames pkg/unwind recovers into the
// logical frame list a caller renders: inlined calls expanded into their
// own frames, source locations resolved from the DWARF line program and
// call-site attributes, and each frame's variables collected with their
// locations evaluated against that frame's registers and memory (spec
// §4.7).
package frameassembler

import (
	"debug/dwarf"
	"fmt"

	"github.com/tweedegolf/stackdump/pkg/demangle"
	"github.com/tweedegolf/stackdump/pkg/dwarf/godwarf"
	"github.com/tweedegolf/stackdump/pkg/dwarf/op"
	"github.com/tweedegolf/stackdump/pkg/loader"
	"github.com/tweedegolf/stackdump/pkg/location"
	"github.com/tweedegolf/stackdump/pkg/platform"
	"github.com/tweedegolf/stackdump/pkg/types"
	"github.com/tweedegolf/stackdump/pkg/unwind"
)

// Kind distinguishes a logical frame's origin (spec §3).
type Kind int

const (
	KindFunction Kind = iota
	KindInlineFunction
	KindException
)

func (k Kind) String() string {
	switch k {
	case KindInlineFunction:
		return "InlineFunction"
	case KindException:
		return "Exception"
	default:
		return "Function"
	}
}

// SourceLocation is a resolved file/line/column; any field may be zero if
// the DWARF data didn't carry it.
type SourceLocation struct {
	File   string
	Line   int
	Column int
}

func (l SourceLocation) String() string {
	if l.File == "" {
		return ""
	}
	s := l.File
	if l.Line > 0 {
		s += fmt.Sprintf(":%d", l.Line)
		if l.Column > 0 {
			s += fmt.Sprintf(":%d", l.Column)
		}
	}
	return s
}

// Variable is one parameter, local, or static variable attached to a
// logical frame, with its type resolved and its DWARF location evaluated
// (spec §3, §4.7).
type Variable struct {
	Name      string
	Parameter bool
	Static    bool
	Type      types.Type
	Location  location.VariableLocation
}

// Frame is one logical stack frame: a concrete subprogram invocation, one
// level of an inlined call chain, or an exception entry (spec §3, §4.7).
type Frame struct {
	Function  string
	Location  SourceLocation
	Kind      Kind
	Variables []Variable
}

// Options selects which of the core's optional behaviors FrameAssembler
// applies (spec §6.3).
type Options struct {
	ShowInlinedFunctions   bool
	ShowZeroSizedVariables bool
	ShowStaticVariables    bool
	Deny                   types.DenyPrefixMatcher
}

// Assembler expands unwind.RawFrames into logical Frames.
type Assembler struct {
	loader   *loader.Loader
	resolver *types.Resolver
	platform platform.Platform
	opts     Options

	debugAddrSection *godwarf.DebugAddrSection
	evaluators       map[*loader.CompileUnit]*location.Evaluator
	staticEval       *location.Evaluator
	demangler        *demangle.Demangler
}

// New builds an Assembler over l and resolver, using p for register
// snapshotting and opts for the caller's display preferences. d may be nil,
// in which case function names are displayed exactly as DWARF/the symbol
// table spell them.
func New(l *loader.Loader, resolver *types.Resolver, p platform.Platform, opts Options, d *demangle.Demangler) *Assembler {
	return &Assembler{
		loader:           l,
		resolver:         resolver,
		platform:         p,
		opts:             opts,
		debugAddrSection: godwarf.ParseAddr(l.DebugAddrBytes),
		evaluators:       map[*loader.CompileUnit]*location.Evaluator{},
		demangler:        d,
	}
}

// demangleName applies the configured Demangler to name, if one is set.
func (a *Assembler) demangleName(name string) string {
	if a.demangler == nil {
		return name
	}
	return a.demangler.Name(name)
}

// Assemble expands raw, outermost-last, into the logical frame list (spec
// §4.7), appending filtered static variables to the outermost frame when
// opts.ShowStaticVariables is set (spec §6.3).
func (a *Assembler) Assemble(raw []unwind.RawFrame) ([]Frame, error) {
	if len(raw) == 0 {
		return nil, newError(ErrDwarfUnitNotFound, "no frames to assemble: the unwinder produced none")
	}

	var frames []Frame
	for i, rf := range raw {
		logical, err := a.assembleRaw(rf)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			// A PC past the innermost frame failed to resolve to any
			// subprogram (stripped symbols, a corrupted stack beyond
			// this point). The unwind itself already succeeded, so this
			// is the partial/recoverable plane, not a tracing-fatal one
			// (spec §7): keep what's already been recovered and surface
			// the failure as this one frame's data instead of aborting.
			logical = []Frame{{Function: fmt.Sprintf("??? (%s)", err), Kind: KindFunction}}
		}
		frames = append(frames, logical...)
	}

	if a.opts.ShowStaticVariables && len(frames) > 0 {
		statics, err := types.StaticVariables(a.loader.DwarfData(), a.resolver, a.opts.Deny, a.opts.ShowZeroSizedVariables)
		if err == nil {
			outer := &frames[len(frames)-1]
			for _, sv := range statics {
				outer.Variables = append(outer.Variables, a.staticVariable(sv))
			}
		}
	}

	return frames, nil
}

// assembleRaw expands one raw frame into its inlined-call chain (spec
// §4.7's "Inlined-frame expansion") plus its concrete subprogram frame.
func (a *Assembler) assembleRaw(rf unwind.RawFrame) ([]Frame, error) {
	fn := a.loader.FuncForPC(rf.PC)
	if fn == nil {
		return nil, newError(ErrDwarfUnitNotFound, "pc %#x is not covered by any subprogram", rf.PC)
	}
	tree, err := a.loader.SubprogramTree(fn)
	if err != nil {
		return nil, newError(ErrDebugParse, "loading DIE tree for %s: %v", fn.Name, err)
	}

	files, err := a.lineFiles(fn.CU)
	if err != nil {
		return nil, err
	}

	dregs := a.registersFor(rf, tree)

	kind := KindFunction
	if rf.Kind == unwind.FrameKindException {
		kind = KindException
	}

	loc := a.lineLookup(fn.CU, rf.PC)

	var out []Frame
	if a.opts.ShowInlinedFunctions {
		for _, node := range inlineStack(tree, rf.PC) {
			out = append(out, Frame{
				Function:  a.demangleName(entryName(node)),
				Location:  loc,
				Kind:      KindInlineFunction,
				Variables: a.collectVariables(node, rf.PC, fn.CU, dregs),
			})
			loc = callSiteOf(node, files)
		}
	}

	out = append(out, Frame{
		Function:  a.demangleName(fn.Name),
		Location:  loc,
		Kind:      kind,
		Variables: a.collectVariables(tree, rf.PC, fn.CU, dregs),
	})

	return out, nil
}

// inlineStack returns the DW_TAG_inlined_subroutine nodes whose PC ranges
// contain pc, ordered innermost-first. Grounded on go-delve/delve's
// pkg/dwarf/reader.InlineStack/inlineStackInternal: recursion happens
// before the append, so the deepest inline lands first in the returned
// slice, matching the emission order spec §4.7/§5 require.
func inlineStack(root *godwarf.Tree, pc uint64) []*godwarf.Tree {
	var out []*godwarf.Tree
	for _, child := range root.Children {
		out = inlineStackWalk(out, child, pc)
	}
	return out
}

func inlineStackWalk(stack []*godwarf.Tree, n *godwarf.Tree, pc uint64) []*godwarf.Tree {
	switch n.Tag {
	case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine, dwarf.TagLexDwarfBlock:
		if pc == 0 || n.ContainsPC(pc) {
			for _, child := range n.Children {
				stack = inlineStackWalk(stack, child, pc)
			}
			if n.Tag == dwarf.TagInlinedSubroutine {
				stack = append(stack, n)
			}
		}
	}
	return stack
}

func entryName(n *godwarf.Tree) string {
	if name, ok := n.Val(dwarf.AttrName).(string); ok && name != "" {
		return name
	}
	return "??"
}

// callSiteOf reads DW_AT_call_file/call_line/call_column off an
// inlined-subroutine DIE — the location spec §4.7 says to attach to the
// logical frame one level further out (the invariant in spec §8: "the
// source file/line of an outer inline equals the call-site file/line
// recorded on its immediate inner inline's DIE").
func callSiteOf(n *godwarf.Tree, files []*dwarf.LineFile) SourceLocation {
	var loc SourceLocation
	if idx, ok := n.Val(dwarf.AttrCallFile).(int64); ok {
		loc.File = fileNameAt(files, idx)
	}
	if line, ok := n.Val(dwarf.AttrCallLine).(int64); ok {
		loc.Line = int(line)
	}
	if col, ok := n.Val(dwarf.AttrCallColumn).(int64); ok {
		loc.Column = int(col)
	}
	return loc
}

func fileNameAt(files []*dwarf.LineFile, idx int64) string {
	if idx < 0 || int(idx) >= len(files) || files[idx] == nil {
		return ""
	}
	return files[idx].Name
}

// lineFiles returns cu's line-program file table, scanning the whole
// program once since debug/dwarf only grows the table as it reads further
// (spec's own source resolution needs the full table up front to resolve
// a call-site file index regardless of where in the program it appears).
func (a *Assembler) lineFiles(cu *loader.CompileUnit) ([]*dwarf.LineFile, error) {
	rdr, err := a.loader.DwarfData().LineReader(cu.Entry)
	if err != nil {
		return nil, newError(ErrDebugParse, "opening line program for %s: %v", cu.Name, err)
	}
	if rdr == nil {
		return nil, nil
	}
	var entry dwarf.LineEntry
	for rdr.Next(&entry) == nil {
	}
	return rdr.Files(), nil
}

// lineLookup resolves pc's file/line/column via cu's DWARF line program
// (spec §4.7's "for the concrete subprogram, use the line program entry
// for PC").
func (a *Assembler) lineLookup(cu *loader.CompileUnit, pc uint64) SourceLocation {
	rdr, err := a.loader.DwarfData().LineReader(cu.Entry)
	if err != nil || rdr == nil {
		return SourceLocation{}
	}
	var entry dwarf.LineEntry
	if err := rdr.SeekPC(pc, &entry); err != nil {
		return SourceLocation{}
	}
	loc := SourceLocation{Line: entry.Line, Column: entry.Column}
	if entry.File != nil {
		loc.File = entry.File.Name
	}
	return loc
}

// registersFor builds the op.DwarfRegisters variable locations in rf are
// evaluated against: CFA from the already-unwound frame, and FrameBase
// resolved from the concrete subprogram's own DW_AT_frame_base — the one
// piece of per-frame evaluator state location.Evaluator.Evaluate leaves to
// its caller rather than computing itself (location.Evaluator.FrameBaseOf
// exists only as a documented extension point; nothing in pkg/location
// invokes it).
func (a *Assembler) registersFor(rf unwind.RawFrame, subprogram *godwarf.Tree) *op.DwarfRegisters {
	dregs := a.snapshotRegisters(rf)

	fbAttr, ok := location.FrameBaseAttr(subprogram)
	if !ok {
		return dregs
	}
	instr, ok := fbAttr.([]byte)
	if !ok {
		// A location-list frame base is not evaluated here. FrameBase then
		// stays zero, so DW_OP_fbreg variables in this frame resolve to a
		// Memory location at the bare offset, which normally lies outside
		// every captured region.
		return dregs
	}
	v, _, err := op.ExecuteStackProgram(*dregs, instr, a.loader.PtrSize)
	if err != nil {
		return dregs
	}
	dregs.FrameBase = v
	return dregs
}

const numCoreRegs = 16

func (a *Assembler) snapshotRegisters(rf unwind.RawFrame) *op.DwarfRegisters {
	regs := make([]*op.DwarfRegister, numCoreRegs)
	for i := range regs {
		if v, err := rf.Memory.Register(uint64(i)); err == nil {
			regs[i] = op.DwarfRegisterFromUint64(v)
		}
	}
	dregs := op.NewDwarfRegisters(0, regs, a.platform.ByteOrder(), a.platform.PCRegNum(), a.platform.SPRegNum(), a.platform.PCRegNum())
	dregs.CFA = int64(rf.CFA)
	dregs.Deref = func(addr uint64, sz int) ([]byte, error) {
		return rf.Memory.ReadBytes(addr, uint64(sz))
	}
	return dregs
}

// collectVariables gathers the formal parameters and local variables
// visible at pc within tree: tree's own direct children, plus any
// descendant lexical block whose range contains pc. DW_TAG_inlined_subroutine
// children are skipped — they belong to a different logical frame, walked
// separately by assembleRaw (spec §4.7's "Variable enumeration").
func (a *Assembler) collectVariables(tree *godwarf.Tree, pc uint64, cu *loader.CompileUnit, dregs *op.DwarfRegisters) []Variable {
	var out []Variable
	var walk func(n *godwarf.Tree)
	walk = func(n *godwarf.Tree) {
		for _, child := range n.Children {
			switch child.Tag {
			case dwarf.TagFormalParameter, dwarf.TagVariable:
				if v, ok := a.buildVariable(child, pc, cu, dregs); ok {
					out = append(out, v)
				}
			case dwarf.TagLexDwarfBlock:
				if child.ContainsPC(pc) {
					walk(child)
				}
			}
		}
	}
	walk(tree)
	return out
}

func (a *Assembler) buildVariable(n *godwarf.Tree, pc uint64, cu *loader.CompileUnit, dregs *op.DwarfRegisters) (Variable, bool) {
	name, _ := n.Val(dwarf.AttrName).(string)
	if name == "" {
		return Variable{}, false
	}

	typeOff, hasType := n.Val(dwarf.AttrType).(dwarf.Offset)
	t := a.resolver.ResolveTarget(typeOff, hasType)
	if !a.opts.ShowZeroSizedVariables && t.ByteSize() == 0 {
		return Variable{}, false
	}

	locAttr := n.Val(dwarf.AttrLocation)
	var loc location.VariableLocation
	switch {
	case locAttr == nil:
		loc = location.VariableLocation{Kind: location.KindUnavailable, Unavailable: location.ReasonOptimizedAway}
	default:
		loc = a.evaluatorFor(cu).Evaluate(locAttr, pc, cu.LowPC, 0, dregs)
	}

	return Variable{
		Name:      name,
		Parameter: n.Tag == dwarf.TagFormalParameter,
		Type:      t,
		Location:  loc,
	}, true
}

// evaluatorFor returns the location.Evaluator for cu, built once and
// cached: its Sections (loclist format, .debug_addr subsection) are fixed
// per compile unit (spec §4.5).
func (a *Assembler) evaluatorFor(cu *loader.CompileUnit) *location.Evaluator {
	if ev, ok := a.evaluators[cu]; ok {
		return ev
	}

	var addrBase int64
	if v, ok := cu.Entry.Val(dwarf.AttrAddrBase).(int64); ok {
		addrBase = v
	}
	var debugAddr *godwarf.DebugAddr
	if a.debugAddrSection != nil {
		debugAddr = a.debugAddrSection.GetSubsection(uint64(addrBase))
	}

	ev := location.NewEvaluator(location.Sections{
		DebugLoc:      a.loader.DebugLocBytes,
		DebugLocLists: a.loader.DebugLocListsBytes,
		DebugAddr:     debugAddr,
		PtrSize:       a.loader.PtrSize,
		Version:       cu.Version,
	}, nil, nil)
	a.evaluators[cu] = ev
	return ev
}

// staticVariable converts a types.StaticVariable into a display Variable.
// Static locations are always a bare DW_AT_location expression (never a
// location-list offset, per types.StaticVariable's HasLoc contract), so
// evaluation needs no pc, CFA, or frame base — only a .debug_addr
// subsection would matter, for a DW_OP_addrx-encoded address, and since a
// static variable's owning compile unit isn't threaded through
// types.StaticVariables' return value, that one indexed form is evaluated
// without a CU-specific addr_base. A static using DW_OP_addr (by far the
// common case) is unaffected.
func (a *Assembler) staticVariable(sv types.StaticVariable) Variable {
	t := a.resolver.ResolveTarget(sv.TypeOffset, sv.HasType)

	loc := location.VariableLocation{Kind: location.KindUnavailable, Unavailable: location.ReasonOptimizedAway}
	if sv.HasLoc {
		loc = a.staticEvaluator().Evaluate(sv.Location, 0, 0, 0, &op.DwarfRegisters{})
	}

	return Variable{Name: sv.Name, Static: true, Type: t, Location: loc}
}

func (a *Assembler) staticEvaluator() *location.Evaluator {
	if a.staticEval == nil {
		a.staticEval = location.NewEvaluator(location.Sections{PtrSize: a.loader.PtrSize}, nil, nil)
	}
	return a.staticEval
}
