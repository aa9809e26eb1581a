package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tweedegolf/stackdump/pkg/config"
	"github.com/tweedegolf/stackdump/pkg/demangle"
	"github.com/tweedegolf/stackdump/pkg/frameassembler"
	"github.com/tweedegolf/stackdump/pkg/loader"
	"github.com/tweedegolf/stackdump/pkg/logflags"
	"github.com/tweedegolf/stackdump/pkg/platform"
	"github.com/tweedegolf/stackdump/pkg/platform/cortexm"
	"github.com/tweedegolf/stackdump/pkg/render"
	"github.com/tweedegolf/stackdump/pkg/types"
	"github.com/tweedegolf/stackdump/pkg/unwind"
)

type traceFlags struct {
	theme          string
	wrap           int
	showZeroSized  bool
	showStatics    bool
	showArtificial bool
	showInlined    bool
	maxFrames      int
	maxRenderDepth int
	maxStringBytes int64
	configPath     string
}

func newTraceCommand() *cobra.Command {
	var f traceFlags

	cmd := &cobra.Command{
		Use:   "trace <platform> <elf> <dump-files...>",
		Short: "Reconstruct and render the call stack captured in one or more memory snapshots",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(f, cmd.Flags().Changed("show-inlined"), args[0], args[1], args[2:])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.theme, "theme", "", `color theme: "dark", "light", or "none" (default: dark, auto-disabled on non-terminal output)`)
	flags.IntVar(&f.wrap, "wrap", 0, "wrap rendered values at this many columns (0 disables wrapping)")
	flags.BoolVar(&f.showZeroSized, "show-zero-sized", false, "show zero-sized variables")
	flags.BoolVar(&f.showStatics, "show-statics", false, "show module-level static variables on the outermost frame")
	flags.BoolVar(&f.showArtificial, "show-artificial", false, "show compiler-synthesized struct members (e.g. vtable pointers)")
	flags.BoolVar(&f.showInlined, "show-inlined", true, "expand inlined function calls into their own frames")
	flags.IntVar(&f.maxFrames, "max-frames", 0, "maximum number of raw frames to unwind (0 selects the unwinder's default)")
	flags.IntVar(&f.maxRenderDepth, "max-render-depth", 0, "maximum nesting depth when rendering a variable (0 selects render's default)")
	flags.Int64Var(&f.maxStringBytes, "max-string-bytes", 0, "maximum number of bytes read for a string/byte-slice value (0 selects render's default)")
	flags.StringVar(&f.configPath, "config", "", "path to a .stackdump.yml options file (default: ./.stackdump.yml if present)")

	return cmd
}

func runTrace(f traceFlags, showInlinedChanged bool, platformName, elfPath string, dumpPaths []string) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	logflags.Setup(os.Getenv("STACKDUMP_LOG"))

	l, err := loader.Load(elfPath)
	if err != nil {
		return fmt.Errorf("loading ELF %s: %w", elfPath, err)
	}
	defer l.Close()

	var plat platform.Platform
	switch platformName {
	case "cortex-m":
		plat = cortexm.New(l)
	default:
		return fmt.Errorf("unsupported platform %q (supported: cortex-m)", platformName)
	}

	mem, err := loadDumps(dumpPaths)
	if err != nil {
		return err
	}

	resolver, err := types.NewResolver(l.DwarfData(), 0)
	if err != nil {
		return fmt.Errorf("building type resolver: %w", err)
	}

	demangler, err := demangle.New(0)
	if err != nil {
		return fmt.Errorf("building demangler: %w", err)
	}

	maxFrames := firstPositive(f.maxFrames, cfg.MaxFrames, 256)
	uw := unwind.New(l, plat, maxFrames)
	raw, err := uw.Unwind(mem)
	if err != nil {
		return tracingFailure{fmt.Errorf("unwinding stack: %w", err)}
	}

	showInlined := f.showInlined
	if !showInlinedChanged {
		showInlined = cfg.ShowInline()
	}
	deny := buildDenyList(cfg, f.showStatics)

	asmOpts := frameassembler.Options{
		ShowInlinedFunctions:   showInlined,
		ShowZeroSizedVariables: f.showZeroSized || cfg.ShowZeroSizedVariables,
		ShowStaticVariables:    f.showStatics || cfg.ShowStaticVariables,
		Deny:                   deny,
	}
	assembler := frameassembler.New(l, resolver, plat, asmOpts, demangler)

	frames, err := assembler.Assemble(raw)
	if err != nil {
		return tracingFailure{fmt.Errorf("assembling frames: %w", err)}
	}
	if len(frames) == 0 {
		return tracingFailure{fmt.Errorf("no frames were recovered")}
	}

	renderOpts := render.DefaultOptions()
	renderOpts.ShowArtificialMembers = f.showArtificial || cfg.ShowArtificialVariables
	if d := firstPositive(f.maxRenderDepth, cfg.MaxRenderDepth, 0); d > 0 {
		renderOpts.MaxRenderDepth = d
	}
	if b := firstPositive64(f.maxStringBytes, cfg.MaxStringBytes, 0); b > 0 {
		renderOpts.MaxStringBytes = b
	}
	renderer := render.NewRenderer(resolver, mem, renderOpts)

	themeName := f.theme
	if themeName == "" {
		themeName = cfg.Theme
	}
	theme := render.AutoTheme(os.Stdout, render.ParseTheme(themeName))

	wrap := f.wrap
	if wrap <= 0 {
		wrap = cfg.Wrap
	}

	printFrames(frames, renderer, theme, wrap)
	return nil
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositive64(vals ...int64) int64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func buildDenyList(cfg *config.File, showStatics bool) *config.DenyList {
	if !showStatics && !cfg.ShowStaticVariables {
		return nil
	}
	return config.NewDenyList(cfg.EffectiveDenyPrefixes())
}

func printFrames(frames []frameassembler.Frame, renderer *render.Renderer, theme render.Theme, wrap int) {
	for i, fr := range frames {
		header := fmt.Sprintf("%2d: %s", i, fr.Function)
		if loc := fr.Location.String(); loc != "" {
			header += " at " + loc
		}
		if fr.Kind != frameassembler.KindFunction {
			header += fmt.Sprintf(" [%s]", fr.Kind)
		}
		fmt.Println(header)

		for _, v := range fr.Variables {
			label := v.Name
			if v.Parameter {
				label = "arg " + label
			}
			if v.Static {
				label = "static " + label
			}
			rendered := render.Flatten(renderer.Render(v.Type, v.Location, 0), theme)
			line := fmt.Sprintf("      %s: %s", label, rendered)
			fmt.Println(wrapLine(line, wrap))
		}
	}
}

var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*m")

// wrapLine inserts a newline (followed by a fixed eight-space indent)
// whenever line's visible length — ANSI color escapes don't count toward
// column width — would exceed wrap columns. wrap <= 0 disables wrapping.
func wrapLine(line string, wrap int) string {
	if wrap <= 0 {
		return line
	}

	var out strings.Builder
	visible := 0
	const indent = "        "
	words := strings.SplitAfter(line, " ")
	for _, w := range words {
		wv := len(ansiEscape.ReplaceAllString(w, ""))
		if visible > 0 && visible+wv > wrap {
			out.WriteString("\n" + indent)
			visible = len(indent)
		}
		out.WriteString(w)
		visible += wv
	}
	return out.String()
}
