package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/appsworld/ld64/link"
)

// linkFlags holds the raw flag values bound by newLinkCmd, translated into
// a link.Options by toOptions.
type linkFlags struct {
	arch   string
	os     string
	abi    string
	dylib  bool
	output string

	forceLoad []string

	libs         []string
	weakLibs     []string
	optionalLibs []string
	libDirs      []string

	frameworks    []string
	frameworkDirs []string

	syslibroot        string
	dylibsFirstSearch bool

	rpaths []string

	entry string

	stackSize               uint64
	pagezeroSize            uint64
	headerpad               uint64
	headerpadMaxInstallName bool

	deadStrip bool
	strip     bool

	undefined      string
	flatNamespace  bool

	installName          string
	currentVersion       string
	compatibilityVersion string

	entitlements string

	platformVersion string
	sdkVersion      string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ld64",
		Short: "A Mach-O link engine for x86-64 and arm64 objects, archives, and dylibs",
	}
	root.AddCommand(newLinkCmd())
	return root
}

func newLinkCmd() *cobra.Command {
	f := &linkFlags{}

	cmd := &cobra.Command{
		Use:           "link [flags] input...",
		Short:         "Link objects, archives, and dylibs into a Mach-O executable or dylib",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.toOptions(args)
			if err != nil {
				cmd.SilenceUsage = false
				return err
			}
			diags, err := link.Link(cmd.Context(), opts)
			for _, d := range diags {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %s\n", d.Name, d.Msg)
			}
			return err
		},
	}
	cmd.SetContext(context.Background())

	flags := cmd.Flags()
	flags.StringVar(&f.arch, "arch", "x86_64", "target CPU architecture (x86_64, arm64)")
	flags.StringVar(&f.os, "os", "darwin", "target OS tag")
	flags.StringVar(&f.abi, "abi", "", "target ABI tag")
	flags.BoolVar(&f.dylib, "dylib", false, "produce a dynamic library instead of an executable")
	flags.StringVarP(&f.output, "output", "o", "a.out", "output path")

	flags.StringArrayVar(&f.forceLoad, "force-load", nil, "force every member of the named archive input to load (repeatable)")

	flags.StringArrayVarP(&f.libs, "lib", "l", nil, "link against libNAME (repeatable)")
	flags.StringArrayVar(&f.weakLibs, "weak-lib", nil, "weak-link against libNAME (repeatable)")
	flags.StringArrayVar(&f.optionalLibs, "optional-lib", nil, "link against libNAME if found, else warn and continue (repeatable)")
	flags.StringArrayVarP(&f.libDirs, "libdir", "L", nil, "add DIR to the library search path (repeatable)")

	flags.StringArrayVar(&f.frameworks, "framework", nil, "link against NAME.framework (repeatable)")
	flags.StringArrayVarP(&f.frameworkDirs, "frameworkdir", "F", nil, "add DIR to the framework search path (repeatable)")

	flags.StringVar(&f.syslibroot, "syslibroot", "", "prefix applied to absolute search directories")
	flags.BoolVar(&f.dylibsFirstSearch, "search-dylibs-first", false, "prefer a dylib/tbd over a static archive regardless of search-path rank")

	flags.StringArrayVar(&f.rpaths, "rpath", nil, "emit an LC_RPATH for DIR (repeatable)")

	flags.StringVar(&f.entry, "entry", "_main", "entry point symbol name")

	flags.Uint64Var(&f.stackSize, "stack-size", 0, "main thread stack size in bytes (0: system default)")
	flags.Uint64Var(&f.pagezeroSize, "pagezero-size", 0, "__PAGEZERO size in bytes (0: architecture default)")
	flags.Uint64Var(&f.headerpad, "headerpad", 0, "extra bytes reserved after the load commands")
	flags.BoolVar(&f.headerpadMaxInstallName, "headerpad-max-install-names", false, "reserve headerpad for the longest install name rewrite")

	flags.BoolVar(&f.deadStrip, "dead-strip", false, "remove unreferenced atoms from the output")
	flags.BoolVar(&f.strip, "strip", false, "omit the local-symbol stabs from the output")

	flags.StringVar(&f.undefined, "undefined", "error", "undefined symbol policy (error, warn, suppress, dynamic_lookup)")
	flags.BoolVar(&f.flatNamespace, "flat-namespace", false, "bind every import through the flat-lookup ordinal instead of two-level")

	flags.StringVar(&f.installName, "install-name", "", "dylib install name (dylib output only)")
	flags.StringVar(&f.currentVersion, "current-version", "1.0.0", "dylib current version (X.Y.Z)")
	flags.StringVar(&f.compatibilityVersion, "compatibility-version", "1.0.0", "dylib compatibility version (X.Y.Z)")

	flags.StringVar(&f.entitlements, "entitlements", "", "path to an entitlements plist to embed in the code signature")

	flags.StringVar(&f.platformVersion, "platform-version", "11.0.0", "LC_BUILD_VERSION platform version (X.Y.Z)")
	flags.StringVar(&f.sdkVersion, "sdk-version", "11.0.0", "LC_BUILD_VERSION SDK version (X.Y.Z)")

	return cmd
}

func (f *linkFlags) toOptions(args []string) (link.Options, error) {
	var arch link.Arch
	switch f.arch {
	case "x86_64", "amd64":
		arch = link.ArchX86_64
	case "arm64", "aarch64":
		arch = link.ArchARM64
	default:
		return link.Options{}, fmt.Errorf("unknown --arch %q (want x86_64 or arm64)", f.arch)
	}

	forced := make(map[string]bool, len(f.forceLoad))
	for _, p := range f.forceLoad {
		forced[p] = true
	}
	positionals := make([]link.Positional, 0, len(args))
	for _, p := range args {
		positionals = append(positionals, link.Positional{Path: p, MustLink: forced[p]})
	}

	libs := make(map[string]link.LibSpec, len(f.libs)+len(f.weakLibs)+len(f.optionalLibs))
	for _, name := range f.libs {
		libs[name] = link.LibSpec{Name: name, Needed: true}
	}
	for _, name := range f.weakLibs {
		libs[name] = link.LibSpec{Name: name, Needed: true, Weak: true}
	}
	for _, name := range f.optionalLibs {
		libs[name] = link.LibSpec{Name: name, Needed: false}
	}

	undefined, err := parseUndefinedTreatment(f.undefined)
	if err != nil {
		return link.Options{}, err
	}

	currentVersion, err := parseVersion(f.currentVersion)
	if err != nil {
		return link.Options{}, fmt.Errorf("--current-version: %w", err)
	}
	compatVersion, err := parseVersion(f.compatibilityVersion)
	if err != nil {
		return link.Options{}, fmt.Errorf("--compatibility-version: %w", err)
	}

	outputMode := link.OutputExecutable
	if f.dylib {
		outputMode = link.OutputDylib
	}

	searchStrategy := link.SearchPathsFirst
	if f.dylibsFirstSearch {
		searchStrategy = link.SearchDylibsFirst
	}

	namespace := link.NamespaceTwoLevel
	if f.flatNamespace {
		namespace = link.NamespaceFlat
	}

	return link.Options{
		Target: link.Target{CPU: arch, OS: f.os, ABI: f.abi},

		OutputMode: outputMode,
		OutputPath: f.output,

		Positionals: positionals,

		Libs:    libs,
		LibDirs: f.libDirs,

		Frameworks:    f.frameworks,
		FrameworkDirs: f.frameworkDirs,

		Syslibroot:     f.syslibroot,
		SearchStrategy: searchStrategy,

		RpathList: f.rpaths,

		Entry: f.entry,

		StackSize:                f.stackSize,
		PagezeroSize:             f.pagezeroSize,
		Headerpad:                f.headerpad,
		HeaderpadMaxInstallNames: f.headerpadMaxInstallName,

		DeadStrip: f.deadStrip,
		Strip:     f.strip,

		UndefinedTreatment: undefined,
		Namespace:          namespace,

		InstallName:          f.installName,
		CurrentVersion:       currentVersion,
		CompatibilityVersion: compatVersion,

		Entitlements: f.entitlements,

		PlatformVersion: f.platformVersion,
		SDKVersion:      f.sdkVersion,
	}, nil
}

func parseUndefinedTreatment(s string) (link.UndefinedTreatment, error) {
	switch s {
	case "error":
		return link.UndefinedError, nil
	case "warn":
		return link.UndefinedWarn, nil
	case "suppress":
		return link.UndefinedSuppress, nil
	case "dynamic_lookup":
		return link.UndefinedDynamicLookup, nil
	default:
		return 0, fmt.Errorf("unknown --undefined %q (want error, warn, suppress, or dynamic_lookup)", s)
	}
}

// parseVersion packs an "X", "X.Y", or "X.Y.Z" dotted version into the
// same (major<<16)|(minor<<8)|patch layout the Mach-O Version type uses.
func parseVersion(s string) (uint32, error) {
	parts := strings.SplitN(s, ".", 3)
	var v [3]uint64
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid version %q: %w", s, err)
		}
		v[i] = n
	}
	return uint32(v[0]<<16 | v[1]<<8 | v[2]), nil
}
