package builtin

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/rules"
	"github.com/JakeFAU/crash-processor/internal/signature"
	"github.com/JakeFAU/crash-processor/internal/symbolicator"
)

// WarningNoDump is recorded when a crash has no minidump to walk.
const WarningNoDump = "no minidump attached"

func symbolicateRule(sym Symbolicator) rules.Rule {
	return rules.Rule{
		Name: RuleSymbolicate,
		Writes: []string{
			crash.FieldJSONDump,
			crash.FieldCrashingThread,
			crash.FieldModulesMissingSymbols,
			crash.FieldStackwalkWarnings,
		},
		Critical: true,
		Apply: func(ctx context.Context, in rules.Input, out crash.Fields) error {
			dump, ok := in.Raw.PrimaryDump()
			if !ok {
				writeStackWalk(out, &crash.StackWalkResult{Warnings: []string{WarningNoDump}})
				return nil
			}
			if in.Dumps == nil {
				return fmt.Errorf("no dump source for %s", dump.Name)
			}
			rc, err := in.Dumps.OpenDump(ctx, in.Raw.ID, dump.Name)
			if err != nil {
				return err
			}
			defer rc.Close()

			walk, err := sym.Run(ctx, symbolicator.Request{CrashID: in.Raw.ID, Dump: rc})
			if err != nil {
				return err
			}
			writeStackWalk(out, walk)
			return nil
		},
	}
}

func writeStackWalk(out crash.Fields, walk *crash.StackWalkResult) {
	out[crash.FieldJSONDump] = walk

	var thread *int
	if walk.CrashingThread != nil {
		n := *walk.CrashingThread
		thread = &n
	}
	out[crash.FieldCrashingThread] = thread

	missing := make([]string, 0, len(walk.MissingSymbols))
	for _, ref := range walk.MissingSymbols {
		missing = append(missing, ref.Key())
	}
	out[crash.FieldModulesMissingSymbols] = missing
	out[crash.FieldStackwalkWarnings] = append([]string{}, walk.Warnings...)
}

func crashInfoRule() rules.Rule {
	return rules.Rule{
		Name:  RuleCrashInfo,
		Reads: []string{crash.FieldJSONDump},
		Writes: []string{
			crash.FieldReason,
			crash.FieldAddress,
			crash.FieldOSName,
			crash.FieldOSVersion,
			crash.FieldCPUArch,
		},
		Apply: func(_ context.Context, in rules.Input, out crash.Fields) error {
			walk, ok := in.Fields.StackWalk()
			if !ok {
				return fmt.Errorf("%s is not a stack walk", crash.FieldJSONDump)
			}
			for field, v := range map[string]string{
				crash.FieldReason:    walk.CrashInfo.Type,
				crash.FieldAddress:   walk.CrashInfo.Address,
				crash.FieldOSName:    walk.SystemInfo.OS,
				crash.FieldOSVersion: walk.SystemInfo.OSVer,
				crash.FieldCPUArch:   walk.SystemInfo.CPUArch,
			} {
				if v != "" {
					out[field] = v
				}
			}
			return nil
		},
	}
}

func signatureRule(gen *signature.Generator) rules.Rule {
	return rules.Rule{
		Name:   RuleSignature,
		Reads:  []string{crash.FieldJSONDump, crash.FieldCrashingThread},
		Writes: []string{crash.FieldSignature, crash.FieldProtoSignature},
		Apply: func(_ context.Context, in rules.Input, out crash.Fields) error {
			walk, ok := in.Fields.StackWalk()
			if !ok {
				return fmt.Errorf("%s is not a stack walk", crash.FieldJSONDump)
			}
			sig, proto := gen.Generate(walk)
			out[crash.FieldSignature] = sig
			if proto != "" {
				out[crash.FieldProtoSignature] = proto
			}
			return nil
		},
	}
}
