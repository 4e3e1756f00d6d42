package verify

import (
	"fluentbuilder/internal/artifacts"
	"fluentbuilder/internal/build"
	"fluentbuilder/internal/core"
	"fluentbuilder/internal/source"
)

// FromMetadata rebuilds the source and build options a metadata document
// was produced from. Archive paths resolve against baseDir, the directory
// holding metadata.json.
func FromMetadata(md *artifacts.Metadata, baseDir string) (source.ContractSource, build.Options, error) {
	if md == nil {
		return nil, build.Options{}, core.Failf(core.StageConfig, core.ErrConfigInvalid, "no metadata")
	}
	src, err := source.FromDescriptor(md.Source, baseDir)
	if err != nil {
		return nil, build.Options{}, err
	}
	cfg := md.CompilationSettings.BuildCfg
	opts := build.Options{
		Target:          md.CompilationSettings.Rust.Target,
		Profile:         cfg.Profile,
		Features:        cfg.Features,
		DefaultFeatures: !cfg.NoDefaultFeatures,
		Locked:          cfg.Locked,
		ExtraArgs:       cfg.ExtraArgs,
		Entrypoint:      md.CompilationSettings.Rwasm.Entrypoint,
		StackLayout:     md.CompilationSettings.Rwasm.StackLayout,
	}
	return src, opts, nil
}

// ConverterFromMetadata is the converter identity a rebuild of md must use.
// Metadata written before converters were recorded yields "".
func ConverterFromMetadata(md *artifacts.Metadata) string {
	return md.CompilationSettings.Rwasm.Converter
}

// ReferenceFromMetadata uses the recorded rwasm hash as the reference.
func ReferenceFromMetadata(md *artifacts.Metadata) Reference {
	return Reference{Hash: md.Bytecode.Rwasm.Hash}
}
