package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"fluentbuilder/internal/core"
	"fluentbuilder/internal/source"
	"fluentbuilder/internal/verify"
)

// gitInfoDoc is the git_info block of a compile document.
type gitInfoDoc struct {
	Commit    string `json:"commit"`
	Branch    string `json:"branch"`
	RemoteURL string `json:"remote_url"`
	IsClean   bool   `json:"is_clean"`
}

type compileDoc struct {
	Status       string      `json:"status"`
	Command      string      `json:"command"`
	ContractName string      `json:"contract_name"`
	RwasmHash    string      `json:"rwasm_hash"`
	WasmSize     int         `json:"wasm_size"`
	RwasmSize    int         `json:"rwasm_size"`
	HasABI       bool        `json:"has_abi"`
	OutputDir    string      `json:"output_dir,omitempty"`
	PublishedTo  string      `json:"published_to,omitempty"`
	TraceHash    string      `json:"trace_hash,omitempty"`
	GitInfo      *gitInfoDoc `json:"git_info,omitempty"`
	SourceType   string      `json:"source_type"`
	FromCache    bool        `json:"from_cache"`
}

type verifyDoc struct {
	Status          string          `json:"status"`
	Command         string          `json:"command"`
	Verified        bool            `json:"verified"`
	ContractName    string          `json:"contract_name"`
	ExpectedHash    string          `json:"expected_hash"`
	ActualHash      string          `json:"actual_hash"`
	ABI             json.RawMessage `json:"abi,omitempty"`
	CompilerVersion string          `json:"compiler_version"`
	SDKVersion      string          `json:"sdk_version"`
}

type errorDoc struct {
	Status       string `json:"status"`
	ErrorType    string `json:"error_type"`
	Message      string `json:"message"`
	Stage        string `json:"stage,omitempty"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	ActualHash   string `json:"actual_hash,omitempty"`
	Diagnostics  string `json:"diagnostics,omitempty"`
}

func newGitInfoDoc(info *source.GitInfo) *gitInfoDoc {
	if info == nil {
		return nil
	}
	return &gitInfoDoc{
		Commit:    info.Commit,
		Branch:    info.Branch,
		RemoteURL: info.RemoteURL,
		IsClean:   info.IsClean(),
	}
}

func errorDocFor(err error) errorDoc {
	doc := errorDoc{Status: "error", ErrorType: errorType(err), Message: err.Error()}
	if stage, ok := core.StageOf(err); ok {
		doc.Stage = string(stage)
	}
	var se *core.StageError
	if errors.As(err, &se) {
		doc.Diagnostics = se.Diagnostics
	}
	return doc
}

func verifyErrorDoc(res *verify.Result) errorDoc {
	doc := errorDoc{
		Status:       "error",
		ErrorType:    string(res.Status),
		Message:      res.Detail,
		Stage:        string(res.Stage),
		ExpectedHash: hexHash(res.Expected),
		ActualHash:   hexHash(res.Actual),
	}
	var se *core.StageError
	if errors.As(res.Err, &se) {
		doc.Diagnostics = se.Diagnostics
	}
	return doc
}

// hexHash renders a stored hash the way users see it.
func hexHash(h string) string {
	if h == "" {
		return ""
	}
	return "0x" + h
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCompile(w io.Writer, d compileDoc) {
	fmt.Fprintf(w, "Compiled %s\n", d.ContractName)
	fmt.Fprintf(w, "  rwasm hash:  %s\n", d.RwasmHash)
	fmt.Fprintf(w, "  wasm size:   %d bytes\n", d.WasmSize)
	fmt.Fprintf(w, "  rwasm size:  %d bytes\n", d.RwasmSize)
	fmt.Fprintf(w, "  abi:         %t\n", d.HasABI)
	fmt.Fprintf(w, "  source:      %s\n", d.SourceType)
	if d.GitInfo != nil {
		fmt.Fprintf(w, "  commit:      %s (%s)\n", d.GitInfo.Commit, d.GitInfo.Branch)
	}
	if d.OutputDir != "" {
		fmt.Fprintf(w, "  output:      %s\n", d.OutputDir)
	}
	if d.PublishedTo != "" {
		fmt.Fprintf(w, "  published:   %s\n", d.PublishedTo)
	}
	if d.TraceHash != "" {
		fmt.Fprintf(w, "  trace hash:  %s\n", d.TraceHash)
	}
}

func printVerified(w io.Writer, d verifyDoc) {
	fmt.Fprintf(w, "Verified %s\n", d.ContractName)
	fmt.Fprintf(w, "  rwasm hash:  %s\n", d.ActualHash)
	fmt.Fprintf(w, "  compiler:    %s\n", d.CompilerVersion)
	fmt.Fprintf(w, "  sdk:         %s\n", d.SDKVersion)
}

func printVerifyFailure(w io.Writer, d errorDoc) {
	fmt.Fprintf(w, "Verification failed: %s\n", d.ErrorType)
	if d.Stage != "" {
		fmt.Fprintf(w, "  stage:     %s\n", d.Stage)
	}
	if d.ExpectedHash != "" {
		fmt.Fprintf(w, "  expected:  %s\n", d.ExpectedHash)
	}
	if d.ActualHash != "" {
		fmt.Fprintf(w, "  actual:    %s\n", d.ActualHash)
	}
	fmt.Fprintf(w, "  detail:    %s\n", d.Message)
	if d.Diagnostics != "" {
		fmt.Fprintln(w, d.Diagnostics)
	}
}

func printError(w io.Writer, d errorDoc) {
	fmt.Fprintf(w, "error: %s\n", d.Message)
	if d.Diagnostics != "" {
		fmt.Fprintln(w, d.Diagnostics)
	}
}
