// Package record persists verification outcomes as durable JSON documents.
package record

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"fluentbuilder/internal/core"
	"fluentbuilder/internal/source"
	"fluentbuilder/internal/verify"
)

// Record is the persisted outcome of one verification run.
//
// Schema constraints: id, contract, status and source are always present;
// the hashes are empty when the run never got far enough to compute them.
type Record struct {
	ID           string            `json:"id"`
	Contract     string            `json:"contract"`
	Status       verify.Status     `json:"status"`
	ExpectedHash string            `json:"expected_hash"`
	ActualHash   string            `json:"actual_hash"`
	Stage        core.Stage        `json:"stage,omitempty"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	Detail       string            `json:"detail"`
	History      []verify.State    `json:"history"`
	Source       source.Descriptor `json:"source"`
}

var (
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	hashPattern = regexp.MustCompile(`^([0-9a-f]{64})?$`)
)

// Validate checks the record before it is written or after it is read.
func (r Record) Validate() error {
	var errs []error
	if !idPattern.MatchString(r.ID) {
		errs = append(errs, fmt.Errorf("id %q is not a safe identifier", r.ID))
	}
	if strings.TrimSpace(r.Contract) == "" {
		errs = append(errs, errors.New("contract is required"))
	}
	switch r.Status {
	case verify.StatusMatch, verify.StatusMismatch, verify.StatusBuildFailed, verify.StatusSourceUnavailable, verify.StatusNetworkError:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if !hashPattern.MatchString(r.ExpectedHash) {
		errs = append(errs, fmt.Errorf("expected_hash %q is not a lowercase sha-256", r.ExpectedHash))
	}
	if !hashPattern.MatchString(r.ActualHash) {
		errs = append(errs, fmt.Errorf("actual_hash %q is not a lowercase sha-256", r.ActualHash))
	}
	if r.Status == verify.StatusMatch && (r.ActualHash == "" || r.ActualHash != r.ExpectedHash) {
		errs = append(errs, errors.New("a Match record needs equal expected and actual hashes"))
	}
	if r.History == nil {
		errs = append(errs, errors.New("history must be an array (not null)"))
	}
	if r.Source.Type == "" {
		errs = append(errs, errors.New("source is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// FromResult builds the record for a finished verification. contract names
// the project when the rebuild never produced a manifest.
func FromResult(res *verify.Result, contract string, src source.ContractSource) Record {
	r := Record{
		ID:           res.InvocationID,
		Contract:     contract,
		Status:       res.Status,
		ExpectedHash: res.Expected,
		ActualHash:   res.Actual,
		Stage:        res.Stage,
		Detail:       res.Detail,
		History:      append([]verify.State{}, res.History...),
	}
	if res.Build != nil && res.Build.Manifest != nil {
		r.Contract = res.Build.Manifest.Name
	}
	if res.Err != nil {
		r.ErrorKind = core.KindName(res.Err)
	}
	if src != nil {
		r.Source = src.Descriptor()
	}
	return r
}
