package tools

import (
	"github.com/vox-deorum/strategos/pkg/fault"
)

// ErrorDetail is the uniform failure body tool calls produce at the RPC
// boundary. Kinds come from pkg/fault so tools, agents, and the bridge
// share a single classification.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// DescribeError maps a tool error onto the boundary shape. Unclassified
// errors report the internal kind.
func DescribeError(err error) ErrorDetail {
	return ErrorDetail{
		Code:      string(fault.KindOf(err)),
		Message:   err.Error(),
		Retryable: fault.Retryable(err),
	}
}
