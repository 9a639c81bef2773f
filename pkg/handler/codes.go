package handler

import "strings"

// Canonical gRPC status codes. Every protocol adapter maps through these
// numeric values rather than deriving its own table, so the mapping stays a
// bijection across gRPC, Connect, and gRPC-Web.
const (
	CodeOK                 = 0
	CodeCancelled          = 1
	CodeUnknown            = 2
	CodeInvalidArgument    = 3
	CodeDeadlineExceeded   = 4
	CodeNotFound           = 5
	CodeAlreadyExists      = 6
	CodePermissionDenied   = 7
	CodeResourceExhausted  = 8
	CodeFailedPrecondition = 9
	CodeAborted            = 10
	CodeOutOfRange         = 11
	CodeUnimplemented      = 12
	CodeInternal           = 13
	CodeUnavailable        = 14
	CodeDataLoss           = 15
	CodeUnauthenticated    = 16
)

// codeNames is the canonical numeric-code -> uppercase-name table.
var codeNames = map[int]string{
	CodeOK:                 "OK",
	CodeCancelled:          "CANCELLED",
	CodeUnknown:            "UNKNOWN",
	CodeInvalidArgument:    "INVALID_ARGUMENT",
	CodeDeadlineExceeded:   "DEADLINE_EXCEEDED",
	CodeNotFound:           "NOT_FOUND",
	CodeAlreadyExists:      "ALREADY_EXISTS",
	CodePermissionDenied:   "PERMISSION_DENIED",
	CodeResourceExhausted:  "RESOURCE_EXHAUSTED",
	CodeFailedPrecondition: "FAILED_PRECONDITION",
	CodeAborted:            "ABORTED",
	CodeOutOfRange:         "OUT_OF_RANGE",
	CodeUnimplemented:      "UNIMPLEMENTED",
	CodeInternal:           "INTERNAL",
	CodeUnavailable:        "UNAVAILABLE",
	CodeDataLoss:           "DATA_LOSS",
	CodeUnauthenticated:    "UNAUTHENTICATED",
}

var codeValues = func() map[string]int {
	m := make(map[string]int, len(codeNames))
	for code, name := range codeNames {
		m[name] = code
	}
	return m
}()

// CodeName returns the canonical uppercase name for a numeric status code,
// or "UNKNOWN" for any value outside the 17 defined codes.
func CodeName(code int) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return "UNKNOWN"
}

// CodeFromName looks up the numeric code for a canonical name, case
// insensitively.
func CodeFromName(name string) (int, bool) {
	code, ok := codeValues[strings.ToUpper(name)]
	return code, ok
}

// httpStatusByCode maps each canonical code to the HTTP status Connect and
// gRPC-Web use to surface it, following connectrpc.com/connect's
// code-to-HTTP-status convention.
var httpStatusByCode = map[int]int{
	CodeOK:                 200,
	CodeCancelled:          499,
	CodeUnknown:            500,
	CodeInvalidArgument:    400,
	CodeDeadlineExceeded:   504,
	CodeNotFound:           404,
	CodeAlreadyExists:      409,
	CodePermissionDenied:   403,
	CodeResourceExhausted:  429,
	CodeFailedPrecondition: 400,
	CodeAborted:            409,
	CodeOutOfRange:         400,
	CodeUnimplemented:      501,
	CodeInternal:           500,
	CodeUnavailable:        503,
	CodeDataLoss:           500,
	CodeUnauthenticated:    401,
}

// HTTPStatus returns the HTTP status code a Connect/gRPC-Web response should
// carry for a given canonical gRPC code.
func HTTPStatus(code int) int {
	if status, ok := httpStatusByCode[code]; ok {
		return status
	}
	return 500
}
