package http

import (
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/devtrace/internal/faults"
	"github.com/fyrsmithlabs/devtrace/internal/phase"
)

// statusClientClosedRequest is reported when the caller went away first.
const statusClientClosedRequest = 499

var kindStatus = map[faults.Kind]int{
	faults.KindInvalidInput:          http.StatusBadRequest,
	faults.KindBusy:                  http.StatusTooManyRequests,
	faults.KindTimeout:               http.StatusGatewayTimeout,
	faults.KindCanceled:              statusClientClosedRequest,
	faults.KindProcessSpawn:          http.StatusBadGateway,
	faults.KindProcessExit:           http.StatusBadGateway,
	faults.KindOutputParse:           http.StatusBadGateway,
	faults.KindPortForward:           http.StatusServiceUnavailable,
	faults.KindServerBind:            http.StatusServiceUnavailable,
	faults.KindPathResolution:        http.StatusInternalServerError,
	faults.KindOrchestrationTeardown: http.StatusInternalServerError,
}

// errorResponse maps a phase failure to a status and body.
func errorResponse(err error) (int, ErrorResponse) {
	if errors.Is(err, phase.ErrPhaseNotFound) {
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Kind: KindNotFound}
	}

	kind := faults.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return status, ErrorResponse{
		Error:      err.Error(),
		Kind:       string(kind),
		Diagnostic: faults.DiagnosticOf(err),
	}
}
