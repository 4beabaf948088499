//nolint:lll
package api

import (
	"fmt"
	"net/http"
)

// The custom Error type satisfies the error interface.
// Error() returns a human-readable description of the error.
//
// Error codes in the 40001-49999 range are the user's fault,
// and they return HTTP Status 400, 404 or 409, whatever is most appropriate.
//
// Error codes 50001-59999 are the server's fault
// and they return HTTP Status 500 or 503, or something else if appropriate.
//
// NEVER change any of the current error codes, only append new errors after the current last 4XXX or 5XXX.
// There's no correlation between Code and HTTP Status.
var (
	ErrResourceNotFound     = Error{Code: 40001, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("resource not found")}
	ErrMalformedBody        = Error{Code: 40002, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed JSON body")}
	ErrMalformedParam       = Error{Code: 40003, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed parameter")}
	ErrUnauthorized         = Error{Code: 40004, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("unauthorized")}
	ErrDealNotFound         = Error{Code: 40005, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("deal not found")}
	ErrInvalidDealRequest   = Error{Code: 40006, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid deal request")}
	ErrDetailsLocked        = Error{Code: 40007, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("party details are locked")}
	ErrDealNotCancellable   = Error{Code: 40008, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("deal can no longer be cancelled")}
	ErrConflictingOperation = Error{Code: 40009, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("conflicting outbound operation")}
	ErrChainNotSupported    = Error{Code: 40010, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("chain not supported")}
	ErrDealStageMismatch    = Error{Code: 40011, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("deal stage does not permit the operation")}

	ErrMarshalingServerJSONFailed = Error{Code: 50001, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("marshaling (server-side) JSON failed")}
	ErrGenericInternalServerError = Error{Code: 50002, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error")}
	ErrAccountHalted              = Error{Code: 50003, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("sending account is halted")}
)
