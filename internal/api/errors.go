package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/pipeline"
)

type errorBody struct {
	RequestID string      `json:"request_id"`
	Error     errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func newRequestID() string { return "req_" + uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{
		RequestID: newRequestID(),
		Error:     detailOf(err),
	})
}

func detailOf(err error) errorDetail {
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	return errorDetail{
		Code:    string(xerrors.CodeOf(err)),
		Message: message,
		Details: xerrors.MetadataOf(err),
	}
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, xerrors.Validation(xerrors.ReasonMalformedInput, message))
}

func unavailable(w http.ResponseWriter, component string) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{
		RequestID: newRequestID(),
		Error: errorDetail{
			Code:    string(xerrors.CodeInitializationFailure),
			Message: component + " 未启用",
		},
	})
}

// statusOf 将错误码映射为 HTTP 状态码。格式错误为 400，语义拒绝为 422。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidation:
		if xerrors.MetadataOf(err)["reason"] == xerrors.ReasonMalformedInput {
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	case xerrors.CodeInvalidArgument, pipeline.CodeJobValidation, xerrors.CodeAggregation:
		return http.StatusBadRequest
	case xerrors.CodeConstraintViolation:
		return http.StatusUnprocessableEntity
	case xerrors.CodeNotFound, pipeline.CodeJobNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, pipeline.CodeJobConflict:
		return http.StatusConflict
	case xerrors.CodeExpired:
		return http.StatusGone
	case xerrors.CodeExternalService, xerrors.CodeBackendUnavailable, xerrors.CodeQueueFailure, pipeline.CodeJobPublish:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
