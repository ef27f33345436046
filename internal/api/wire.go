package api

import (
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/rescale/chunkup/internal/cloud"
)

// Envelope codes with special meaning.
const (
	codeOK            = 200
	codeAlreadyMerged = 208
	codeQuotaExceeded = 507
)

// envelope wraps every response body: {code, message, data}.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type checkRequest struct {
	FileHash string `json:"fileHash"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

type checkResponse struct {
	Exists bool   `json:"exists"`
	FileID string `json:"fileId"`
}

type registerRequest struct {
	FileHash    string `json:"fileHash"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ParentID    string `json:"parentId"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
}

type registerResponse struct {
	TaskID         string `json:"taskId"`
	UploadedChunks []int  `json:"uploadedChunks"`
}

type mergeRequest struct {
	TaskID      string `json:"taskId"`
	FileHash    string `json:"fileHash"`
	FileName    string `json:"fileName"`
	ParentID    string `json:"parentId"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
}

type mergeResponse struct {
	FileID string `json:"fileId"`
}

type cancelRequest struct {
	TaskID   string `json:"taskId"`
	FileHash string `json:"fileHash"`
}

// StatusError is the cause carried by a *cloud.Error for a rejected request.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// statusError maps a rejected request onto the cloud error taxonomy.
func statusError(op string, code int, message string) error {
	cause := &StatusError{Code: code, Message: message}
	return cloud.NewError(kindForStatus(code), op, cause)
}

func kindForStatus(code int) cloud.Kind {
	switch {
	case code == nethttp.StatusUnauthorized, code == nethttp.StatusForbidden:
		return cloud.KindAuth
	case code == codeQuotaExceeded:
		return cloud.KindQuota
	case code == nethttp.StatusConflict, code == nethttp.StatusGone:
		return cloud.KindConflict
	case code == nethttp.StatusTooManyRequests, code == nethttp.StatusRequestTimeout, code >= 500:
		return cloud.KindTransient
	default:
		return cloud.KindFatal
	}
}

// IsStatus reports whether err was caused by a response with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
