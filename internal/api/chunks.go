package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"

	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/models"
)

const (
	pathCheck    = "/file/chunk/check"
	pathRegister = "/file/chunk/register"
	pathUpload   = "/file/chunk/upload"
	pathMerge    = "/file/chunk/merge"
	pathCancel   = "/file/chunk/cancel"
)

// CheckInstant implements cloud.StorageService.
func (c *Client) CheckInstant(ctx context.Context, req cloud.CheckRequest) (*cloud.CheckResult, error) {
	var out checkResponse
	_, err := c.postJSON(ctx, "check", pathCheck, checkRequest{
		FileHash: req.Fingerprint,
		FileName: req.FileName,
		FileSize: req.FileSize,
	}, &out)
	if err != nil {
		return nil, err
	}
	if !out.Exists {
		return &cloud.CheckResult{}, nil
	}
	return &cloud.CheckResult{
		Exists:  true,
		FileRef: &models.FileRef{ID: out.FileID, Name: req.FileName, Size: req.FileSize},
	}, nil
}

// RegisterOrResume implements cloud.StorageService.
func (c *Client) RegisterOrResume(ctx context.Context, req cloud.RegisterRequest) (*cloud.RegisterResult, error) {
	var out registerResponse
	_, err := c.postJSON(ctx, "register", pathRegister, registerRequest{
		FileHash:    req.Fingerprint,
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		ParentID:    req.ParentFolderID,
		ChunkSize:   req.ChunkSize,
		TotalChunks: req.TotalChunks,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.TaskID == "" {
		return nil, cloud.NewError(cloud.KindFatal, "register", fmt.Errorf("response carries no task id"))
	}
	return &cloud.RegisterResult{TaskID: out.TaskID, UploadedChunks: out.UploadedChunks}, nil
}

// UploadChunk implements cloud.StorageService. The chunk is sent as the
// multipart file part "chunk"; the body is buffered so transport retries can
// replay it.
func (c *Client) UploadChunk(ctx context.Context, req cloud.ChunkRequest) error {
	var buf bytes.Buffer
	buf.Grow(int(req.Length) + 1024)
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"taskId", req.TaskID},
		{"fileHash", req.Fingerprint},
		{"chunkIndex", strconv.Itoa(req.Index)},
	}
	if req.Digest != "" {
		fields = append(fields, [2]string{"chunkHash", req.Digest})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return cloud.NewError(cloud.KindFatal, "upload-chunk", err)
		}
	}

	part, err := mw.CreateFormFile("chunk", fmt.Sprintf("%s.%d", req.Fingerprint, req.Index))
	if err != nil {
		return cloud.NewError(cloud.KindFatal, "upload-chunk", err)
	}
	n, err := io.Copy(part, req.Body)
	if err != nil {
		return cloud.AsError("upload-chunk", err)
	}
	if n != req.Length {
		return cloud.NewError(cloud.KindSourceRead, "upload-chunk",
			fmt.Errorf("chunk %d: read %d bytes, want %d", req.Index, n, req.Length))
	}
	if err := mw.Close(); err != nil {
		return cloud.NewError(cloud.KindFatal, "upload-chunk", err)
	}

	return c.postMultipart(ctx, "upload-chunk", pathUpload, &buf, mw.FormDataContentType())
}

// Merge implements cloud.StorageService. An "already merged" answer that
// names the file counts as success.
func (c *Client) Merge(ctx context.Context, req cloud.MergeRequest) (*models.FileRef, error) {
	var out mergeResponse
	code, err := c.postJSON(ctx, "merge", pathMerge, mergeRequest{
		TaskID:      req.TaskID,
		FileHash:    req.Fingerprint,
		FileName:    req.FileName,
		ParentID:    req.ParentFolderID,
		FileSize:    req.FileSize,
		TotalChunks: req.TotalChunks,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.FileID == "" {
		if code == codeAlreadyMerged {
			return nil, cloud.NewError(cloud.KindConflict, "merge", fmt.Errorf("task %s merged without a file id", req.TaskID))
		}
		return nil, cloud.NewError(cloud.KindFatal, "merge", fmt.Errorf("response carries no file id"))
	}
	if code == codeAlreadyMerged {
		c.logger.Debug().Str("task", req.TaskID).Msg("task was already merged")
	}
	return &models.FileRef{ID: out.FileID, Name: req.FileName, Size: req.FileSize}, nil
}

// CancelTask implements cloud.StorageService.
func (c *Client) CancelTask(ctx context.Context, req cloud.CancelRequest) error {
	_, err := c.postJSON(ctx, "cancel", pathCancel, cancelRequest{
		TaskID:   req.TaskID,
		FileHash: req.Fingerprint,
	}, nil)
	return err
}

var _ cloud.StorageService = (*Client)(nil)
