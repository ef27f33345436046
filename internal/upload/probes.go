package upload

import (
	"context"
	"errors"
	"time"

	"github.com/rescale/chunkup/internal/cloud"
	inthttp "github.com/rescale/chunkup/internal/http"
	"github.com/rescale/chunkup/internal/logging"
	"github.com/rescale/chunkup/internal/models"
)

// remoteCall runs one service request under the retry policy, with a
// timeout on every attempt.
type remoteCall struct {
	retry   inthttp.Config
	timeout time.Duration
	logger  *logging.Logger
}

func (r remoteCall) do(ctx context.Context, op string, fn func(context.Context) error) error {
	retry := r.retry
	retry.OnRetry = func(attempt int, err error, errType inthttp.ErrorType) {
		r.logger.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Str("error_type", inthttp.ErrorTypeName(errType)).
			Err(err).
			Msg("retrying request")
	}
	err := inthttp.ExecuteWithRetry(ctx, retry, func() error {
		attemptCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		return fn(attemptCtx)
	})
	if err != nil {
		return cloud.AsError(op, err)
	}
	return nil
}

// DedupProbe asks the service for content it already holds.
type DedupProbe struct {
	svc  cloud.StorageService
	call remoteCall
}

// CheckExists reports whether content with fingerprint exists. It has no
// side effects on the service.
func (p *DedupProbe) CheckExists(ctx context.Context, fingerprint string, fileSize int64, fileName string) (*cloud.CheckResult, error) {
	var res *cloud.CheckResult
	err := p.call.do(ctx, "check", func(ctx context.Context) error {
		var err error
		res, err = p.svc.CheckInstant(ctx, cloud.CheckRequest{
			Fingerprint: fingerprint,
			FileName:    fileName,
			FileSize:    fileSize,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &cloud.CheckResult{}, nil
	}
	if res.Exists && res.FileRef == nil {
		return nil, cloud.NewError(cloud.KindFatal, "check", errors.New("service reported a match without a file reference"))
	}
	return res, nil
}

// ResumeIndex registers tasks and lists the chunks the service holds.
type ResumeIndex struct {
	svc  cloud.StorageService
	call remoteCall
}

// RegisterOrResume returns the task for req.Fingerprint, creating it when
// none is open, with the indices of the chunks already stored.
func (r *ResumeIndex) RegisterOrResume(ctx context.Context, req cloud.RegisterRequest) (*cloud.RegisterResult, error) {
	var res *cloud.RegisterResult
	err := r.call.do(ctx, "register", func(ctx context.Context) error {
		var err error
		res, err = r.svc.RegisterOrResume(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.TaskID == "" {
		return nil, cloud.NewError(cloud.KindFatal, "register", errors.New("service returned no task id"))
	}
	return res, nil
}

// Finalizer merges stored chunks into the final object and releases tasks.
type Finalizer struct {
	svc        cloud.StorageService
	call       remoteCall
	cancelCall remoteCall
}

// Merge assembles the task. An already merged task yields its FileRef.
func (f *Finalizer) Merge(ctx context.Context, req cloud.MergeRequest) (*models.FileRef, error) {
	var ref *models.FileRef
	err := f.call.do(ctx, "merge", func(ctx context.Context) error {
		var err error
		ref, err = f.svc.Merge(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, cloud.NewError(cloud.KindConflict, "merge", errors.New("merge returned no file reference"))
	}
	return ref, nil
}

// Cancel asks the service to reclaim the partial state of a task. It runs
// detached from ctx cancellation so it can follow a canceled upload.
func (f *Finalizer) Cancel(ctx context.Context, req cloud.CancelRequest) error {
	return f.cancelCall.do(context.WithoutCancel(ctx), "cancel", func(ctx context.Context) error {
		return f.svc.CancelTask(ctx, req)
	})
}
