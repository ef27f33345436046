package s3

import (
	"errors"
	"strings"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/rescale/chunkup/internal/cloud"
)

// mapError translates SDK errors into the cloud error taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var cerr *cloud.Error
	if errors.As(err, &cerr) {
		return err
	}
	return cloud.NewError(classify(err), op, err)
}

func classify(err error) cloud.Kind {
	// The SDK retryer's own budget; not a storage quota
	if strings.Contains(err.Error(), "retry quota exceeded") {
		return cloud.KindTransient
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchUpload", "InvalidPart", "InvalidPartOrder":
			return cloud.KindConflict
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"ExpiredToken", "TokenRefreshRequired", "InvalidToken":
			return cloud.KindAuth
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling":
			return cloud.KindTransient
		case "QuotaExceeded", "StorageQuotaExceeded":
			return cloud.KindQuota
		case "EntityTooSmall", "EntityTooLarge", "NoSuchBucket", "InvalidArgument":
			return cloud.KindFatal
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == 401 || code == 403:
			return cloud.KindAuth
		case code == 429 || code >= 500:
			return cloud.KindTransient
		}
	}
	return cloud.KindOf(err)
}

// isNotFound reports whether a HeadObject error means the key does not exist.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}

func isNoSuchUpload(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload"
}
