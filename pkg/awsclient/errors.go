package awsclient

import (
	"context"
	"errors"
	"net"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/aura-nvr/backend/internal/apperr"
)

var notFoundCodes = map[string]bool{
	"NotFound":                  true,
	"NoSuchKey":                 true,
	"NoSuchBucket":              true,
	"ResourceNotFoundException": true,
}

var transientCodes = map[string]bool{
	"SlowDown":                               true,
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"InternalError":                          true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"TransactionInProgressException":         true,
}

// Classify wraps err with the matching apperr kind. Missing resources become
// apperr.ErrNotFound; throttling, 5xx responses and network failures become
// apperr.ErrTransient. Other errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if notFoundCodes[code] {
			return apperr.NotFound(err)
		}
		if transientCodes[code] || apiErr.ErrorFault() == smithy.FaultServer {
			return apperr.Transient(err)
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusNotFound:
			return apperr.NotFound(err)
		case status == http.StatusTooManyRequests || status >= 500:
			return apperr.Transient(err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient(err)
	}
	return err
}
