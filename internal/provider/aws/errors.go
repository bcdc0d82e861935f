package aws

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"hostbroker/internal/errors"
)

const launchTemplateNotFoundCode = "InvalidLaunchTemplateName.NotFoundException"

// Error code tables. Not exhaustive; extend as new codes show up in logs.
var (
	notFoundErrorCodes = map[string]struct{}{
		"InvalidInstanceID.NotFound":         {},
		"InvalidSpotFleetRequestId.NotFound": {},
		"InvalidLaunchTemplateId.NotFound":   {},
		launchTemplateNotFoundCode:           {},
	}

	// unfulfillableCapacityErrorCodes signify that capacity is temporarily
	// unable to be launched; another pool, subnet, or strategy may succeed.
	unfulfillableCapacityErrorCodes = map[string]struct{}{
		"InsufficientInstanceCapacity": {},
		"MaxSpotInstanceCountExceeded": {},
		"VcpuLimitExceeded":            {},
		"UnfulfillableCapacity":        {},
		"Unsupported":                  {},
	}

	accessDeniedErrorCodes = map[string]struct{}{
		"AccessDenied":          {},
		"AccessDeniedException": {},
		"UnauthorizedOperation": {},
	}

	throttlingErrorCodes = map[string]struct{}{
		"ThrottlingException":      {},
		"Throttling":               {},
		"RequestLimitExceeded":     {},
		"TooManyRequestsException": {},
	}

	// transientErrorCodes are retried against the same strategy first.
	transientErrorCodes = map[string]struct{}{
		"ServiceUnavailable":      {},
		"InternalServerError":     {},
		"InternalError":           {},
		"RequestTimeout":          {},
		"PriorRequestNotComplete": {},
		"RequestTimeTooSkewed":    {},
	}
)

// apiErrorCode extracts the AWS error code from err, unwrapping as needed.
// Empty when err is not an AWS API error.
func apiErrorCode(err error) string {
	var ae smithy.APIError
	if stderrors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func codeIn(set map[string]struct{}, code string) bool {
	_, ok := set[code]
	return ok
}

func isNotFound(err error) bool {
	return codeIn(notFoundErrorCodes, apiErrorCode(err))
}

func isLaunchTemplateNotFound(err error) bool {
	code := apiErrorCode(err)
	return code == launchTemplateNotFoundCode || code == "InvalidLaunchTemplateId.NotFound"
}

func isAlreadyExists(err error) bool {
	switch apiErrorCode(err) {
	case "InvalidLaunchTemplateName.AlreadyExistsException", "AlreadyExists":
		return true
	}
	return false
}

// classify maps an SDK error onto the broker taxonomy. Operation names the
// failed call for diagnostics. Broker errors pass through unchanged so
// already-classified failures keep their kind across layers.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	var be *errors.BrokerError
	if stderrors.As(err, &be) {
		return be
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.FromContext(err)
	}

	var ae smithy.APIError
	if !stderrors.As(err, &ae) {
		// Transport-level failure (connection reset, DNS, TLS). The request
		// may not have reached AWS; safe to retry.
		return errors.ProviderTransient(errors.CodeProviderUnavailable, "aws request failed").
			WithOperation(operation).
			WithCause(err).
			Build()
	}

	code := ae.ErrorCode()
	switch {
	case codeIn(throttlingErrorCodes, code):
		return errors.ProviderTransient(errors.CodeProviderThrottled, "aws throttled the request").
			WithOperation(operation).
			WithDetails(code).
			WithRetryAfter(2 * time.Second).
			WithCause(err).
			Build()
	case codeIn(unfulfillableCapacityErrorCodes, code):
		return errors.ProviderTransient(errors.CodeCapacityUnavailable, "aws could not fulfill the requested capacity").
			WithOperation(operation).
			WithDetails(code).
			WithCause(err).
			Build()
	case codeIn(transientErrorCodes, code):
		return errors.ProviderTransient(errors.CodeProviderUnavailable, "aws returned a transient error").
			WithOperation(operation).
			WithDetails(code).
			WithCause(err).
			Build()
	case codeIn(accessDeniedErrorCodes, code):
		return errors.ProviderPermanent(errors.CodeProviderAccessDenied, "aws denied access").
			WithOperation(operation).
			WithDetails(code+": "+ae.ErrorMessage()).
			WithCause(err).
			Build()
	case codeIn(notFoundErrorCodes, code):
		return errors.NotFound(errors.CodeMachineNotFound, "aws resource not found").
			WithOperation(operation).
			WithDetails(code+": "+ae.ErrorMessage()).
			WithCause(err).
			Build()
	default:
		// Invalid parameter, malformed request, unknown resource class.
		// Retrying the identical call cannot succeed.
		return errors.ProviderPermanent(errors.CodeProviderRejected, "aws rejected the request").
			WithOperation(operation).
			WithDetails(code+": "+ae.ErrorMessage()).
			WithCause(err).
			Build()
	}
}

// fleetError folds the CreateFleet error list into one broker error. When
// every entry is an unfulfillable-capacity code the result stays retryable so
// the caller can fail over; any other mix is permanent.
func fleetError(operation string, fleetErrs []ec2types.CreateFleetError) error {
	if len(fleetErrs) == 0 {
		return errors.ProviderPermanent(errors.CodeFleetRequestFailed, "fleet request returned no instances").
			WithOperation(operation).
			Build()
	}

	unique := make(map[string]struct{}, len(fleetErrs))
	for _, fe := range fleetErrs {
		unique[fmt.Sprintf("%s: %s", sdk.ToString(fe.ErrorCode), sdk.ToString(fe.ErrorMessage))] = struct{}{}
	}
	var combined error
	for _, msg := range sortedKeys(unique) {
		combined = multierr.Append(combined, stderrors.New(msg))
	}

	iceCount := lo.CountBy(fleetErrs, func(fe ec2types.CreateFleetError) bool {
		return codeIn(unfulfillableCapacityErrorCodes, sdk.ToString(fe.ErrorCode))
	})
	if iceCount == len(fleetErrs) {
		return errors.ProviderTransient(errors.CodeCapacityUnavailable, "fleet capacity unavailable").
			WithOperation(operation).
			WithDetails(combined.Error()).
			WithCause(combined).
			Build()
	}
	if lo.SomeBy(fleetErrs, func(fe ec2types.CreateFleetError) bool {
		return codeIn(accessDeniedErrorCodes, sdk.ToString(fe.ErrorCode))
	}) {
		return errors.ProviderPermanent(errors.CodeProviderAccessDenied, "fleet request denied").
			WithOperation(operation).
			WithDetails(combined.Error()).
			WithCause(combined).
			Build()
	}
	return errors.ProviderPermanent(errors.CodeFleetRequestFailed, "fleet request failed").
		WithOperation(operation).
		WithDetails(combined.Error()).
		WithCause(combined).
		Build()
}

func sortedKeys(m map[string]struct{}) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
