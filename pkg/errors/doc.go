// Package errors provides structured errors shared by the workflow packages.
//
// Every error carries an ErrorCode, a human readable message, optional
// details and an optional wrapped cause:
//
//	err := errors.NotFound("user", key)
//	err := errors.Workflow(engineErr, "while updating user")
//	err := errors.InvalidInput("token", "does not match")
//
// Codes map onto HTTP status codes through HTTPStatusCode so that handlers
// can render them without inspecting the message.
//
// # Validation errors
//
// Codes such as INVALID_INPUT, VALIDATION_FAILED and PASSWORD_COMPLEXITY
// are validation shaped. FindValidation locates one of them in a cause
// chain so the workflow layer can return it unwrapped instead of burying it
// inside a WORKFLOW_ERROR.
//
//	if v := errors.FindValidation(err); v != nil {
//		return v
//	}
//	return errors.Workflow(err, "while creating user")
//
// # Checking codes
//
//	if errors.IsCode(err, errors.ErrCodeNotFound) {
//		// ...
//	}
package errors
