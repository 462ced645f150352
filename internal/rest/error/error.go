// Package apierror defines the error envelope of the public REST API.
package apierror

type ApiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
