// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package orchestrator

import "fmt"

// ValidationError wraps a rejected request body or parameter. Ingress
// translates it to HTTP 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for a named field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// AuthError indicates a missing or invalid bearer credential. Ingress
// translates it to HTTP 401.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "unauthorized: " + e.Reason }

// NewAuthError builds an AuthError.
func NewAuthError(reason string) error { return &AuthError{Reason: reason} }

// NotFoundError indicates the referenced job does not exist. Ingress
// translates it to HTTP 404.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// NewNotFoundError builds a NotFoundError.
func NewNotFoundError(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// StorageError wraps a persistence failure. Ingress translates it to
// HTTP 500 and logs the wrapped cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a StorageError for operation op. Returns
// nil if err is nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// LaunchError indicates the launcher could not hand a job off to the
// worker runtime. The dispatcher records it as a launch_failed event
// and transitions the job to failed; it is never surfaced directly to
// an HTTP caller.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("launch failed: %v", e.Err) }

func (e *LaunchError) Unwrap() error { return e.Err }

// NewLaunchError wraps err as a LaunchError. Returns nil if err is nil.
func NewLaunchError(err error) error {
	if err == nil {
		return nil
	}
	return &LaunchError{Err: err}
}

// NotifyError indicates a downstream notifier or callback post failed.
// Always swallowed by the caller and only logged: fanout is
// fire-and-forget.
type NotifyError struct {
	Target string
	Err    error
}

func (e *NotifyError) Error() string { return fmt.Sprintf("notify %s: %v", e.Target, e.Err) }

func (e *NotifyError) Unwrap() error { return e.Err }

// NewNotifyError wraps err as a NotifyError. Returns nil if err is nil.
func NewNotifyError(target string, err error) error {
	if err == nil {
		return nil
	}
	return &NotifyError{Target: target, Err: err}
}
