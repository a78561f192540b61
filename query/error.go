/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package query

import "fmt"

const (
	// CodeResendInvokeAfter marks a locally classified ordering failure:
	// the query must be resent with a fresh invoke-after reference.
	CodeResendInvokeAfter = 204
	// CodeBadRequest is the server side rejection code; combined with
	// MsgWaitFailed/MsgWaitTimeout it signals an invoke-after refusal.
	CodeBadRequest = 400
	// CodeTooManyRequests is synthesised locally when accumulated flood
	// wait exceeds the query limit.
	CodeTooManyRequests = 429
	// CodeAborted is fabricated during teardown.
	CodeAborted = 500
)

const (
	// MsgWaitFailed means the server refused to execute the query because
	// its invoke-after predecessor failed.
	MsgWaitFailed = "MSG_WAIT_FAILED"
	// MsgWaitTimeout means the server gave up waiting for the invoke-after
	// predecessor.
	MsgWaitTimeout = "MSG_WAIT_TIMEOUT"
)

// Error is a server or locally synthesised query error.
type Error struct {
	Code    int
	Message string
}

// NewError creates a query error.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Aborted returns the teardown error delivered to live queries.
func Aborted() *Error {
	return &Error{Code: CodeAborted, Message: "Request aborted"}
}

// TooManyRequests returns the local flood limit error with a retry hint.
func TooManyRequests(retryAfter int) *Error {
	return &Error{
		Code:    CodeTooManyRequests,
		Message: fmt.Sprintf("Too Many Requests: retry after %d", retryAfter),
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// NeedsInvokeAfterResend reports whether the query failed because the server
// observed it out of order, meaning the chain must be repaired locally
// instead of consulting the callback.
func NeedsInvokeAfterResend(q *Query) bool {
	if !q.IsError() {
		return false
	}
	err := q.Err()
	if err.Code == CodeResendInvokeAfter {
		return true
	}
	return err.Code == CodeBadRequest &&
		(err.Message == MsgWaitFailed || err.Message == MsgWaitTimeout)
}
