package client

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-resty/resty/v2"

	"aster/internal/domain"
)

// ProblemDetail is the RFC 7807 Problem Details shape the backend uses for
// error responses.
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// decodeProblem maps a non-2xx HTTP response to a domain error
func decodeProblem(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return problemToError(resp.StatusCode, body)
}

// problemFromResty maps a non-2xx resty response to a domain error
func problemFromResty(resp *resty.Response) error {
	return problemToError(resp.StatusCode(), resp.Body())
}

func problemToError(status int, body []byte) error {
	if status == http.StatusNotFound {
		return domain.ErrNotFound
	}

	var problem ProblemDetail
	detail := ""
	if err := json.Unmarshal(body, &problem); err == nil {
		detail = problem.Detail
		if detail == "" {
			detail = problem.Title
		}
	}
	if detail == "" {
		detail = http.StatusText(status)
	}

	return &domain.ApplicationError{
		Message:    detail,
		StatusCode: status,
	}
}
