package test

import (
	"errors"
	"io"
	"net/http"
)

type MockHttpClient struct {
	SentReqs     map[string]bool
	returnErrors bool
}

func NewMockHttpClient() *MockHttpClient {
	return &MockHttpClient{
		SentReqs: map[string]bool{},
	}
}

func (m *MockHttpClient) Post(url, _ string, _ io.Reader) (*http.Response, error) {
	if m.returnErrors {
		return nil, errors.New("oops")
	}

	m.SentReqs[url] = true

	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func (m *MockHttpClient) ReturnErrors() {
	m.returnErrors = true
}
