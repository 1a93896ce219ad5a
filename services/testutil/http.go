package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
)

// Request describes one call against a test router. RemoteIP, when set,
// replaces the default httptest peer address so per-IP rate limits can be
// exercised from distinct clients.
type Request struct {
	Method   string
	Path     string
	Body     any
	Token    string
	RemoteIP string
}

func Do(router *gin.Engine, r Request) *httptest.ResponseRecorder {
	var body io.Reader
	if r.Body != nil {
		payload, _ := json.Marshal(r.Body)
		body = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(r.Method, r.Path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	if r.RemoteIP != "" {
		req.RemoteAddr = r.RemoteIP + ":40000"
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func MakeAuthRequest(router *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	return Do(router, Request{Method: method, Path: path, Body: body, Token: token})
}

func MakeAPIRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	return Do(router, Request{Method: method, Path: path, Body: body})
}
