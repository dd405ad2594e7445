package core

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"flowproxy/logger"
	"flowproxy/models"
)

// ErrAppHost is the virtual host of the built-in diagnostic app.
const ErrAppHost = "errapp"

// DiagnosticError is what the diagnostic app fails with.
type DiagnosticError struct {
	Path string
}

func (e *DiagnosticError) Error() string {
	return "diagnostic failure requested for " + e.Path
}

// ErrApp always fails, so the proxy's 500 reporting can be observed.
func ErrApp() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(&DiagnosticError{Path: r.URL.Path})
	})
}

// appWriter buffers an app's response.
type appWriter struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (w *appWriter) Header() http.Header { return w.header }

func (w *appWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
}

func (w *appWriter) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.body.Write(p)
}

// serveApp runs h for req and returns its response. A panic becomes a 500
// whose body names the panic value's type and message.
func serveApp(h http.Handler, req *models.Request) (resp *models.Response) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.ProxyError("App %s failed: %T: %v", req.Host, r, r)
			resp = simpleResponse(http.StatusInternalServerError, fmt.Sprintf("%T: %v", r, r))
			resp.TimestampStart = start
		}
	}()

	hr, err := http.NewRequest(req.Method, req.URL(), bytes.NewReader(req.Content))
	if err != nil {
		panic(err)
	}
	for _, f := range req.Headers {
		hr.Header.Add(f.Name, f.Value)
	}
	hr.Host = req.Host

	w := &appWriter{header: make(http.Header)}
	h.ServeHTTP(w, hr)
	if w.code == 0 {
		w.code = http.StatusOK
	}

	resp = &models.Response{
		StatusCode:     w.code,
		Reason:         http.StatusText(w.code),
		HTTPVersion:    "HTTP/1.1",
		Content:        w.body.Bytes(),
		TimestampStart: start,
	}
	for name, values := range w.header {
		for _, v := range values {
			resp.Headers.Add(name, v)
		}
	}
	resp.Headers.Set("Content-Length", strconv.Itoa(len(resp.Content)))
	resp.TimestampEnd = time.Now()
	return resp
}
