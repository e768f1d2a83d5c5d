package www

import (
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/debug"
	"strconv"

	"github.com/cyclopcam/logs"
	"github.com/julienschmidt/httprouter"
)

// Package www holds the panic-based HTTP handler plumbing that our API is built on.
// Handlers panic with an HTTPError (or any error) instead of threading errors
// back to the router, and RunProtected turns the panic into a response.

// RunProtected runs 'handler' inside a panic handler that recognizes our special errors,
// and sends the appropriate HTTP response if a panic does occur.
func RunProtected(log logs.Log, w http.ResponseWriter, r *http.Request, handler func()) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		switch err := rec.(type) {
		case HTTPError:
			log.Infof("Failed request %v: %v %v", r.URL.Path, err.Code, err.Message)
			SendError(w, err.Message, err.Code)
		case *HTTPError:
			log.Infof("Failed request %v: %v %v", r.URL.Path, err.Code, err.Message)
			SendError(w, err.Message, err.Code)
		case runtime.Error:
			log.Errorf("Runtime panic %v: %v", r.URL.Path, err)
			log.Errorf("Stack Trace: %v", string(debug.Stack()))
			SendError(w, err.Error(), http.StatusInternalServerError)
		case error:
			log.Errorf("Panic error %v: %v", r.URL.Path, err)
			SendError(w, err.Error(), http.StatusInternalServerError)
		case string:
			log.Errorf("Panic string %v: %v", r.URL.Path, err)
			SendError(w, err, http.StatusInternalServerError)
		default:
			log.Errorf("Unrecognized panic %v: %v", r.URL.Path, rec)
			SendError(w, "Unrecognized panic", http.StatusInternalServerError)
		}
	}()

	handler()
}

// Handle adds a route to router that runs inside RunProtected
func Handle(log logs.Log, router *httprouter.Router, method, path string, handle httprouter.Handle) {
	wrapper := func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		RunProtected(log, w, r, func() { handle(w, r, p) })
	}
	router.Handle(method, path, wrapper)
}

// QueryInt returns the named query value as an int, or defaultValue if it is missing.
// A value that is present but not an integer causes a 400 Bad Request.
func QueryInt(r *http.Request, key string, defaultValue int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		PanicBadRequestf("%v must be an integer", key)
	}
	return i
}

// RequiredQueryFloat returns the named query value as a float64, or panics
// with a 400 Bad Request if it is missing or not a number.
func RequiredQueryFloat(r *http.Request, key string) float64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		PanicBadRequestf("Must specify %v", key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		PanicBadRequestf("%v must be a number", key)
	}
	return f
}

// ReadJSON reads the body of the request, and unmarshals it into 'obj'.
func ReadJSON(w http.ResponseWriter, r *http.Request, obj any, maxBodyBytes int64) {
	if r.Body == nil {
		Panic(http.StatusBadRequest, "Request body is empty")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(obj); err != nil {
		PanicBadRequestf("Failed to decode JSON: %v", err)
	}
}

// Set cache headers instructing the client never to cache
func CacheNever(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "max-age=0")
}

// SendError is identical to the standard library http.Error(), except that we don't append a \n to the message body
func SendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	w.Write([]byte(message))
}

// SendJSON encodes 'obj' to JSON, and sends it as an HTTP application/json response.
func SendJSON(w http.ResponseWriter, obj any) {
	b, err := json.Marshal(obj)
	Check(err)
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

// SendText sends text as an HTTP text/plain response
func SendText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(text))
}

// SendOK sends "OK" as a text/plain response.
func SendOK(w http.ResponseWriter) {
	SendText(w, "OK")
}
