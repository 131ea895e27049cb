package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/saga"
	"github.com/projecteru2/vmplex/utils"
)

// Status of a dispatched call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPartial Status = "partial"
)

// ErrorBody is the error part of the envelope.
type ErrorBody struct {
	Kind    errdefs.Kind `json:"kind"`
	Message string       `json:"message"`
	Raw     string       `json:"raw,omitempty"`

	// Set for partial outcomes.
	Completed []string `json:"completed,omitempty"`
	Failed    string   `json:"failed_step,omitempty"`
	Advisory  string   `json:"advisory,omitempty"`
}

// Result is the uniform envelope every call returns.
type Result struct {
	Success   bool       `json:"success"`
	Status    Status     `json:"status"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	Count     *int       `json:"count,omitempty"`
	RequestID string     `json:"request_id"`
}

// Dispatch validates params against the route for (tool, action) and runs
// its handler. It never returns nil and never panics.
func (r *Registry) Dispatch(ctx context.Context, tool, action string, params map[string]any) (res *Result) {
	logger := log.WithFunc("dispatch.Dispatch")
	id := utils.NewRequestID()
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf(ctx, fmt.Errorf("%v", p), "[%s] %s.%s panicked: %s", id, tool, action, debug.Stack())
			res = failure(id, errdefs.Internalf("%s.%s panicked: %v", tool, action, p))
		}
		logger.Infof(ctx, "[%s] %s.%s -> %s in %s", id, tool, action, res.Status, time.Since(start).Round(time.Millisecond))
	}()

	rt, ok := r.Lookup(tool, action)
	if !ok {
		if len(r.actions(tool)) == 0 {
			return failure(id, errdefs.Validationf("unknown tool %q", tool))
		}
		return failure(id, errdefs.Validationf("unknown action %q for %s; available: %v", action, tool, r.actions(tool)))
	}
	p, err := bind(rt.Fields, params)
	if err != nil {
		return failure(id, err)
	}
	data, err := rt.Handler(ctx, p)
	if err != nil {
		if errdefs.KindOf(err) != errdefs.KindValidation {
			logger.Warnf(ctx, "[%s] %s.%s failed: %v", id, tool, action, err)
		}
		return failure(id, err)
	}
	res = &Result{Success: true, Status: StatusSuccess, Data: data, RequestID: id}
	if n, ok := count(data); ok {
		res.Count = &n
	}
	return res
}

func failure(id string, err error) *Result {
	body := &ErrorBody{Kind: errdefs.KindOf(err), Message: err.Error(), Raw: errdefs.RawOf(err)}
	res := &Result{Status: StatusFailure, Error: body, RequestID: id}
	if pe, ok := saga.AsPartial(err); ok {
		res.Status = StatusPartial
		body.Completed = pe.Completed
		body.Failed = pe.Failed
		body.Advisory = pe.Advisory
	}
	return res
}

// count reports the length of list results.
func count(data any) (int, bool) {
	if data == nil {
		return 0, false
	}
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Slice {
		return v.Len(), true
	}
	return 0, false
}
