// Package health aggregates readiness and liveness checks for the /health endpoint.
package health

import (
	"context"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Check is a named probe. checkLiveness distinguishes liveness (is the process
// working at all) from readiness (are dependencies reachable).
type Check struct {
	Name  string
	Check func(ctx context.Context, checkLiveness bool) (int, string, error)
}

type dependency struct {
	Resource string `json:"resource"`
	Status   int    `json:"status"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
}

type report struct {
	Status       int          `json:"status"`
	Dependencies []dependency `json:"dependencies"`
}

// CheckAll runs every check and reports 200 only if all of them returned 200 without error.
func CheckAll(ctx context.Context, checkLiveness bool, checks []Check) (int, string, error) {
	r := report{
		Status:       http.StatusOK,
		Dependencies: make([]dependency, 0, len(checks)),
	}

	for _, check := range checks {
		status, message, err := check.Check(ctx, checkLiveness)
		if err != nil || status != http.StatusOK {
			r.Status = http.StatusServiceUnavailable
		}

		d := dependency{Resource: check.Name, Status: status, Message: message}
		if err != nil {
			d.Error = err.Error()
		}

		r.Dependencies = append(r.Dependencies, d)
	}

	b, err := json.Marshal(r)
	if err != nil {
		return http.StatusInternalServerError, "", err
	}

	return r.Status, string(b), nil
}

// Handler serves CheckAll results; "?type=liveness" limits checks to liveness.
func Handler(checks func() []Check) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		liveness := req.URL.Query().Get("type") == "liveness"

		status, body, err := CheckAll(req.Context(), liveness, checks())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}
