// Package preflight runs readiness checks for the control service: the
// probe binary must exist and be executable, and at least one output base
// must be present. Surfaced through /readyz.
package preflight

import (
	"fmt"
	"os"
)

type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Target  string `json:"target,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Check runs all preflight checks and reports overall readiness.
func Check(probeBin string, outBases []string) ([]CheckResult, bool) {
	results := []CheckResult{
		checkProbeBin(probeBin),
		checkOutBases(outBases),
	}
	healthy := true
	for _, r := range results {
		if !r.Healthy {
			healthy = false
		}
	}
	return results, healthy
}

func checkProbeBin(path string) CheckResult {
	res := CheckResult{Name: "probe_bin", Target: path}
	st, err := os.Stat(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if st.IsDir() || st.Mode()&0o111 == 0 {
		res.Error = "not an executable file"
		return res
	}
	res.Healthy = true
	return res
}

func checkOutBases(bases []string) CheckResult {
	res := CheckResult{Name: "out_bases", Target: fmt.Sprintf("%v", bases)}
	if len(bases) == 0 {
		res.Error = "no output bases configured"
		return res
	}
	for _, b := range bases {
		if st, err := os.Stat(b); err == nil && st.IsDir() {
			res.Healthy = true
			return res
		}
	}
	res.Error = "no output base directory exists"
	return res
}
