package plan

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// CheckMinVersion verifies that the running builder satisfies the plan's
// min-version directive. Development builds (non-semver versions such as
// "dev") skip the comparison.
func (p *Plan) CheckMinVersion(builderVersion string) error {
	if p.MinVersion == "" {
		return nil
	}
	if !semver.IsValid(p.MinVersion) {
		return &ParseError{Message: fmt.Sprintf("invalid min-version directive %q", p.MinVersion)}
	}
	if !semver.IsValid(builderVersion) {
		return nil
	}
	if semver.Compare(builderVersion, p.MinVersion) < 0 {
		return fmt.Errorf("plan requires builder %s or newer (running %s)", p.MinVersion, builderVersion)
	}
	return nil
}
