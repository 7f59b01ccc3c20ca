package pipeline

import "github.com/flowstate-dev/flowstate/internal/flowstate/model"

// Default timeouts for the two timeout classes spec §4.3 defines: light
// (research/design/plan/verify/*_distill) and build. Spec §9 flags a
// legacy light-timeout default of 900s in one document and 1800s in
// another; this module settles on 900s for light and keeps 1800s for
// build — see DESIGN.md "Open Question decision" for the rationale.
const (
	DefaultLightTimeoutSeconds = 900
	DefaultBuildTimeoutSeconds = 1800
)

// TimeoutFor returns the configured timeout for action, given the
// dispatcher's light and build timeout settings.
func TimeoutFor(action model.Action, lightTimeoutSeconds, buildTimeoutSeconds int64) int64 {
	if action == model.ActionBuild {
		return buildTimeoutSeconds
	}
	return lightTimeoutSeconds
}
