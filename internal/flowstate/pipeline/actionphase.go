package pipeline

// artifactName names the four artifact documents a run's action can
// produce, matching spec §6's artifact key shapes (spec.md, plan.md,
// research.md, verification.md). The "design" action writes the spec
// document — ledger.phasePrecondition's design_distill gate already keys
// off ApprovalSpec, which this mapping must stay consistent with.
const (
	ArtifactSpec         = "spec"
	ArtifactPlan         = "plan"
	ArtifactResearch     = "research"
	ArtifactVerification = "verification"
)

// artifactForAction returns the artifact document an action produces, and
// whether the action produces one at all — build does not.
func artifactForAction(action string) (artifact string, ok bool) {
	switch action {
	case "research", "research_distill":
		return ArtifactResearch, true
	case "design", "design_distill":
		return ArtifactSpec, true
	case "plan", "plan_distill":
		return ArtifactPlan, true
	case "verify", "verify_distill":
		return ArtifactVerification, true
	case "build":
		return "", false
	default:
		return "", false
	}
}

// isDistill reports whether action is a *_distill variant: it summarizes a
// prior artifact rather than producing one from scratch.
func isDistill(action string) bool {
	switch action {
	case "research_distill", "design_distill", "plan_distill", "verify_distill":
		return true
	default:
		return false
	}
}
