// Package remediation implements bounded retry-with-loop-back for
// REMEDIATION phases.
//
// When a remediation phase's validation predicate rejects its output, the
// Controller records a structured failure and, while the retry counter for
// the loop-back target is below the phase's max_remediation, sends the
// instance back to that target. Once the counter reaches the bound the
// phase is force-completed with a gap annotation (PolicyForceComplete) or
// the instance fails (PolicyFail). A counter never exceeds its bound, so a
// remediation loop always terminates.
//
// # Usage
//
//	ctrl := remediation.NewController(logger)
//	decision := ctrl.Decide(ctx, state, remediation.Spec{
//	    Phase:  "critique",
//	    Target: "synthesize",
//	    Max:    2,
//	}, remediation.Verdict{Pass: false, Reason: "missing citations"}, time.Now())
//
//	switch decision.Action {
//	case remediation.ActionRetry:
//	    // loop back to decision.Target
//	case remediation.ActionForceComplete:
//	    // proceed, decision.Gap documents what is missing
//	}
package remediation
