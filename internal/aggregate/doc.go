// Package aggregate derives a session-level turnover figure from intraday
// time bars when no source reports a direct session total.
//
// The output is a synthetic raw record under the INTRADAY_AGG pseudo-source
// at grade "estimated", so the reconciler treats it like any other input and
// a later direct figure of higher grade replaces it. A coverage guard keeps
// gap-riddled bar sets from producing a misleadingly low total.
package aggregate
