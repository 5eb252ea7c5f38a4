// Package notify is the multi-channel delivery orchestrator.
//
// One orchestration request fans out to the push and email channels under a
// delivery mode:
//
//   - push_preferred: push everyone; email exactly the subset whose push
//     failed, in a single fallback message.
//   - both: push everyone and email everyone, with independent outcomes.
//
// Personalized requests (per-recipient variable overrides) render and send
// one email per recipient; push personalization is not supported and is
// rejected together with push_preferred.
//
// A request whose send time is in the future is not executed inline: it is
// persisted as a pending orchestration task through the scheduler, which
// makes deferred sends restart-safe.
package notify
